// Package floatx provides small float64 slice helpers shared by the
// model packages: elementwise apply functions, 2D slice construction,
// and the stabilized log-domain reductions used by the inference code.
package floatx

import (
	"math"
)

type Error string

func (err Error) Error() string { return string(err) }

const (
	ErrIndexOutOfRange = Error("floatx: index out of range")
	ErrZeroLength      = Error("floatx: zero length in slice definition")
	ErrLength          = Error("floatx: length mismatch")
)

var Log = func(r int, v float64) float64 { return math.Log(v) }
var Exp = func(r int, v float64) float64 { return math.Exp(v) }
var Sq = func(r int, v float64) float64 { return v * v }
var Sqrt = func(r int, v float64) float64 { return math.Sqrt(v) }
var Inv = func(r int, v float64) float64 { return 1.0 / v }

func AddScalarFunc(f float64) ApplyFunc {
	return func(r int, v float64) float64 { return v + f }
}
func ScaleFunc(f float64) ApplyFunc {
	return func(r int, v float64) float64 { return v * f }
}
func SetValueFunc(f float64) ApplyFunc {
	return func(r int, v float64) float64 { return f }
}

type ApplyFunc func(n int, v float64) float64

// Apply function to 1D slice. If out slice is empty, the function is
// applied in place.
func Apply(fn ApplyFunc, in, out []float64) []float64 {

	n := len(in)
	if n == 0 {
		panic(ErrZeroLength)
	}
	if len(out) == 0 {
		out = in
	}
	for i := 0; i < n; i++ {
		out[i] = fn(i, in[i])
	}

	return out
}

func MakeFloat2D(n1, n2 int) [][]float64 {

	s := make([][]float64, n1)
	for i := 0; i < n1; i++ {
		s[i] = make([]float64, n2)
	}

	return s
}

func Check2D(s [][]float64) (n1, n2 int) {

	n1 = len(s)
	if n1 == 0 {
		panic(ErrZeroLength)
	}

	n2 = len(s[0])
	if n2 == 0 {
		panic(ErrZeroLength)
	}

	return n1, n2
}

// Set all values to zero.
func Clear(s []float64) {

	Apply(SetValueFunc(0), s, nil)
}

// Set all values to zero.
func Clear2D(s [][]float64) {

	for _, slice := range s {
		Clear(slice)
	}
}

// LogSumExp computes log(sum_i exp(s[i])) using the max-subtraction
// trick. A slice of all -Inf values reduces to -Inf, not NaN, so that
// zero-probability paths propagate through the log-domain recurrences.
func LogSumExp(s []float64) float64 {

	if len(s) == 0 {
		panic(ErrZeroLength)
	}
	max := s[0]
	for _, v := range s[1:] {
		if v > max {
			max = v
		}
	}
	if math.IsInf(max, -1) {
		return math.Inf(-1)
	}
	var sum float64
	for _, v := range s {
		sum += math.Exp(v - max)
	}
	return max + math.Log(sum)
}

// ArgMax returns the index of the maximum value. Ties resolve to the
// first maximum encountered.
func ArgMax(s []float64) int {

	if len(s) == 0 {
		panic(ErrZeroLength)
	}
	best := 0
	for i, v := range s[1:] {
		if v > s[best] {
			best = i + 1
		}
	}
	return best
}

// Dot returns the inner product of two equal-length slices.
func Dot(a, b []float64) float64 {

	if len(a) != len(b) {
		panic(ErrLength)
	}
	var sum float64
	for i, v := range a {
		sum += v * b[i]
	}
	return sum
}
