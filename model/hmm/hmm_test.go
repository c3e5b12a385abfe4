// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hmm

import (
	"math"
	"testing"

	"github.com/bootphon/beer/expfamily"
	"github.com/bootphon/beer/floatx"
	"github.com/bootphon/beer/model"
	"github.com/bootphon/beer/model/normal"
	"gonum.org/v1/gonum/mat"
)

const epsilon = 1e-10

// Left-to-right 3 state chain used throughout: start in state 0, end
// in state 2, state 2 is absorbing.
func chainTrans() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0.5, 0.5, 0,
		0, 0.5, 0.5,
		0, 0, 1,
	})
}

func TestForwardRecursion(t *testing.T) {

	// With zero log-likelihoods the alphas are pure path masses.
	llhs := mat.NewDense(4, 3, nil)
	alphas := Forward([]int{0}, chainTrans(), llhs)

	ln := math.Log
	expected := [][]float64{
		{0, math.Inf(-1), math.Inf(-1)},
		{ln(0.5), ln(0.5), math.Inf(-1)},
		{ln(0.25), ln(0.5), ln(0.25)},
		{ln(0.125), ln(0.375), ln(0.5)},
	}
	for i, row := range expected {
		for j, want := range row {
			got := alphas.At(i, j)
			if math.IsInf(want, -1) {
				if !math.IsInf(got, -1) {
					t.Errorf("alpha[%d,%d] must be -Inf, got [%f]", i, j, got)
				}
				continue
			}
			floatx.CompareFloats(t, want, got, "wrong alpha", epsilon)
		}
	}
}

func TestBackwardRecursion(t *testing.T) {

	llhs := mat.NewDense(4, 3, nil)
	betas := Backward([]int{2}, chainTrans(), llhs)

	ln := math.Log
	expected := [][]float64{
		{ln(0.5), ln(0.875), 0},
		{ln(0.25), ln(0.75), 0},
		{math.Inf(-1), ln(0.5), 0},
		{math.Inf(-1), math.Inf(-1), 0},
	}
	for i, row := range expected {
		for j, want := range row {
			got := betas.At(i, j)
			if math.IsInf(want, -1) {
				if !math.IsInf(got, -1) {
					t.Errorf("beta[%d,%d] must be -Inf, got [%f]", i, j, got)
				}
				continue
			}
			floatx.CompareFloats(t, want, got, "wrong beta", epsilon)
		}
	}
}

func TestPosteriors(t *testing.T) {

	llhs := mat.NewDense(4, 3, nil)
	trans := chainTrans()
	alphas := Forward([]int{0}, trans, llhs)
	betas := Backward([]int{2}, trans, llhs)
	resps := Posteriors(alphas, betas)

	expected := [][]float64{
		{1, 0, 0},
		{0.25, 0.75, 0},
		{0, 0.5, 0.5},
		{0, 0, 1},
	}
	for i, row := range expected {
		floatx.CompareSliceFloat(t, row, resps.RawRowView(i), "wrong posterior", epsilon)
	}

	// Every normalizer agrees on the evidence.
	for i := 0; i < 4; i++ {
		tmp := make([]float64, 3)
		for j := 0; j < 3; j++ {
			tmp[j] = alphas.At(i, j) + betas.At(i, j)
		}
		norm := floatx.LogSumExp(tmp)
		floatx.CompareFloats(t, math.Log(0.5), norm, "evidence must not depend on the frame", epsilon)
	}
}

func TestViterbi(t *testing.T) {

	llhs := mat.NewDense(4, 3, nil)
	path := Viterbi([]int{0}, []int{2}, chainTrans(), llhs)
	// Staying in the absorbing state is strictly cheaper than the
	// late transition; ties upstream resolve to the first maximum.
	floatx.CompareSliceInt(t, []int{0, 1, 2, 2}, path, "wrong viterbi path")

	// Emissions can force the other alignment.
	llhs = mat.NewDense(4, 3, []float64{
		0, -100, -100,
		0, -100, -100,
		-100, 0, -100,
		-100, -100, 0,
	})
	path = Viterbi([]int{0}, []int{2}, chainTrans(), llhs)
	floatx.CompareSliceInt(t, []int{0, 0, 1, 2}, path, "wrong forced path")
}

func TestSingleFrame(t *testing.T) {

	llhs := mat.NewDense(1, 3, []float64{-1, -2, -3})
	alphas := Forward([]int{0, 1}, chainTrans(), llhs)
	floatx.CompareFloats(t, -1+math.Log(0.5), alphas.At(0, 0), "wrong single-frame alpha", epsilon)

	path := Viterbi([]int{0, 1}, []int{0, 1, 2}, chainTrans(), llhs)
	floatx.CompareSliceInt(t, []int{0}, path, "wrong single-frame path")
}

func TestForbiddenTransitionsStayFinitelessNotNaN(t *testing.T) {

	// A state with no incoming mass keeps -Inf alphas; nothing may
	// turn into NaN.
	trans := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	llhs := mat.NewDense(3, 2, nil)
	alphas := Forward([]int{0}, trans, llhs)
	for i := 0; i < 3; i++ {
		if !math.IsInf(alphas.At(i, 1), -1) {
			t.Errorf("unreachable state must stay -Inf")
		}
		if math.IsNaN(alphas.At(i, 0)) || math.IsNaN(alphas.At(i, 1)) {
			t.Errorf("NaN leaked into the forward table")
		}
	}
}

func testEmissions(t *testing.T) model.Set {
	prior, err := expfamily.NewNormalGamma([]float64{0}, []float64{1}, 1)
	floatx.CheckError(t, err)
	posts := make([]*expfamily.Dist, 3)
	for i, m := range []float64{-5, 0, 5} {
		posts[i], err = expfamily.NewNormalGamma([]float64{m}, []float64{1}, 1)
		floatx.CheckError(t, err)
	}
	set, err := normal.NewSet(prior, posts, 3)
	floatx.CheckError(t, err)
	return set
}

func TestModelForwardAccumulate(t *testing.T) {

	m, err := NewModel([]int{0}, []int{2}, chainTrans(), testEmissions(t), Name("testing"))
	floatx.CheckError(t, err)

	data := mat.NewDense(4, 1, []float64{-5, -5, 0, 5})
	stats, err := m.SufficientStatistics(data)
	floatx.CheckError(t, err)

	llh, err := m.Forward(stats, nil)
	floatx.CheckError(t, err)
	if len(llh) != 4 {
		t.Fatalf("wrong llh length [%d]", len(llh))
	}

	acc, err := m.Accumulate(stats, nil)
	floatx.CheckError(t, err)
	if len(acc) != 3 {
		t.Fatalf("expected one increment per state, got [%d]", len(acc))
	}

	// Scratch was consumed.
	_, err = m.Accumulate(stats, nil)
	if _, ok := err.(*model.StaleCacheError); !ok {
		t.Fatalf("expected StaleCacheError, got [%v]", err)
	}
}

func TestModelForcedAlignment(t *testing.T) {

	m, err := NewModel([]int{0}, []int{2}, chainTrans(), testEmissions(t))
	floatx.CheckError(t, err)

	data := mat.NewDense(3, 1, []float64{-5, 0, 5})
	stats, err := m.SufficientStatistics(data)
	floatx.CheckError(t, err)

	alignment, err := model.ExpandLabels([]int{0, 1, 2}, 3)
	floatx.CheckError(t, err)
	llh, err := m.Forward(stats, alignment)
	floatx.CheckError(t, err)

	// Under a one-hot alignment the per-frame llh is the aligned
	// state's emission llh.
	emis, err := m.ComponentsForward(stats)
	floatx.CheckError(t, err)
	for i := 0; i < 3; i++ {
		floatx.CompareFloats(t, emis.At(i, i), llh[i], "wrong aligned llh", epsilon)
	}
}

func TestModelDecode(t *testing.T) {

	m, err := NewModel([]int{0}, []int{2}, chainTrans(), testEmissions(t))
	floatx.CheckError(t, err)

	data := mat.NewDense(4, 1, []float64{-5, -5, 0, 5})
	path, err := m.Decode(data)
	floatx.CheckError(t, err)
	floatx.CompareSliceInt(t, []int{0, 0, 1, 2}, path, "wrong decoded path")
}

func TestTransitionReestimation(t *testing.T) {

	m, err := NewModel([]int{0}, []int{2}, chainTrans(), testEmissions(t), UpdateTP(true))
	floatx.CheckError(t, err)

	data := mat.NewDense(4, 1, []float64{-5, -5, 0, 5})
	stats, err := m.SufficientStatistics(data)
	floatx.CheckError(t, err)
	_, err = m.Forward(stats, nil)
	floatx.CheckError(t, err)
	_, err = m.Accumulate(stats, nil)
	floatx.CheckError(t, err)

	m.EstimateTransitions()
	// Rows with occupancy stay stochastic.
	for i := 0; i < 2; i++ {
		var sum float64
		for j := 0; j < 3; j++ {
			v := m.TransMat.At(i, j)
			if v < 0 {
				t.Fatalf("negative transition probability")
			}
			sum += v
		}
		floatx.CompareFloats(t, 1, sum, "reestimated row must be stochastic", 1e-6)
	}
}

func TestModelValidation(t *testing.T) {

	set := testEmissions(t)

	// Non-stochastic row.
	bad := mat.NewDense(3, 3, []float64{
		0.5, 0.2, 0,
		0, 0.5, 0.5,
		0, 0, 1,
	})
	_, err := NewModel([]int{0}, []int{2}, bad, set)
	if _, ok := err.(*expfamily.InvalidParamError); !ok {
		t.Fatalf("expected InvalidParamError, got [%v]", err)
	}

	// A zero row (trap state) is valid.
	trap := mat.NewDense(3, 3, []float64{
		0.5, 0.5, 0,
		0, 0.5, 0.5,
		0, 0, 0,
	})
	if _, err := NewModel([]int{0}, []int{2}, trap, set); err != nil {
		t.Fatalf("zero transition row must be accepted: %v", err)
	}

	// Empty or out-of-range state subsets.
	good := chainTrans()
	if _, err := NewModel(nil, []int{2}, good, set); err == nil {
		t.Fatalf("empty init states must fail")
	}
	if _, err := NewModel([]int{0}, []int{5}, good, set); err == nil {
		t.Fatalf("out-of-range final state must fail")
	}
}
