package expfamily

import (
	"math"

	"gonum.org/v1/gonum/mathext"
)

// NewGamma creates a Gamma distribution with the given shape and rate.
// It is the conjugate prior of a Normal precision. Natural-parameter
// layout: [shape-1, -rate]. Sufficient statistics of the precision
// lambda: [log lambda, lambda].
func NewGamma(shape, rate float64) (*Dist, error) {
	if shape <= 0 {
		return nil, &InvalidParamError{Family: "Gamma", Reason: "shape must be positive"}
	}
	if rate <= 0 {
		return nil, &InvalidParamError{Family: "Gamma", Reason: "rate must be positive"}
	}
	return &Dist{
		family: Gamma,
		dim:    1,
		nat:    []float64{shape - 1, -rate},
	}, nil
}

func gammaExpected(d *Dist) []float64 {
	shape := d.nat[0] + 1
	rate := -d.nat[1]
	return []float64{
		mathext.Digamma(shape) - math.Log(rate),
		shape / rate,
	}
}

// GammaMoments returns (E[log lambda], E[lambda]).
func (d *Dist) GammaMoments() (logPrec, prec float64) {
	d.mustBe(Gamma)
	s := d.ExpectedStats()
	return s[0], s[1]
}
