package expfamily

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mathext"
)

// NewNormalGamma creates a Normal-Gamma distribution over the per
// dimension (mean, precision) pairs of a diagonal-covariance Normal.
// count is the pseudo-count (strength) of the prior.
//
// Per-dimension natural-parameter layout, in four blocks of length dim:
// [kappa*m^2 + 2b, kappa*m, kappa, 2a - 1] so that accumulating the
// data statistics [x^2, x, 1, 1] performs the conjugate update.
func NewNormalGamma(mean, precision []float64, count float64) (*Dist, error) {
	dim := len(mean)
	if dim == 0 {
		return nil, &InvalidParamError{Family: "NormalGamma", Reason: "empty mean vector"}
	}
	if len(precision) != dim {
		return nil, &InvalidParamError{Family: "NormalGamma", Reason: "mean and precision lengths differ"}
	}
	if count <= 0 {
		return nil, &InvalidParamError{Family: "NormalGamma", Reason: "pseudo-count must be positive"}
	}
	nat := make([]float64, 4*dim)
	for i, m := range mean {
		p := precision[i]
		if p <= 0 {
			return nil, &InvalidParamError{
				Family: "NormalGamma",
				Reason: fmt.Sprintf("precision[%d] = %g must be positive", i, p),
			}
		}
		kappa := count
		shape := 0.5 * count
		rate := shape / p
		nat[i] = kappa*m*m + 2*rate
		nat[dim+i] = kappa * m
		nat[2*dim+i] = kappa
		nat[3*dim+i] = 2*shape - 1
	}
	return &Dist{family: NormalGamma, dim: dim, nat: nat}, nil
}

// Expected statistics in four blocks of length dim:
// [E[l*m^2], E[l*m], E[l], E[log l]] where m, l are the per-dimension
// mean and precision of the modeled Normal.
func normalGammaExpected(d *Dist) []float64 {
	dim := d.dim
	out := make([]float64, 4*dim)
	for i := 0; i < dim; i++ {
		kappa := d.nat[2*dim+i]
		m := d.nat[dim+i] / kappa
		shape := 0.5 * (d.nat[3*dim+i] + 1)
		rate := 0.5 * (d.nat[i] - kappa*m*m)
		prec := shape / rate
		out[i] = 1/kappa + m*m*prec
		out[dim+i] = m * prec
		out[2*dim+i] = prec
		out[3*dim+i] = mathext.Digamma(shape) - math.Log(rate)
	}
	return out
}

// NormalGammaMoments returns the four per-dimension expectation blocks
// (E[l*m^2], E[l*m], E[l], E[log l]).
func (d *Dist) NormalGammaMoments() (quad, linear, prec, logPrec []float64) {
	d.mustBe(NormalGamma)
	s := d.ExpectedStats()
	dim := d.dim
	return s[:dim], s[dim : 2*dim], s[2*dim : 3*dim], s[3*dim:]
}
