package expfamily

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mathext"
)

// NewDirichlet creates a Dirichlet distribution from concentration
// parameters. It is the conjugate prior of mixture weights.
// Natural-parameter layout: alpha - 1. Sufficient statistics of the
// weights pi: log pi.
func NewDirichlet(alpha []float64) (*Dist, error) {
	if len(alpha) == 0 {
		return nil, &InvalidParamError{Family: "Dirichlet", Reason: "empty concentration vector"}
	}
	nat := make([]float64, len(alpha))
	for i, a := range alpha {
		if a <= 0 {
			return nil, &InvalidParamError{
				Family: "Dirichlet",
				Reason: fmt.Sprintf("concentration[%d] = %g must be positive", i, a),
			}
		}
		nat[i] = a - 1
	}
	return &Dist{family: Dirichlet, dim: len(alpha), nat: nat}, nil
}

func dirichletExpected(d *Dist) []float64 {
	total := floats.Sum(d.nat) + float64(len(d.nat))
	psiTotal := mathext.Digamma(total)
	out := make([]float64, len(d.nat))
	for i, n := range d.nat {
		out[i] = mathext.Digamma(n+1) - psiTotal
	}
	return out
}

// DirichletMoments returns E[log pi] for each component.
func (d *Dist) DirichletMoments() []float64 {
	d.mustBe(Dirichlet)
	return d.ExpectedStats()
}
