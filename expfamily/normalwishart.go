package expfamily

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
)

// NewNormalWishart creates a Normal-Wishart distribution over the
// (mean, precision matrix) pair of a full-covariance Normal. cov is
// the expected covariance of the modeled Normal and must be positive
// definite; count is the pseudo-count of the prior.
//
// Natural-parameter layout: [Psi + kappa*m*m' (dim x dim, row major),
// kappa*m, kappa, nu - dim] so that accumulating the data statistics
// [x x', x, 1, 1] performs the conjugate update.
func NewNormalWishart(mean []float64, cov *mat.SymDense, count float64) (*Dist, error) {
	dim := len(mean)
	if dim == 0 {
		return nil, &InvalidParamError{Family: "NormalWishart", Reason: "empty mean vector"}
	}
	if cov.SymmetricDim() != dim {
		return nil, &InvalidParamError{Family: "NormalWishart", Reason: "covariance size does not match mean"}
	}
	if count <= 0 {
		return nil, &InvalidParamError{Family: "NormalWishart", Reason: "pseudo-count must be positive"}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, &InvalidParamError{Family: "NormalWishart", Reason: "covariance is not positive definite"}
	}

	kappa := count
	nu := float64(dim) + count
	nat := make([]float64, dim*dim+dim+2)
	// Psi = nu * cov, so that E[Lambda] = nu * inv(Psi) = inv(cov).
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			nat[i*dim+j] = nu*cov.At(i, j) + kappa*mean[i]*mean[j]
		}
	}
	for i, m := range mean {
		nat[dim*dim+i] = kappa * m
	}
	nat[dim*dim+dim] = kappa
	nat[dim*dim+dim+1] = nu - float64(dim)
	return &Dist{family: NormalWishart, dim: dim, nat: nat}, nil
}

// Expected statistics layout: [E[Lambda] (dim x dim), E[Lambda mu],
// E[mu' Lambda mu], E[log |Lambda|]].
func normalWishartExpected(d *Dist) []float64 {
	dim := d.dim
	kappa := d.nat[dim*dim+dim]
	nu := d.nat[dim*dim+dim+1] + float64(dim)
	mean := make([]float64, dim)
	for i := range mean {
		mean[i] = d.nat[dim*dim+i] / kappa
	}

	psi := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			v := 0.5*(d.nat[i*dim+j]+d.nat[j*dim+i]) - kappa*mean[i]*mean[j]
			psi.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(psi); !ok {
		panic("expfamily: NormalWishart natural parameters define a non-positive-definite scale")
	}
	var psiInv mat.SymDense
	if err := chol.InverseTo(&psiInv); err != nil {
		panic("expfamily: NormalWishart scale is numerically singular")
	}

	out := make([]float64, dim*dim+dim+2)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			out[i*dim+j] = nu * psiInv.At(i, j)
		}
	}
	lm := out[dim*dim : dim*dim+dim]
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			lm[i] += out[i*dim+j] * mean[j]
		}
	}
	var quad float64
	for i := 0; i < dim; i++ {
		quad += mean[i] * lm[i]
	}
	out[dim*dim+dim] = float64(dim)/kappa + quad

	logDet := chol.LogDet()
	sumDigamma := 0.0
	for i := 1; i <= dim; i++ {
		sumDigamma += mathext.Digamma(0.5 * (nu + 1 - float64(i)))
	}
	out[dim*dim+dim+1] = sumDigamma + float64(dim)*math.Ln2 - logDet
	return out
}

// NormalWishartMoments returns (E[Lambda], E[Lambda mu],
// E[mu' Lambda mu], E[log |Lambda|]).
func (d *Dist) NormalWishartMoments() (prec *mat.Dense, precMean []float64, quad, logDetPrec float64) {
	d.mustBe(NormalWishart)
	s := d.ExpectedStats()
	dim := d.dim
	p := make([]float64, dim*dim)
	copy(p, s[:dim*dim])
	return mat.NewDense(dim, dim, p), s[dim*dim : dim*dim+dim], s[dim*dim+dim], s[dim*dim+dim+1]
}
