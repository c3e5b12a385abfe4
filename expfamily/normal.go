package expfamily

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// NewNormalIso creates a Normal distribution with isotropic covariance
// variance*I over a mean vector. Natural-parameter layout:
// [-1/(2*variance), mean/variance...]. Sufficient statistics of the
// mean mu: [mu'mu, mu...].
func NewNormalIso(mean []float64, variance float64) (*Dist, error) {
	if len(mean) == 0 {
		return nil, &InvalidParamError{Family: "NormalIso", Reason: "empty mean vector"}
	}
	if variance <= 0 {
		return nil, &InvalidParamError{Family: "NormalIso", Reason: "variance must be positive"}
	}
	nat := make([]float64, 1+len(mean))
	nat[0] = -1 / (2 * variance)
	for i, m := range mean {
		nat[1+i] = m / variance
	}
	return &Dist{family: NormalIso, dim: len(mean), nat: nat}, nil
}

func normalIsoExpected(d *Dist) []float64 {
	variance := -1 / (2 * d.nat[0])
	mean := make([]float64, d.dim)
	for i := range mean {
		mean[i] = d.nat[1+i] * variance
	}
	out := make([]float64, 1+d.dim)
	out[0] = floats.Dot(mean, mean) + float64(d.dim)*variance
	copy(out[1:], mean)
	return out
}

// NormalIsoMoments returns (E[mu'mu], E[mu]).
func (d *Dist) NormalIsoMoments() (quad float64, mean []float64) {
	d.mustBe(NormalIso)
	s := d.ExpectedStats()
	return s[0], s[1:]
}

// NewNormalFull creates a Normal distribution with full covariance over
// a mean vector. The covariance must be positive definite.
// Natural-parameter layout: [-1/2*inv(cov) (row major), inv(cov)*mean].
// Sufficient statistics of the mean mu: [mu mu' (row major), mu].
func NewNormalFull(mean []float64, cov *mat.SymDense) (*Dist, error) {
	dim := len(mean)
	if dim == 0 {
		return nil, &InvalidParamError{Family: "NormalFull", Reason: "empty mean vector"}
	}
	if cov.SymmetricDim() != dim {
		return nil, &InvalidParamError{Family: "NormalFull", Reason: "covariance size does not match mean"}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, &InvalidParamError{Family: "NormalFull", Reason: "covariance is not positive definite"}
	}
	var prec mat.SymDense
	if err := chol.InverseTo(&prec); err != nil {
		return nil, &InvalidParamError{Family: "NormalFull", Reason: "covariance is numerically singular"}
	}

	nat := make([]float64, dim*dim+dim)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			nat[i*dim+j] = -0.5 * prec.At(i, j)
		}
	}
	pm := nat[dim*dim:]
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			pm[i] += prec.At(i, j) * mean[j]
		}
	}
	return &Dist{family: NormalFull, dim: dim, nat: nat}, nil
}

func normalFullExpected(d *Dist) []float64 {
	dim := d.dim
	cov, mean := invertQuadNat(d.nat[:dim*dim], d.nat[dim*dim:], dim, "NormalFull")

	out := make([]float64, dim*dim+dim)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			out[i*dim+j] = cov.At(i, j) + mean[i]*mean[j]
		}
	}
	copy(out[dim*dim:], mean)
	return out
}

// NormalFullMoments returns (E[mu mu'], E[mu]).
func (d *Dist) NormalFullMoments() (quad *mat.Dense, mean []float64) {
	d.mustBe(NormalFull)
	s := d.ExpectedStats()
	dim := d.dim
	q := make([]float64, dim*dim)
	copy(q, s[:dim*dim])
	return mat.NewDense(dim, dim, q), s[dim*dim:]
}

// invertQuadNat recovers (cov, mean) from naturals laid out as
// [-1/2*inv(cov), inv(cov)*mean]. Shared by the NormalFull and
// MatrixNormal expectation maps. cols is the number of mean columns
// per precision row (1 for NormalFull).
func invertQuadNat(quadNat, linNat []float64, size int, family string) (*mat.SymDense, []float64) {
	prec := mat.NewSymDense(size, nil)
	for i := 0; i < size; i++ {
		for j := i; j < size; j++ {
			// Symmetrize against accumulated round-off.
			v := -(quadNat[i*size+j] + quadNat[j*size+i])
			prec.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(prec); !ok {
		panic("expfamily: " + family + " natural parameters define a non-positive-definite precision")
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		panic("expfamily: " + family + " precision is numerically singular")
	}

	cols := len(linNat) / size
	mean := make([]float64, len(linNat))
	for i := 0; i < size; i++ {
		for j := 0; j < size; j++ {
			for c := 0; c < cols; c++ {
				mean[i*cols+c] += cov.At(i, j) * linNat[j*cols+c]
			}
		}
	}
	return &cov, mean
}
