package expfamily

import (
	"gonum.org/v1/gonum/mat"
)

// NewMatrixNormal creates a Matrix-Normal distribution over a
// subspace matrix W of shape rows x cols (subspace dim x data dim),
// with mean M and row covariance U (rows x rows, shared by every
// column). Natural-parameter layout: [-1/2*inv(U) (rows x rows),
// inv(U)*M (rows x cols)]. Sufficient statistics: [W W' (rows x rows),
// W (rows x cols)].
func NewMatrixNormal(m *mat.Dense, cov *mat.SymDense) (*Dist, error) {
	rows, cols := m.Dims()
	if rows == 0 || cols == 0 {
		return nil, &InvalidParamError{Family: "MatrixNormal", Reason: "empty mean matrix"}
	}
	if cov.SymmetricDim() != rows {
		return nil, &InvalidParamError{Family: "MatrixNormal", Reason: "row covariance size does not match mean rows"}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, &InvalidParamError{Family: "MatrixNormal", Reason: "row covariance is not positive definite"}
	}
	var prec mat.SymDense
	if err := chol.InverseTo(&prec); err != nil {
		return nil, &InvalidParamError{Family: "MatrixNormal", Reason: "row covariance is numerically singular"}
	}

	nat := make([]float64, rows*rows+rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < rows; j++ {
			nat[i*rows+j] = -0.5 * prec.At(i, j)
		}
	}
	lin := nat[rows*rows:]
	for i := 0; i < rows; i++ {
		for j := 0; j < rows; j++ {
			p := prec.At(i, j)
			for c := 0; c < cols; c++ {
				lin[i*cols+c] += p * m.At(j, c)
			}
		}
	}
	return &Dist{family: MatrixNormal, dim: cols, rows: rows, nat: nat}, nil
}

func matrixNormalExpected(d *Dist) []float64 {
	rows, cols := d.rows, d.dim
	cov, mean := invertQuadNat(d.nat[:rows*rows], d.nat[rows*rows:], rows, "MatrixNormal")

	// E[W W'] = M M' + cols * U, E[W] = M.
	out := make([]float64, rows*rows+rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < rows; j++ {
			var mm float64
			for c := 0; c < cols; c++ {
				mm += mean[i*cols+c] * mean[j*cols+c]
			}
			out[i*rows+j] = mm + float64(cols)*cov.At(i, j)
		}
	}
	copy(out[rows*rows:], mean)
	return out
}

// MatrixNormalMoments returns (E[W W'], E[W]).
func (d *Dist) MatrixNormalMoments() (quad, mean *mat.Dense) {
	d.mustBe(MatrixNormal)
	s := d.ExpectedStats()
	rows, cols := d.rows, d.dim
	q := make([]float64, rows*rows)
	copy(q, s[:rows*rows])
	m := make([]float64, rows*cols)
	copy(m, s[rows*rows:])
	return mat.NewDense(rows, rows, q), mat.NewDense(rows, cols, m)
}
