// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package normal provides Bayesian Normal models with diagonal
(Normal-Gamma posterior) or full (Normal-Wishart posterior) covariance,
and sets of Normal models sharing one prior (mixture components, HMM
emission densities).
*/
package normal

import (
	"math"
	"math/rand"

	exprand "golang.org/x/exp/rand"

	"github.com/bootphon/beer/expfamily"
	"github.com/bootphon/beer/model"
	"github.com/golang/glog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

const logTwoPi = 1.8378770664093453

// Covariance selects the covariance structure of a Normal model.
type Covariance int

const (
	// Diag models per-dimension variances (Normal-Gamma posterior).
	Diag Covariance = iota
	// Full models a dense covariance (Normal-Wishart posterior).
	Full
)

// Model is a Bayesian Normal distribution. Its single Bayesian
// parameter is the joint (mean, precision) posterior.
type Model struct {
	ModelName string           `json:"name"`
	ModelDim  int              `json:"dim"`
	Cov       Covariance       `json:"covariance"`
	MeanPrec  *model.Parameter `json:"mean_prec"`

	fwdFrames int // scratch: frames seen by the last Forward, -1 when consumed
}

// Option type is used to pass options to the constructors.
type Option func(*Model)

// Name is an option to set the model name.
func Name(name string) Option {
	return func(m *Model) { m.ModelName = name }
}

// NewDiag creates a diagonal-covariance Normal from data moments.
// count is the pseudo-count (strength) of the prior.
func NewDiag(mean, variance []float64, count float64, options ...Option) (*Model, error) {
	precision := make([]float64, len(variance))
	for i, v := range variance {
		if v <= 0 {
			return nil, &expfamily.InvalidParamError{Family: "NormalGamma", Reason: "variance must be positive"}
		}
		precision[i] = 1 / v
	}
	prior, err := expfamily.NewNormalGamma(mean, precision, count)
	if err != nil {
		return nil, err
	}
	m := &Model{
		ModelName: "Normal",
		ModelDim:  len(mean),
		Cov:       Diag,
		MeanPrec:  model.NewParameter(prior),
		fwdFrames: -1,
	}
	for _, option := range options {
		option(m)
	}
	glog.V(2).Infof("new diagonal normal model [%s] dim=%d", m.ModelName, m.ModelDim)
	return m, nil
}

// NewFull creates a full-covariance Normal from data moments.
func NewFull(mean []float64, cov *mat.SymDense, count float64, options ...Option) (*Model, error) {
	prior, err := expfamily.NewNormalWishart(mean, cov, count)
	if err != nil {
		return nil, err
	}
	m := &Model{
		ModelName: "Normal",
		ModelDim:  len(mean),
		Cov:       Full,
		MeanPrec:  model.NewParameter(prior),
		fwdFrames: -1,
	}
	for _, option := range options {
		option(m)
	}
	glog.V(2).Infof("new full-covariance normal model [%s] dim=%d", m.ModelName, m.ModelDim)
	return m, nil
}

// Name returns the name of the model.
func (m *Model) Name() string { return m.ModelName }

// Dim is the dimensionality of the observation vector.
func (m *Model) Dim() int { return m.ModelDim }

// StatsDim returns the width of the per-frame statistic vector.
func (m *Model) StatsDim() int { return statsDim(m.Cov, m.ModelDim) }

func statsDim(cov Covariance, dim int) int {
	if cov == Diag {
		return 4 * dim
	}
	return dim*dim + dim + 2
}

// SufficientStatistics maps frames to per-frame statistics aligned with
// the posterior's natural-parameter layout: [x^2, x, 1, 1] blocks for
// the diagonal model, [x x', x, 1, 1] for the full one.
func (m *Model) SufficientStatistics(data *mat.Dense) (*mat.Dense, error) {
	return sufficientStatistics(m.Cov, m.ModelName, m.ModelDim, data)
}

func sufficientStatistics(cov Covariance, name string, dim int, data *mat.Dense) (*mat.Dense, error) {
	nframes, d := data.Dims()
	if d != dim {
		return nil, &model.DimensionError{Model: name, Got: d, Want: dim}
	}
	stats := mat.NewDense(nframes, statsDim(cov, dim), nil)
	for t := 0; t < nframes; t++ {
		x := data.RawRowView(t)
		row := stats.RawRowView(t)
		if cov == Diag {
			for i, v := range x {
				row[i] = v * v
				row[dim+i] = v
				row[2*dim+i] = 1
				row[3*dim+i] = 1
			}
			continue
		}
		for i, vi := range x {
			for j, vj := range x {
				row[i*dim+j] = vi * vj
			}
			row[dim*dim+i] = vi
		}
		row[dim*dim+dim] = 1
		row[dim*dim+dim+1] = 1
	}
	return stats, nil
}

// SufficientStatisticsFromMeanVar builds the statistics implied by an
// encoder's per-frame mean and variance (diagonal model only):
// E[x^2] = mean^2 + var.
func (m *Model) SufficientStatisticsFromMeanVar(mean, vr *mat.Dense) *mat.Dense {
	nframes, dim := mean.Dims()
	stats := mat.NewDense(nframes, 4*dim, nil)
	for t := 0; t < nframes; t++ {
		mu := mean.RawRowView(t)
		v := vr.RawRowView(t)
		row := stats.RawRowView(t)
		for i := range mu {
			row[i] = mu[i]*mu[i] + v[i]
			row[dim+i] = mu[i]
			row[2*dim+i] = 1
			row[3*dim+i] = 1
		}
	}
	return stats
}

// expNatVector assembles the scoring vector dual to the sufficient
// statistics, so that the expected log-likelihood is a single dot
// product per frame (plus the -d/2 log(2 pi) constant).
func expNatVector(cov Covariance, dim int, p *model.Parameter) []float64 {
	if cov == Diag {
		quad, linear, prec, logPrec := p.Posterior.NormalGammaMoments()
		out := make([]float64, 4*dim)
		for i := 0; i < dim; i++ {
			out[i] = -0.5 * prec[i]
			out[dim+i] = linear[i]
			out[2*dim+i] = -0.5 * quad[i]
			out[3*dim+i] = 0.5 * logPrec[i]
		}
		return out
	}
	prec, precMean, quad, logDet := p.Posterior.NormalWishartMoments()
	out := make([]float64, dim*dim+dim+2)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			out[i*dim+j] = -0.5 * prec.At(i, j)
		}
		out[dim*dim+i] = precMean[i]
	}
	out[dim*dim+dim] = -0.5 * quad
	out[dim*dim+dim+1] = 0.5 * logDet
	return out
}

// Forward computes the per-frame expected log-likelihood. The latent
// matrix is ignored: a plain Normal has no latent assignment.
func (m *Model) Forward(stats, latent *mat.Dense) ([]float64, error) {
	nframes, sd := stats.Dims()
	if sd != m.StatsDim() {
		return nil, &model.DimensionError{Model: m.ModelName, Got: sd, Want: m.StatsDim()}
	}
	np := expNatVector(m.Cov, m.ModelDim, m.MeanPrec)
	llh := make([]float64, nframes)
	halfConst := 0.5 * float64(m.ModelDim) * logTwoPi
	for t := 0; t < nframes; t++ {
		row := stats.RawRowView(t)
		var sum float64
		for i, v := range row {
			sum += v * np[i]
		}
		llh[t] = sum - halfConst
	}
	m.fwdFrames = nframes
	return llh, nil
}

// Accumulate returns the conjugate increment: the (weighted) column
// sums of the sufficient statistics. A nil parentMsg means unit
// weights; otherwise parentMsg is a frames x 1 weight column.
func (m *Model) Accumulate(stats, parentMsg *mat.Dense) (model.Stats, error) {
	nframes, sd := stats.Dims()
	if m.fwdFrames != nframes {
		return nil, &model.StaleCacheError{Model: m.ModelName}
	}
	m.fwdFrames = -1

	inc := make([]float64, sd)
	for t := 0; t < nframes; t++ {
		w := 1.0
		if parentMsg != nil {
			w = parentMsg.At(t, 0)
		}
		row := stats.RawRowView(t)
		for i, v := range row {
			inc[i] += w * v
		}
	}
	return model.Stats{}.Add(m.MeanPrec, inc), nil
}

// Mean returns the expected mean of the distribution.
func (m *Model) Mean() []float64 {
	if m.Cov == Diag {
		_, linear, prec, _ := m.MeanPrec.Posterior.NormalGammaMoments()
		mean := make([]float64, m.ModelDim)
		for i := range mean {
			mean[i] = linear[i] / prec[i]
		}
		return mean
	}
	precision, precMean, _, _ := m.MeanPrec.Posterior.NormalWishartMoments()
	cov := invertDense(precision)
	mean := make([]float64, m.ModelDim)
	for i := 0; i < m.ModelDim; i++ {
		for j := 0; j < m.ModelDim; j++ {
			mean[i] += cov.At(i, j) * precMean[j]
		}
	}
	return mean
}

// Covariance returns the expected covariance (inverse expected
// precision) of the distribution.
func (m *Model) Covariance() *mat.Dense {
	if m.Cov == Diag {
		_, _, prec, _ := m.MeanPrec.Posterior.NormalGammaMoments()
		cov := mat.NewDense(m.ModelDim, m.ModelDim, nil)
		for i, p := range prec {
			cov.Set(i, i, 1/p)
		}
		return cov
	}
	precision, _, _, _ := m.MeanPrec.Posterior.NormalWishartMoments()
	return invertDense(precision)
}

// Sample draws one observation from the expected distribution.
func (m *Model) Sample(r *rand.Rand) []float64 {
	mean := m.Mean()
	cov := m.Covariance()
	src := exprand.NewSource(r.Uint64())

	if m.Cov == Full {
		d := m.ModelDim
		sym := mat.NewSymDense(d, nil)
		for i := 0; i < d; i++ {
			for j := i; j < d; j++ {
				sym.SetSym(i, j, cov.At(i, j))
			}
		}
		n, ok := distmv.NewNormal(mean, sym, src)
		if !ok {
			glog.Fatalf("normal: expected covariance is not positive definite")
		}
		return n.Rand(nil)
	}

	out := make([]float64, m.ModelDim)
	for i := range out {
		n := distuv.Normal{Mu: mean[i], Sigma: math.Sqrt(cov.At(i, i)), Src: src}
		out[i] = n.Rand()
	}
	return out
}

// Element is the plain Normal(mean, covariance) view of one set
// component, consumed by downstream scoring code.
type Element struct {
	Mean []float64
	Cov  *mat.Dense
}

func invertDense(a *mat.Dense) *mat.Dense {
	var out mat.Dense
	if err := out.Inverse(a); err != nil {
		glog.Fatalf("normal: singular expected precision matrix: %v", err)
	}
	return &out
}
