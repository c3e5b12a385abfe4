// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package subspace provides Bayesian linear subspace models:
Probabilistic Principal Component Analysis (PPCA) and Probabilistic
Linear Discriminant Analysis (PLDA).

Both models explain a d-dimensional observation as a low-rank linear
map of standard normal latent variables plus isotropic noise. All the
latent posteriors have closed forms, so training needs no sampling:
Forward computes the expected log-likelihood and keeps the latent
posterior moments, Accumulate turns them into natural-parameter
increments for the conjugate priors.
*/
package subspace

import (
	"github.com/bootphon/beer/expfamily"
	"github.com/bootphon/beer/floatx"
	"github.com/bootphon/beer/model"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const logTwoPi = 1.8378770664093453

// Model is a Bayesian PPCA model. The subspace matrix has one row per
// latent dimension and one column per observed dimension.
type Model struct {
	ModelName string           `json:"name"`
	Precision *model.Parameter `json:"precision"`
	Mean      *model.Parameter `json:"mean"`
	Subspace  *model.Parameter `json:"subspace"`

	latentDim int
	dataDim   int
	fwd       *ppcaScratch
}

type ppcaScratch struct {
	nframes  int
	distSum  float64
	lMeans   *mat.Dense // frames x latentDim
	lQuadSum []float64  // latentDim^2, summed over frames
	klDiv    []float64
	prec     float64
	sMean    *mat.Dense
	mMean    []float64
}

// Option type is used to pass options to NewModel.
type Option func(*Model)

// Name is an option to set the model name.
func Name(name string) Option {
	return func(m *Model) { m.ModelName = name }
}

// NewModel creates a PPCA model with conjugate priors centered on the
// given mean, global precision, and subspace matrix. count is the
// strength of the priors.
func NewModel(mean []float64, precision float64, sub *mat.Dense, count float64, options ...Option) (*Model, error) {
	q, d := sub.Dims()
	if len(mean) != d {
		return nil, &model.DimensionError{Model: "PPCA", Got: len(mean), Want: d}
	}

	precPrior, err := expfamily.NewGamma(count, count/precision)
	if err != nil {
		return nil, err
	}
	meanPrior, err := expfamily.NewNormalIso(mean, 1.0/count)
	if err != nil {
		return nil, err
	}
	subCov := mat.NewSymDense(q, nil)
	for i := 0; i < q; i++ {
		subCov.SetSym(i, i, 1.0/count)
	}
	subPrior, err := expfamily.NewMatrixNormal(sub, subCov)
	if err != nil {
		return nil, err
	}

	m := &Model{
		ModelName: "PPCA",
		Precision: model.NewParameter(precPrior),
		Mean:      model.NewParameter(meanPrior),
		Subspace:  model.NewParameter(subPrior),
		latentDim: q,
		dataDim:   d,
	}
	for _, option := range options {
		option(m)
	}
	glog.Infof("new ppca [%s] data dim %d, latent dim %d", m.ModelName, d, q)
	return m, nil
}

// Name returns the name of the model.
func (m *Model) Name() string { return m.ModelName }

// Dim is the dimensionality of the observation vector.
func (m *Model) Dim() int { return m.dataDim }

// LatentDim is the dimensionality of the subspace.
func (m *Model) LatentDim() int { return m.latentDim }

// ExpectedMean returns the expected value of the global mean.
func (m *Model) ExpectedMean() []float64 {
	_, mean := m.Mean.Posterior.NormalIsoMoments()
	return mean
}

// ExpectedPrecision returns the expected value of the global precision.
func (m *Model) ExpectedPrecision() float64 {
	_, prec := m.Precision.Posterior.GammaMoments()
	return prec
}

// ExpectedSubspace returns the expected value of the subspace matrix.
func (m *Model) ExpectedSubspace() *mat.Dense {
	_, sMean := m.Subspace.Posterior.MatrixNormalMoments()
	return sMean
}

// SufficientStatistics maps frames x dim observations to the PPCA
// statistics: the squared norm of the frame followed by the frame
// itself.
func (m *Model) SufficientStatistics(data *mat.Dense) (*mat.Dense, error) {
	nframes, d := data.Dims()
	if d != m.dataDim {
		return nil, &model.DimensionError{Model: m.ModelName, Got: d, Want: m.dataDim}
	}
	stats := mat.NewDense(nframes, 1+d, nil)
	for t := 0; t < nframes; t++ {
		x := data.RawRowView(t)
		row := stats.RawRowView(t)
		row[0] = floatx.Dot(x, x)
		copy(row[1:], x)
	}
	return stats, nil
}

// SufficientStatisticsFromMeanVar computes the expected statistics of
// a diagonal Gaussian posterior over the observations.
func (m *Model) SufficientStatisticsFromMeanVar(mean, vr *mat.Dense) *mat.Dense {
	nframes, d := mean.Dims()
	stats := mat.NewDense(nframes, 1+d, nil)
	for t := 0; t < nframes; t++ {
		mu := mean.RawRowView(t)
		v := vr.RawRowView(t)
		row := stats.RawRowView(t)
		var sum float64
		for i := range mu {
			sum += mu[i]*mu[i] + v[i]
		}
		row[0] = sum
		copy(row[1:], mu)
	}
	return stats
}

// LatentPosterior returns the per-frame means (frames x latentDim) and
// the shared covariance of the latent posterior given the sufficient
// statistics.
func (m *Model) LatentPosterior(stats *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	_, prec := m.Precision.Posterior.GammaMoments()
	sQuad, sMean := m.Subspace.Posterior.MatrixNormalMoments()
	_, mMean := m.Mean.Posterior.NormalIsoMoments()

	lCov, err := latentCovariance(prec, sQuad)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "ppca [%s]", m.ModelName)
	}

	nframes, _ := stats.Dims()
	centered := centerData(stats, mMean)
	var proj mat.Dense
	proj.Mul(centered, sMean.T()) // frames x latentDim
	lMeans := mat.NewDense(nframes, m.latentDim, nil)
	lMeans.Mul(&proj, lCov)
	lMeans.Scale(prec, lMeans)
	return lMeans, lCov, nil
}

// latentCovariance inverts (I + prec * quad), the shared posterior
// covariance of the latent variables.
func latentCovariance(prec float64, quad *mat.Dense) (*mat.Dense, error) {
	q, _ := quad.Dims()
	a := mat.NewDense(q, q, nil)
	a.Scale(prec, quad)
	for i := 0; i < q; i++ {
		a.Set(i, i, a.At(i, i)+1)
	}
	cov := mat.NewDense(q, q, nil)
	if err := cov.Inverse(a); err != nil {
		return nil, errors.Wrap(err, "singular latent posterior covariance")
	}
	return cov, nil
}

// centerData returns stats[:, 1:] - mean.
func centerData(stats *mat.Dense, mean []float64) *mat.Dense {
	nframes, cols := stats.Dims()
	d := cols - 1
	out := mat.NewDense(nframes, d, nil)
	for t := 0; t < nframes; t++ {
		row := stats.RawRowView(t)
		o := out.RawRowView(t)
		for i := 0; i < d; i++ {
			o[i] = row[1+i] - mean[i]
		}
	}
	return out
}

// klDivLatent computes the per-frame KL divergence between the latent
// posterior and the standard normal prior.
func klDivLatent(lMeans, lCov *mat.Dense) []float64 {
	nframes, q := lMeans.Dims()
	var lu mat.LU
	lu.Factorize(lCov)
	logDet, _ := lu.LogDet()
	var trace float64
	for i := 0; i < q; i++ {
		trace += lCov.At(i, i)
	}
	kl := make([]float64, nframes)
	for t := 0; t < nframes; t++ {
		row := lMeans.RawRowView(t)
		kl[t] = 0.5 * (-float64(q) - logDet + trace + floatx.Dot(row, row))
	}
	return kl
}

// distanceTerm computes the expected squared distance between a frame
// and its subspace reconstruction. lQuad holds the flattened
// second-order latent moment of the frame.
func (m *Model) distanceTerm(stats *mat.Dense, lMeans *mat.Dense, lQuad *mat.Dense) []float64 {
	sQuad, sMean := m.Subspace.Posterior.MatrixNormalMoments()
	mQuad, mMean := m.Mean.Posterior.NormalIsoMoments()

	nframes, _ := stats.Dims()
	centered := centerData(stats, mMean)
	var recon mat.Dense
	recon.Mul(lMeans, sMean) // frames x dataDim

	sQuadVec := flatten(sQuad)
	dist := make([]float64, nframes)
	for t := 0; t < nframes; t++ {
		row := stats.RawRowView(t)
		x := row[1:]
		dist[t] = row[0] + mQuad
		dist[t] -= 2 * floatx.Dot(x, mMean)
		dist[t] -= 2 * floatx.Dot(recon.RawRowView(t), centered.RawRowView(t))
		dist[t] += floatx.Dot(lQuad.RawRowView(t), sQuadVec)
	}
	return dist
}

// latentMoments expands per-frame latent means (and the shared
// covariance, nil for fixed latent variables) into flattened
// second-order moments.
func latentMoments(lMeans, lCov *mat.Dense) *mat.Dense {
	nframes, q := lMeans.Dims()
	quad := mat.NewDense(nframes, q*q, nil)
	for t := 0; t < nframes; t++ {
		z := lMeans.RawRowView(t)
		row := quad.RawRowView(t)
		for i := 0; i < q; i++ {
			for j := 0; j < q; j++ {
				v := z[i] * z[j]
				if lCov != nil {
					v += lCov.At(i, j)
				}
				row[i*q+j] = v
			}
		}
	}
	return quad
}

func flatten(a *mat.Dense) []float64 {
	r, c := a.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, a.RawRowView(i)...)
	}
	return out
}

// Forward returns the per-frame expected log-likelihood. A non-nil
// latent matrix (frames x latentDim) fixes the latent variables
// instead of using their posterior. The latent moments are kept for
// Accumulate.
func (m *Model) Forward(stats, latent *mat.Dense) ([]float64, error) {
	nframes, _ := stats.Dims()

	var lMeans, lQuad *mat.Dense
	var klDiv []float64
	if latent != nil {
		lMeans = latent
		lQuad = latentMoments(lMeans, nil)
		klDiv = make([]float64, nframes)
	} else {
		var lCov *mat.Dense
		var err error
		lMeans, lCov, err = m.LatentPosterior(stats)
		if err != nil {
			return nil, err
		}
		lQuad = latentMoments(lMeans, lCov)
		klDiv = klDivLatent(lMeans, lCov)
	}

	logPrec, prec := m.Precision.Posterior.GammaMoments()
	_, sMean := m.Subspace.Posterior.MatrixNormalMoments()
	_, mMean := m.Mean.Posterior.NormalIsoMoments()
	dist := m.distanceTerm(stats, lMeans, lQuad)

	d := float64(m.dataDim)
	llh := make([]float64, nframes)
	var distSum float64
	for t := 0; t < nframes; t++ {
		llh[t] = -0.5*d*logTwoPi + 0.5*d*logPrec - 0.5*prec*dist[t]
		distSum += dist[t]
	}

	lQuadSum := make([]float64, m.latentDim*m.latentDim)
	for t := 0; t < nframes; t++ {
		row := lQuad.RawRowView(t)
		for i, v := range row {
			lQuadSum[i] += v
		}
	}

	m.fwd = &ppcaScratch{
		nframes:  nframes,
		distSum:  distSum,
		lMeans:   lMeans,
		lQuadSum: lQuadSum,
		klDiv:    klDiv,
		prec:     prec,
		sMean:    sMean,
		mMean:    mMean,
	}
	return llh, nil
}

// Accumulate turns the latent moments kept by Forward into
// natural-parameter increments for the precision, mean, and subspace
// parameters, in that order.
func (m *Model) Accumulate(stats, parentMsg *mat.Dense) (model.Stats, error) {
	if m.fwd == nil {
		return nil, &model.StaleCacheError{Model: m.ModelName}
	}
	s := m.fwd
	m.fwd = nil

	nframes, _ := stats.Dims()
	if nframes != s.nframes {
		return nil, &model.StaleCacheError{Model: m.ModelName}
	}
	d := m.dataDim

	// Precision: [.5 * N * d, -.5 * sum of distances].
	precInc := []float64{0.5 * float64(nframes*d), -0.5 * s.distSum}

	// Mean: [-.5 * N * prec, prec * sum(x - E[W]' z)].
	var recon mat.Dense
	recon.Mul(s.lMeans, s.sMean)
	meanInc := make([]float64, 1+d)
	meanInc[0] = -0.5 * float64(nframes) * s.prec
	for t := 0; t < nframes; t++ {
		row := stats.RawRowView(t)
		r := recon.RawRowView(t)
		for i := 0; i < d; i++ {
			meanInc[1+i] += s.prec * (row[1+i] - r[i])
		}
	}

	// Subspace: [-.5 * prec * sum(zz'), prec * sum(z (x - E[m])')].
	centered := centerData(stats, s.mMean)
	var accSMean mat.Dense
	accSMean.Mul(s.lMeans.T(), centered) // latentDim x dataDim
	q := m.latentDim
	subInc := make([]float64, q*q+q*d)
	for i, v := range s.lQuadSum {
		subInc[i] = -0.5 * s.prec * v
	}
	flat := flatten(&accSMean)
	for i, v := range flat {
		subInc[q*q+i] = s.prec * v
	}

	return model.Stats{
		{Param: m.Precision, Value: precInc},
		{Param: m.Mean, Value: meanInc},
		{Param: m.Subspace, Value: subInc},
	}, nil
}

// LocalKLDiv returns the per-frame KL divergence between the latent
// posterior and its standard normal prior, as computed by the last
// Forward or ExpectedNaturalParams call.
func (m *Model) LocalKLDiv() []float64 {
	if m.fwd == nil {
		return nil
	}
	return m.fwd.klDiv
}

// ExpectedNaturalParams returns the per-frame expected natural
// parameters of the implied Gaussian likelihood, laid out as four
// dataDim blocks dual to the per-dimension statistics
// [x^2, x, 1, 1]. This is the latent-prior view used by the
// variational autoencoder. The latent moments are kept for Accumulate.
func (m *Model) ExpectedNaturalParams(mean, vr, latent *mat.Dense) (*mat.Dense, error) {
	stats := m.SufficientStatisticsFromMeanVar(mean, vr)
	nframes, _ := stats.Dims()

	var lMeans, lQuad *mat.Dense
	var klDiv []float64
	if latent != nil {
		lMeans = latent
		lQuad = latentMoments(lMeans, nil)
		klDiv = make([]float64, nframes)
	} else {
		var lCov *mat.Dense
		var err error
		lMeans, lCov, err = m.LatentPosterior(stats)
		if err != nil {
			return nil, err
		}
		lQuad = latentMoments(lMeans, lCov)
		klDiv = klDivLatent(lMeans, lCov)
	}

	logPrec, prec := m.Precision.Posterior.GammaMoments()
	sQuad, sMean := m.Subspace.Posterior.MatrixNormalMoments()
	mQuad, mMean := m.Mean.Posterior.NormalIsoMoments()

	d := m.dataDim
	var recon mat.Dense
	recon.Mul(lMeans, sMean)
	sQuadVec := flatten(sQuad)

	np := mat.NewDense(nframes, 4*d, nil)
	for t := 0; t < nframes; t++ {
		row := np.RawRowView(t)
		r := recon.RawRowView(t)
		quadTerm := floatx.Dot(lQuad.RawRowView(t), sQuadVec)
		np3 := (-0.5*prec*quadTerm - prec*floatx.Dot(r, mMean) - 0.5*prec*mQuad) / float64(d)
		for i := 0; i < d; i++ {
			row[i] = -0.5 * prec
			row[d+i] = prec * (r[i] + mMean[i])
			row[2*d+i] = np3
			row[3*d+i] = 0.5 * logPrec
		}
	}

	dist := m.distanceTerm(stats, lMeans, lQuad)
	var distSum float64
	for _, v := range dist {
		distSum += v
	}
	lQuadSum := make([]float64, m.latentDim*m.latentDim)
	for t := 0; t < nframes; t++ {
		rq := lQuad.RawRowView(t)
		for i, v := range rq {
			lQuadSum[i] += v
		}
	}
	m.fwd = &ppcaScratch{
		nframes:  nframes,
		distSum:  distSum,
		lMeans:   lMeans,
		lQuadSum: lQuadSum,
		klDiv:    klDiv,
		prec:     prec,
		sMean:    sMean,
		mMean:    mMean,
	}
	return np, nil
}
