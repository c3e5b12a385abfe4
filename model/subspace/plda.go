// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package subspace

import (
	"math"

	"github.com/bootphon/beer/expfamily"
	"github.com/bootphon/beer/floatx"
	"github.com/bootphon/beer/model"
	"github.com/bootphon/beer/model/normal"
	"github.com/golang/glog"
	"gonum.org/v1/gonum/mat"
)

// Set is a Bayesian PLDA model: a set of Gaussian classes sharing a
// global mean, an isotropic noise precision, a within-class (noise)
// subspace, and an across-class subspace. Each class has its own mean
// expressed in the coordinates of the class subspace.
type Set struct {
	ModelName     string             `json:"name"`
	Precision     *model.Parameter   `json:"precision"`
	Mean          *model.Parameter   `json:"mean"`
	NoiseSubspace *model.Parameter   `json:"noise_subspace"`
	ClassSubspace *model.Parameter   `json:"class_subspace"`
	ClassMeans    model.ParameterSet `json:"class_means"`

	noiseDim int
	classDim int
	dataDim  int
	exp      *expectations
	fwd      *pldaScratch
}

// expectations caches the posterior moments shared by all the frames
// of a batch. SufficientStatistics refreshes it, which is the one
// deliberate side effect of that method.
type expectations struct {
	logPrec, prec float64
	mQuad         float64
	mMean         []float64
	noiseQuad     *mat.Dense // noiseDim x noiseDim
	noiseMean     *mat.Dense // noiseDim x dataDim
	classQuad     *mat.Dense // classDim x classDim
	classMean     *mat.Dense // classDim x dataDim
	classMeanMean *mat.Dense // nclass x classDim
	classMeanQuad []*mat.Dense
}

type pldaScratch struct {
	nframes int
	lMeans  []*mat.Dense // per class, frames x noiseDim
	lCov    *mat.Dense
	dist    *mat.Dense // frames x nclass
	klDiv   *mat.Dense // frames x nclass
}

// SetOption type is used to pass options to NewSet.
type SetOption func(*Set)

// SetName is an option to set the model name.
func SetName(name string) SetOption {
	return func(s *Set) { s.ModelName = name }
}

// NewSet creates a PLDA model. noiseSub and classSub have one row per
// latent dimension; classMeans holds one row per class, expressed in
// the class subspace coordinates. count is the strength of the priors.
func NewSet(mean []float64, precision float64, noiseSub, classSub, classMeans *mat.Dense, count float64, options ...SetOption) (*Set, error) {
	q1, d := noiseSub.Dims()
	q2, d2 := classSub.Dims()
	if d2 != d || len(mean) != d {
		return nil, &model.DimensionError{Model: "PLDA", Got: d2, Want: d}
	}
	nclass, cmDim := classMeans.Dims()
	if cmDim != q2 {
		return nil, &model.DimensionError{Model: "PLDA", Got: cmDim, Want: q2}
	}

	precPrior, err := expfamily.NewGamma(count, count/precision)
	if err != nil {
		return nil, err
	}
	meanPrior, err := expfamily.NewNormalIso(mean, 1.0/count)
	if err != nil {
		return nil, err
	}
	noisePrior, err := expfamily.NewMatrixNormal(noiseSub, scaledEye(q1, 1.0/count))
	if err != nil {
		return nil, err
	}
	classCov := scaledEye(q2, 1.0/count)
	classPrior, err := expfamily.NewMatrixNormal(classSub, classCov)
	if err != nil {
		return nil, err
	}
	params := make(model.ParameterSet, nclass)
	for i := 0; i < nclass; i++ {
		p, err := expfamily.NewNormalFull(classMeans.RawRowView(i), classCov)
		if err != nil {
			return nil, err
		}
		params[i] = model.NewParameter(p)
	}

	s := &Set{
		ModelName:     "PLDASet",
		Precision:     model.NewParameter(precPrior),
		Mean:          model.NewParameter(meanPrior),
		NoiseSubspace: model.NewParameter(noisePrior),
		ClassSubspace: model.NewParameter(classPrior),
		ClassMeans:    params,
		noiseDim:      q1,
		classDim:      q2,
		dataDim:       d,
	}
	for _, option := range options {
		option(s)
	}
	glog.Infof("new plda [%s] with %d classes, data dim %d, noise dim %d, class dim %d",
		s.ModelName, nclass, d, q1, q2)
	return s, nil
}

func scaledEye(n int, v float64) *mat.SymDense {
	a := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		a.SetSym(i, i, v)
	}
	return a
}

// Name returns the name of the model.
func (s *Set) Name() string { return s.ModelName }

// Dim is the dimensionality of the observation vector.
func (s *Set) Dim() int { return s.dataDim }

// Len returns the number of classes.
func (s *Set) Len() int { return len(s.ClassMeans) }

// refreshExpectations recomputes the posterior moments shared across
// a batch.
func (s *Set) refreshExpectations() {
	logPrec, prec := s.Precision.Posterior.GammaMoments()
	mQuad, mMean := s.Mean.Posterior.NormalIsoMoments()
	noiseQuad, noiseMean := s.NoiseSubspace.Posterior.MatrixNormalMoments()
	classQuad, classMean := s.ClassSubspace.Posterior.MatrixNormalMoments()

	nclass := len(s.ClassMeans)
	classMeanMean := mat.NewDense(nclass, s.classDim, nil)
	classMeanQuad := make([]*mat.Dense, nclass)
	for i, p := range s.ClassMeans {
		quad, mean := p.Posterior.NormalFullMoments()
		classMeanMean.SetRow(i, mean)
		classMeanQuad[i] = quad
	}
	s.exp = &expectations{
		logPrec: logPrec, prec: prec,
		mQuad: mQuad, mMean: mMean,
		noiseQuad: noiseQuad, noiseMean: noiseMean,
		classQuad: classQuad, classMean: classMean,
		classMeanMean: classMeanMean,
		classMeanQuad: classMeanQuad,
	}
}

// SufficientStatistics maps frames x dim observations to the PLDA
// statistics (squared norm followed by the frame) and refreshes the
// cached posterior moments for the batch.
func (s *Set) SufficientStatistics(data *mat.Dense) (*mat.Dense, error) {
	nframes, d := data.Dims()
	if d != s.dataDim {
		return nil, &model.DimensionError{Model: s.ModelName, Got: d, Want: s.dataDim}
	}
	s.refreshExpectations()
	stats := mat.NewDense(nframes, 1+d, nil)
	for t := 0; t < nframes; t++ {
		x := data.RawRowView(t)
		row := stats.RawRowView(t)
		row[0] = floatx.Dot(x, x)
		copy(row[1:], x)
	}
	return stats, nil
}

// classProjection returns E[y_i]' E[V] for every class as a
// nclass x dataDim matrix.
func (s *Set) classProjection() *mat.Dense {
	var proj mat.Dense
	proj.Mul(s.exp.classMeanMean, s.exp.classMean)
	return &proj
}

// LatentPosterior returns the per-class posterior means of the noise
// latent variables (one frames x noiseDim matrix per class) and their
// shared covariance.
func (s *Set) LatentPosterior(stats *mat.Dense) ([]*mat.Dense, *mat.Dense, error) {
	if s.exp == nil {
		s.refreshExpectations()
	}
	e := s.exp
	lCov, err := latentCovariance(e.prec, e.noiseQuad)
	if err != nil {
		return nil, nil, err
	}

	proj := s.classProjection()
	nclass := len(s.ClassMeans)
	lMeans := make([]*mat.Dense, nclass)
	for i := 0; i < nclass; i++ {
		centered := s.centerClass(stats, proj, i)
		var tmp mat.Dense
		tmp.Mul(centered, e.noiseMean.T())
		m := mat.NewDense(centered.RawMatrix().Rows, s.noiseDim, nil)
		m.Mul(&tmp, lCov)
		m.Scale(e.prec, m)
		lMeans[i] = m
	}
	return lMeans, lCov, nil
}

// centerClass returns stats[:, 1:] - E[m] - E[y_i]'E[V].
func (s *Set) centerClass(stats, proj *mat.Dense, class int) *mat.Dense {
	nframes, cols := stats.Dims()
	d := cols - 1
	cm := proj.RawRowView(class)
	out := mat.NewDense(nframes, d, nil)
	for t := 0; t < nframes; t++ {
		row := stats.RawRowView(t)
		o := out.RawRowView(t)
		for i := 0; i < d; i++ {
			o[i] = row[1+i] - s.exp.mMean[i] - cm[i]
		}
	}
	return out
}

// ComponentsForward returns the frames x classes matrix of expected
// log-likelihoods. The per-class latent posteriors and distance terms
// are kept for Accumulate.
func (s *Set) ComponentsForward(stats *mat.Dense) (*mat.Dense, error) {
	if s.exp == nil {
		s.refreshExpectations()
	}
	e := s.exp
	nframes, _ := stats.Dims()
	nclass := len(s.ClassMeans)

	lMeans, lCov, err := s.LatentPosterior(stats)
	if err != nil {
		return nil, err
	}

	noiseQuadVec := flatten(e.noiseQuad)
	classQuadVec := flatten(e.classQuad)
	proj := s.classProjection()

	llhs := mat.NewDense(nframes, nclass, nil)
	dist := mat.NewDense(nframes, nclass, nil)
	klDiv := mat.NewDense(nframes, nclass, nil)
	d := float64(s.dataDim)

	var lu mat.LU
	lu.Factorize(lCov)
	logDet, _ := lu.LogDet()
	var trace float64
	for i := 0; i < s.noiseDim; i++ {
		trace += lCov.At(i, i)
	}

	lQuadRow := make([]float64, s.noiseDim*s.noiseDim)
	for i := 0; i < nclass; i++ {
		cm := proj.RawRowView(i)
		classQuadTerm := floatx.Dot(flatten(e.classMeanQuad[i]), classQuadVec)
		centered := s.centerClass(stats, proj, i)
		var recon mat.Dense
		recon.Mul(lMeans[i], e.noiseMean) // frames x dataDim
		for t := 0; t < nframes; t++ {
			row := stats.RawRowView(t)
			x := row[1:]
			z := lMeans[i].RawRowView(t)
			for a := 0; a < s.noiseDim; a++ {
				for b := 0; b < s.noiseDim; b++ {
					lQuadRow[a*s.noiseDim+b] = lCov.At(a, b) + z[a]*z[b]
				}
			}
			dv := row[0] + e.mQuad + classQuadTerm
			dv += floatx.Dot(lQuadRow, noiseQuadVec)
			dv -= 2 * floatx.Dot(x, e.mMean)
			dv -= 2 * (floatx.Dot(x, cm) - floatx.Dot(e.mMean, cm))
			dv -= 2 * floatx.Dot(recon.RawRowView(t), centered.RawRowView(t))
			dist.Set(t, i, dv)
			llhs.Set(t, i, -0.5*d*logTwoPi+0.5*d*e.logPrec-0.5*e.prec*dv)
			klDiv.Set(t, i, 0.5*(-float64(s.noiseDim)-logDet+trace+floatx.Dot(z, z)))
		}
	}

	s.fwd = &pldaScratch{
		nframes: nframes,
		lMeans:  lMeans,
		lCov:    lCov,
		dist:    dist,
		klDiv:   klDiv,
	}
	return llhs, nil
}

// Forward returns the per-frame expected log-likelihood under a
// uniform class prior, or under a one-hot latent class assignment.
func (s *Set) Forward(stats, latent *mat.Dense) ([]float64, error) {
	llhs, err := s.ComponentsForward(stats)
	if err != nil {
		return nil, err
	}
	nframes, nclass := llhs.Dims()
	llh := make([]float64, nframes)
	if latent != nil {
		for t := 0; t < nframes; t++ {
			llh[t] = floatx.Dot(llhs.RawRowView(t), latent.RawRowView(t))
		}
		return llh, nil
	}
	logWeight := -math.Log(float64(nclass))
	tmp := make([]float64, nclass)
	for t := 0; t < nframes; t++ {
		row := llhs.RawRowView(t)
		for i, v := range row {
			tmp[i] = v + logWeight
		}
		llh[t] = floatx.LogSumExp(tmp)
	}
	return llh, nil
}

// Accumulate turns the per-class latent moments kept by
// ComponentsForward into natural-parameter increments, weighted by the
// class responsibilities in parentMsg (frames x classes). The
// increments come in a fixed order: precision, mean, noise subspace,
// class subspace, then each class mean.
func (s *Set) Accumulate(stats, parentMsg *mat.Dense) (model.Stats, error) {
	if parentMsg == nil {
		return nil, &model.MissingParentMessageError{Model: s.ModelName}
	}
	if s.fwd == nil {
		return nil, &model.StaleCacheError{Model: s.ModelName}
	}
	f := s.fwd
	s.fwd = nil

	nframes, _ := stats.Dims()
	if nframes != f.nframes {
		return nil, &model.StaleCacheError{Model: s.ModelName}
	}
	e := s.exp
	nclass := len(s.ClassMeans)
	d := s.dataDim
	q1, q2 := s.noiseDim, s.classDim
	proj := s.classProjection()

	// Per-class responsibility masses and the total weight.
	counts := make([]float64, nclass)
	var totalW float64
	for t := 0; t < nframes; t++ {
		row := parentMsg.RawRowView(t)
		for i, v := range row {
			counts[i] += v
			totalW += v
		}
	}

	// Weighted latent moments and residuals.
	lQuadSum := make([]float64, q1*q1)
	for a := 0; a < q1; a++ {
		for b := 0; b < q1; b++ {
			lQuadSum[a*q1+b] = totalW * f.lCov.At(a, b)
		}
	}
	noiseLin := mat.NewDense(q1, d, nil) // sum_ti w z (x - E[m] - cm_i)'
	resid := mat.NewDense(nclass, d, nil)
	meanRes := make([]float64, d)
	var distSum float64
	for i := 0; i < nclass; i++ {
		cm := proj.RawRowView(i)
		var recon mat.Dense
		recon.Mul(f.lMeans[i], e.noiseMean)
		for t := 0; t < nframes; t++ {
			w := parentMsg.At(t, i)
			if w == 0 {
				continue
			}
			distSum += w * f.dist.At(t, i)
			row := stats.RawRowView(t)
			x := row[1:]
			z := f.lMeans[i].RawRowView(t)
			r := recon.RawRowView(t)
			rr := resid.RawRowView(i)
			for a := 0; a < q1; a++ {
				wz := w * z[a]
				for b := 0; b < q1; b++ {
					lQuadSum[a*q1+b] += wz * z[b]
				}
				nl := noiseLin.RawRowView(a)
				for j := 0; j < d; j++ {
					nl[j] += wz * (x[j] - e.mMean[j] - cm[j])
				}
			}
			for j := 0; j < d; j++ {
				rr[j] += w * (x[j] - e.mMean[j] - r[j])
				meanRes[j] += w * (x[j] - cm[j] - r[j])
			}
		}
	}

	// Precision: [.5 * N * d, -.5 * weighted distance sum].
	precInc := []float64{0.5 * float64(nframes*d), -0.5 * distSum}

	// Mean: [-.5 * N * prec, prec * sum(x - E[V]'y - E[W]'z)].
	meanInc := make([]float64, 1+d)
	meanInc[0] = -0.5 * float64(nframes) * e.prec
	for j := 0; j < d; j++ {
		meanInc[1+j] = e.prec * meanRes[j]
	}

	// Noise subspace: [-.5 * prec * sum(zz'), prec * sum(z residual')].
	noiseInc := make([]float64, q1*q1+q1*d)
	for i, v := range lQuadSum {
		noiseInc[i] = -0.5 * e.prec * v
	}
	for i, v := range flatten(noiseLin) {
		noiseInc[q1*q1+i] = e.prec * v
	}

	// Class subspace: [-.5 * prec * sum_i N_i E[y_i y_i'],
	// prec * sum_i y_i residual_i'].
	classInc := make([]float64, q2*q2+q2*d)
	for i := 0; i < nclass; i++ {
		for k, v := range flatten(e.classMeanQuad[i]) {
			classInc[k] += -0.5 * e.prec * counts[i] * v
		}
	}
	var classLin mat.Dense
	classLin.Mul(e.classMeanMean.T(), resid) // classDim x dataDim
	for i, v := range flatten(&classLin) {
		classInc[q2*q2+i] = e.prec * v
	}

	acc := model.Stats{
		{Param: s.Precision, Value: precInc},
		{Param: s.Mean, Value: meanInc},
		{Param: s.NoiseSubspace, Value: noiseInc},
		{Param: s.ClassSubspace, Value: classInc},
	}

	// Class means: [-.5 * prec * N_i E[VV'], prec * E[V] residual_i].
	classQuadVec := flatten(e.classQuad)
	for i, p := range s.ClassMeans {
		inc := make([]float64, q2*q2+q2)
		for k, v := range classQuadVec {
			inc[k] = -0.5 * e.prec * counts[i] * v
		}
		var lin mat.VecDense
		lin.MulVec(e.classMean, resid.RowView(i))
		for k := 0; k < q2; k++ {
			inc[q2*q2+k] = e.prec * lin.AtVec(k)
		}
		acc = append(acc, model.Increment{Param: p, Value: inc})
	}
	return acc, nil
}

// LocalKLDiv returns the frames x classes KL divergences between the
// per-class latent posteriors and the standard normal prior, as
// computed by the last ComponentsForward call.
func (s *Set) LocalKLDiv() *mat.Dense {
	if s.fwd == nil {
		return nil
	}
	return s.fwd.klDiv
}

// At returns the Gaussian view of a class: its mean in data space and
// the within-class covariance shared by all the classes.
func (s *Set) At(i int) normal.Element {
	if s.exp == nil {
		s.refreshExpectations()
	}
	e := s.exp
	d := s.dataDim

	mean := make([]float64, d)
	y := e.classMeanMean.RawRowView(i)
	for j := 0; j < d; j++ {
		var v float64
		for k := 0; k < s.classDim; k++ {
			v += y[k] * e.classMean.At(k, j)
		}
		mean[j] = e.mMean[j] + v
	}

	cov := mat.NewDense(d, d, nil)
	cov.Mul(e.noiseMean.T(), e.noiseMean)
	for j := 0; j < d; j++ {
		cov.Set(j, j, cov.At(j, j)+1.0/e.prec)
	}
	return normal.Element{Mean: mean, Cov: cov}
}
