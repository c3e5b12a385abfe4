// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package vae glues an external encoder/decoder pair (typically neural
networks trained by a separate engine) to a conjugate latent prior
such as PPCA. The package owns no network weights: encoders and
decoders are opaque functions producing distributions over batches,
and the gradients of their parameters belong to the external engine.
The Bayesian side of the model trains through the usual
Forward/Accumulate cycle of the latent prior.
*/
package vae

import (
	"math"
	"math/rand"

	"github.com/bootphon/beer/model"
	"github.com/golang/glog"
	"gonum.org/v1/gonum/mat"
)

const logTwoPi = 1.8378770664093453

// Posterior is a per-frame distribution produced by an encoder or a
// decoder over a batch of frames.
type Posterior interface {
	// Mean returns the per-frame means.
	Mean() *mat.Dense

	// Var returns the per-frame variances.
	Var() *mat.Dense

	// Sample draws one value per frame by the reparameterization
	// trick.
	Sample(r *rand.Rand) *mat.Dense

	// LogLikelihood returns the per-frame log-likelihood of the data.
	LogLikelihood(data *mat.Dense) []float64

	// Entropy returns the per-frame differential entropy.
	Entropy() []float64

	// KLDiv returns the per-frame KL divergence from this posterior
	// to a distribution given by its expected natural parameters,
	// laid out dual to the per-dimension statistics [x^2, x, 1, 1].
	KLDiv(naturalParams *mat.Dense) []float64
}

// Encoder maps a batch of observed frames to a posterior over the
// latent space.
type Encoder interface {
	Encode(data *mat.Dense) Posterior
}

// Decoder maps a batch of latent frames to a posterior over the
// observed space.
type Decoder interface {
	Decode(latent *mat.Dense) Posterior
}

// NormalDiag is a diagonal Gaussian Posterior.
type NormalDiag struct {
	mean *mat.Dense
	vr   *mat.Dense
}

// NewNormalDiag creates a diagonal Gaussian posterior from per-frame
// means and variances.
func NewNormalDiag(mean, vr *mat.Dense) *NormalDiag {
	return &NormalDiag{mean: mean, vr: vr}
}

// Mean returns the per-frame means.
func (p *NormalDiag) Mean() *mat.Dense { return p.mean }

// Var returns the per-frame variances.
func (p *NormalDiag) Var() *mat.Dense { return p.vr }

// Sample draws one value per frame by the reparameterization trick.
func (p *NormalDiag) Sample(r *rand.Rand) *mat.Dense {
	nframes, d := p.mean.Dims()
	out := mat.NewDense(nframes, d, nil)
	for t := 0; t < nframes; t++ {
		m := p.mean.RawRowView(t)
		v := p.vr.RawRowView(t)
		row := out.RawRowView(t)
		for i := 0; i < d; i++ {
			row[i] = m[i] + r.NormFloat64()*math.Sqrt(v[i])
		}
	}
	return out
}

// LogLikelihood returns the per-frame log-likelihood of the data.
func (p *NormalDiag) LogLikelihood(data *mat.Dense) []float64 {
	nframes, d := p.mean.Dims()
	llh := make([]float64, nframes)
	for t := 0; t < nframes; t++ {
		m := p.mean.RawRowView(t)
		v := p.vr.RawRowView(t)
		x := data.RawRowView(t)
		var sum float64
		for i := 0; i < d; i++ {
			diff := x[i] - m[i]
			sum += -0.5*diff*diff/v[i] - 0.5*math.Log(v[i]) - 0.5*logTwoPi
		}
		llh[t] = sum
	}
	return llh
}

// expectedStats returns the per-frame expected statistics
// [m^2+v, m, 1, 1] per dimension.
func (p *NormalDiag) expectedStats() *mat.Dense {
	nframes, d := p.mean.Dims()
	stats := mat.NewDense(nframes, 4*d, nil)
	for t := 0; t < nframes; t++ {
		m := p.mean.RawRowView(t)
		v := p.vr.RawRowView(t)
		row := stats.RawRowView(t)
		for i := 0; i < d; i++ {
			row[i] = m[i]*m[i] + v[i]
			row[d+i] = m[i]
			row[2*d+i] = 1
			row[3*d+i] = 1
		}
	}
	return stats
}

// Entropy returns the per-frame differential entropy.
func (p *NormalDiag) Entropy() []float64 {
	nframes, d := p.mean.Dims()
	ent := make([]float64, nframes)
	for t := 0; t < nframes; t++ {
		v := p.vr.RawRowView(t)
		var sum float64
		for i := 0; i < d; i++ {
			sum += 0.5 * (1 + logTwoPi + math.Log(v[i]))
		}
		ent[t] = sum
	}
	return ent
}

// KLDiv returns the per-frame divergence sum((np_q - np_p) * E_q[stats]).
func (p *NormalDiag) KLDiv(naturalParams *mat.Dense) []float64 {
	nframes, d := p.mean.Dims()
	stats := p.expectedStats()
	kl := make([]float64, nframes)
	for t := 0; t < nframes; t++ {
		m := p.mean.RawRowView(t)
		v := p.vr.RawRowView(t)
		srow := stats.RawRowView(t)
		prow := naturalParams.RawRowView(t)
		var sum float64
		for i := 0; i < d; i++ {
			q := [4]float64{
				-0.5 / v[i],
				m[i] / v[i],
				-0.5 * m[i] * m[i] / v[i],
				-0.5 * math.Log(2*math.Pi*v[i]),
			}
			for k := 0; k < 4; k++ {
				sum += (q[k] - prow[k*d+i]) * srow[k*d+i]
			}
		}
		kl[t] = sum
	}
	return kl
}

// Bernoulli is a per-dimension Bernoulli Posterior, the decoder
// distribution for binary observations.
type Bernoulli struct {
	prob *mat.Dense
}

// NewBernoulli creates a Bernoulli posterior from per-frame success
// probabilities.
func NewBernoulli(prob *mat.Dense) *Bernoulli {
	return &Bernoulli{prob: prob}
}

// Mean returns the per-frame success probabilities.
func (p *Bernoulli) Mean() *mat.Dense { return p.prob }

// Var returns the per-frame variances p(1-p).
func (p *Bernoulli) Var() *mat.Dense {
	nframes, d := p.prob.Dims()
	out := mat.NewDense(nframes, d, nil)
	for t := 0; t < nframes; t++ {
		pr := p.prob.RawRowView(t)
		row := out.RawRowView(t)
		for i, v := range pr {
			row[i] = v * (1 - v)
		}
	}
	return out
}

// Sample draws one binary value per dimension.
func (p *Bernoulli) Sample(r *rand.Rand) *mat.Dense {
	nframes, d := p.prob.Dims()
	out := mat.NewDense(nframes, d, nil)
	for t := 0; t < nframes; t++ {
		pr := p.prob.RawRowView(t)
		row := out.RawRowView(t)
		for i, v := range pr {
			if r.Float64() < v {
				row[i] = 1
			}
		}
	}
	return out
}

// LogLikelihood returns the per-frame log-likelihood of binary data.
func (p *Bernoulli) LogLikelihood(data *mat.Dense) []float64 {
	nframes, d := p.prob.Dims()
	llh := make([]float64, nframes)
	for t := 0; t < nframes; t++ {
		pr := p.prob.RawRowView(t)
		x := data.RawRowView(t)
		var sum float64
		for i := 0; i < d; i++ {
			sum += x[i]*math.Log(pr[i]) + (1-x[i])*math.Log(1-pr[i])
		}
		llh[t] = sum
	}
	return llh
}

// Entropy returns the per-frame entropy.
func (p *Bernoulli) Entropy() []float64 {
	nframes, d := p.prob.Dims()
	ent := make([]float64, nframes)
	for t := 0; t < nframes; t++ {
		pr := p.prob.RawRowView(t)
		var sum float64
		for i := 0; i < d; i++ {
			v := pr[i]
			sum -= v*math.Log(v) + (1-v)*math.Log(1-v)
		}
		ent[t] = sum
	}
	return ent
}

// KLDiv returns the per-frame divergence against expected natural
// parameters laid out as two per-dimension blocks dual to [x, 1]:
// the logit and the log-normalizer.
func (p *Bernoulli) KLDiv(naturalParams *mat.Dense) []float64 {
	nframes, d := p.prob.Dims()
	kl := make([]float64, nframes)
	for t := 0; t < nframes; t++ {
		pr := p.prob.RawRowView(t)
		row := naturalParams.RawRowView(t)
		var sum float64
		for i := 0; i < d; i++ {
			v := pr[i]
			q := [2]float64{math.Log(v / (1 - v)), math.Log(1 - v)}
			sum += (q[0]-row[i])*v + (q[1] - row[d+i])
		}
		kl[t] = sum
	}
	return kl
}

// Model is a variational autoencoder with a conjugate latent prior.
type Model struct {
	ModelName string
	Encoder   Encoder
	Decoder   Decoder
	Prior     model.VAELatentPrior

	nsamples int
	enc      Posterior
}

// Option type is used to pass options to NewModel.
type Option func(*Model)

// Name is an option to set the model name.
func Name(name string) Option {
	return func(m *Model) { m.ModelName = name }
}

// NSamples is an option to set the number of latent samples used to
// estimate the reconstruction term. Default is 1.
func NSamples(n int) Option {
	return func(m *Model) { m.nsamples = n }
}

// NewModel creates a VAE tying an encoder/decoder pair to a latent
// prior.
func NewModel(enc Encoder, dec Decoder, prior model.VAELatentPrior, options ...Option) *Model {
	m := &Model{
		ModelName: "VAE",
		Encoder:   enc,
		Decoder:   dec,
		Prior:     prior,
		nsamples:  1,
	}
	for _, option := range options {
		option(m)
	}
	glog.Infof("new vae [%s] with latent prior [%s]", m.ModelName, prior.Name())
	return m
}

// Name returns the name of the model.
func (m *Model) Name() string { return m.ModelName }

// ELBO returns the per-frame evidence lower bound of a batch: the
// expected reconstruction log-likelihood under sampled latent frames,
// minus the KL divergence from the encoder posterior to the latent
// prior, minus the local divergence of the prior's own latent
// variables. The encoder posterior is kept so that Accumulate can
// train the prior from the same batch.
func (m *Model) ELBO(data *mat.Dense, latent *mat.Dense, r *rand.Rand) ([]float64, error) {
	enc := m.Encoder.Encode(data)
	priorNp, err := m.Prior.ExpectedNaturalParams(enc.Mean(), enc.Var(), latent)
	if err != nil {
		return nil, err
	}

	nframes, _ := data.Dims()
	elbo := make([]float64, nframes)
	for n := 0; n < m.nsamples; n++ {
		z := enc.Sample(r)
		dec := m.Decoder.Decode(z)
		llh := dec.LogLikelihood(data)
		for t, v := range llh {
			elbo[t] += v / float64(m.nsamples)
		}
	}

	kl := enc.KLDiv(priorNp)
	localKL := m.Prior.LocalKLDiv()
	for t := 0; t < nframes; t++ {
		elbo[t] -= kl[t]
		if localKL != nil {
			elbo[t] -= localKL[t]
		}
	}
	m.enc = enc
	return elbo, nil
}

// Accumulate trains the latent prior from the encoder posterior of
// the last ELBO call.
func (m *Model) Accumulate(parentMsg *mat.Dense) (model.Stats, error) {
	if m.enc == nil {
		return nil, &model.StaleCacheError{Model: m.ModelName}
	}
	enc := m.enc
	m.enc = nil
	stats := m.Prior.SufficientStatisticsFromMeanVar(enc.Mean(), enc.Var())
	return m.Prior.Accumulate(stats, parentMsg)
}
