// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package mixture implements a Bayesian mixture model over an arbitrary
set of component models (normal sets, PLDA classes). The mixture
weights carry a Dirichlet prior; the discrete latent assignment is
marginalized by log-sum-exp in the forward pass and its posterior
responsibilities drive the accumulation of the component statistics.
*/
package mixture

import (
	"math"

	"github.com/bootphon/beer/expfamily"
	"github.com/bootphon/beer/floatx"
	"github.com/bootphon/beer/model"
	"github.com/golang/glog"
	"gonum.org/v1/gonum/mat"
)

// Model is a Bayesian mixture.
type Model struct {
	ModelName  string           `json:"name"`
	Weights    *model.Parameter `json:"weights"`
	Components model.Set        `json:"-"`

	resps *mat.Dense // scratch: per-frame responsibilities
}

// Option type is used to pass options to NewModel.
type Option func(*Model)

// Name is an option to set the model name.
func Name(name string) Option {
	return func(m *Model) { m.ModelName = name }
}

// NewModel creates a mixture over the given component set with a
// symmetric Dirichlet prior of the given pseudo-count on the weights.
func NewModel(components model.Set, count float64, options ...Option) (*Model, error) {
	alpha := make([]float64, components.Len())
	floatx.Apply(floatx.SetValueFunc(count), alpha, nil)
	prior, err := expfamily.NewDirichlet(alpha)
	if err != nil {
		return nil, err
	}
	m := &Model{
		ModelName:  "Mixture",
		Weights:    model.NewParameter(prior),
		Components: components,
	}
	for _, option := range options {
		option(m)
	}
	glog.Infof("new mixture [%s] with %d components", m.ModelName, components.Len())
	return m, nil
}

// Name returns the name of the model.
func (m *Model) Name() string { return m.ModelName }

// Dim is the dimensionality of the observation vector.
func (m *Model) Dim() int { return m.Components.Dim() }

// Len returns the number of mixture components.
func (m *Model) Len() int { return m.Components.Len() }

// SufficientStatistics delegates to the component set.
func (m *Model) SufficientStatistics(data *mat.Dense) (*mat.Dense, error) {
	return m.Components.SufficientStatistics(data)
}

// ComponentsForward returns the per-component expected log-likelihoods
// with the expected log-weights added in.
func (m *Model) ComponentsForward(stats *mat.Dense) (*mat.Dense, error) {
	perComp, err := m.Components.ComponentsForward(stats)
	if err != nil {
		return nil, err
	}
	logWeights := m.Weights.Posterior.DirichletMoments()
	nframes, ncomp := perComp.Dims()
	for t := 0; t < nframes; t++ {
		row := perComp.RawRowView(t)
		for j := 0; j < ncomp; j++ {
			row[j] += logWeights[j]
		}
	}
	return perComp, nil
}

// Forward computes the per-frame expected log-likelihood, marginalizing
// the component assignment. A non-nil latent matrix (one-hot labels
// from model.ExpandLabels) pins the assignment instead: components
// with zero label weight are masked out in the log domain. The
// responsibilities are kept for Accumulate.
func (m *Model) Forward(stats, latent *mat.Dense) ([]float64, error) {
	perComp, err := m.ComponentsForward(stats)
	if err != nil {
		return nil, err
	}
	nframes, ncomp := perComp.Dims()
	if latent != nil {
		lr, lc := latent.Dims()
		if lr != nframes || lc != ncomp {
			return nil, &model.DimensionError{Model: m.ModelName, Got: lc, Want: ncomp}
		}
		for t := 0; t < nframes; t++ {
			row := perComp.RawRowView(t)
			for j := 0; j < ncomp; j++ {
				row[j] += math.Log(latent.At(t, j))
			}
		}
	}

	llh := make([]float64, nframes)
	resps := mat.NewDense(nframes, ncomp, nil)
	for t := 0; t < nframes; t++ {
		row := perComp.RawRowView(t)
		norm := floatx.LogSumExp(row)
		llh[t] = norm
		for j := 0; j < ncomp; j++ {
			resps.Set(t, j, math.Exp(row[j]-norm))
		}
	}
	m.resps = resps
	return llh, nil
}

// Accumulate returns the weight increment (summed responsibilities)
// followed by the component increments, in that fixed order. A parent
// message, when present, scales the responsibilities frame-wise (the
// mixture nested inside another set).
func (m *Model) Accumulate(stats, parentMsg *mat.Dense) (model.Stats, error) {
	if m.resps == nil {
		return nil, &model.StaleCacheError{Model: m.ModelName}
	}
	resps := m.resps
	m.resps = nil

	nframes, ncomp := resps.Dims()
	sr, _ := stats.Dims()
	if sr != nframes {
		return nil, &model.DimensionError{Model: m.ModelName, Got: sr, Want: nframes}
	}
	if parentMsg != nil {
		for t := 0; t < nframes; t++ {
			w := parentMsg.At(t, 0)
			row := resps.RawRowView(t)
			for j := range row {
				row[j] *= w
			}
		}
	}

	wInc := make([]float64, ncomp)
	for t := 0; t < nframes; t++ {
		row := resps.RawRowView(t)
		for j, v := range row {
			wInc[j] += v
		}
	}

	acc := model.Stats{}.Add(m.Weights, wInc)
	compStats, err := m.Components.Accumulate(stats, resps)
	if err != nil {
		return nil, err
	}
	return acc.Merge(compStats), nil
}
