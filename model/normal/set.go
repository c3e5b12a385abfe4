// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package normal

import (
	"fmt"
	"math"

	"github.com/bootphon/beer/expfamily"
	"github.com/bootphon/beer/floatx"
	"github.com/bootphon/beer/model"
	"github.com/golang/glog"
	"gonum.org/v1/gonum/mat"
)

// Set is an ordered collection of Normal distributions sharing one
// prior, used as mixture components or HMM emission densities. It
// implements the model.Set protocol: accumulation always requires the
// per-frame component responsibilities from the enclosing model.
type Set struct {
	ModelName string             `json:"name"`
	ModelDim  int                `json:"dim"`
	Cov       Covariance         `json:"covariance"`
	Params    model.ParameterSet `json:"components"`

	fwdFrames int
}

// SetOption type is used to pass options to NewSet.
type SetOption func(*Set)

// SetName is an option to set the set name.
func SetName(name string) SetOption {
	return func(s *Set) { s.ModelName = name }
}

// NewSet creates a set of ncomp Normal models. Every component shares
// the prior; each posterior starts from the matching entry of posts,
// or from the prior itself when posts is nil. The prior family selects
// the covariance structure (NormalGamma or NormalWishart).
func NewSet(prior *expfamily.Dist, posts []*expfamily.Dist, ncomp int, options ...SetOption) (*Set, error) {
	var cov Covariance
	switch prior.Fam() {
	case expfamily.NormalGamma:
		cov = Diag
	case expfamily.NormalWishart:
		cov = Full
	default:
		return nil, &expfamily.InvalidParamError{
			Family: prior.Fam().String(),
			Reason: "a normal set prior must be NormalGamma or NormalWishart",
		}
	}
	if posts != nil && len(posts) != ncomp {
		return nil, &model.DimensionError{Model: "NormalSet", Got: len(posts), Want: ncomp}
	}
	params := make(model.ParameterSet, ncomp)
	for i := range params {
		post := prior.Copy()
		if posts != nil {
			post = posts[i]
		}
		params[i] = &model.Parameter{Prior: prior, Posterior: post}
	}
	s := &Set{
		ModelName: "NormalSet",
		ModelDim:  prior.Dim(),
		Cov:       cov,
		Params:    params,
		fwdFrames: -1,
	}
	for _, option := range options {
		option(s)
	}
	glog.Infof("new normal set [%s] with %d components, dim=%d", s.ModelName, ncomp, s.ModelDim)
	return s, nil
}

// Name returns the name of the set.
func (s *Set) Name() string { return s.ModelName }

// Dim is the dimensionality of the observation vector.
func (s *Set) Dim() int { return s.ModelDim }

// Len returns the number of components.
func (s *Set) Len() int { return len(s.Params) }

// StatsDim returns the width of the per-frame statistic vector.
func (s *Set) StatsDim() int { return statsDim(s.Cov, s.ModelDim) }

// At returns the Normal(mean, covariance) view of component i.
func (s *Set) At(i int) Element {
	m := Model{ModelDim: s.ModelDim, Cov: s.Cov, MeanPrec: s.Params[i]}
	return Element{Mean: m.Mean(), Cov: m.Covariance()}
}

// SufficientStatistics maps frames to per-frame statistics; all
// components share one statistic vector per frame.
func (s *Set) SufficientStatistics(data *mat.Dense) (*mat.Dense, error) {
	return sufficientStatistics(s.Cov, s.ModelName, s.ModelDim, data)
}

// SufficientStatisticsFromMeanVar builds the statistics implied by an
// encoder's mean and variance output (diagonal sets only).
func (s *Set) SufficientStatisticsFromMeanVar(mean, vr *mat.Dense) *mat.Dense {
	m := Model{ModelDim: s.ModelDim, Cov: s.Cov}
	return m.SufficientStatisticsFromMeanVar(mean, vr)
}

// ComponentsForward returns the frames x components expected
// log-likelihood matrix.
func (s *Set) ComponentsForward(stats *mat.Dense) (*mat.Dense, error) {
	nframes, sd := stats.Dims()
	if sd != s.StatsDim() {
		return nil, &model.DimensionError{Model: s.ModelName, Got: sd, Want: s.StatsDim()}
	}
	halfConst := 0.5 * float64(s.ModelDim) * logTwoPi
	out := mat.NewDense(nframes, len(s.Params), nil)
	for j, p := range s.Params {
		np := expNatVector(s.Cov, s.ModelDim, p)
		for t := 0; t < nframes; t++ {
			out.Set(t, j, floatx.Dot(stats.RawRowView(t), np)-halfConst)
		}
	}
	s.fwdFrames = nframes
	return out, nil
}

// Forward scores the set as a uniform-weight mixture: the per-frame
// log-sum-exp of the component log-likelihoods minus log ncomp. A
// one-hot latent matrix pins each frame to a component instead.
func (s *Set) Forward(stats, latent *mat.Dense) ([]float64, error) {
	perComp, err := s.ComponentsForward(stats)
	if err != nil {
		return nil, err
	}
	nframes, _ := stats.Dims()
	llh := make([]float64, nframes)
	logW := -math.Log(float64(len(s.Params)))
	for t := 0; t < nframes; t++ {
		row := perComp.RawRowView(t)
		if latent != nil {
			llh[t] = floatx.Dot(row, latent.RawRowView(t))
			continue
		}
		llh[t] = floatx.LogSumExp(row) + logW
	}
	s.fwdFrames = nframes
	return llh, nil
}

// Accumulate distributes responsibility-weighted statistics to each
// component posterior. parentMsg (frames x components) is mandatory: a
// set cannot determine the assignment on its own.
func (s *Set) Accumulate(stats, parentMsg *mat.Dense) (model.Stats, error) {
	if parentMsg == nil {
		return nil, &model.MissingParentMessageError{Model: s.ModelName}
	}
	nframes, sd := stats.Dims()
	if s.fwdFrames != nframes {
		return nil, &model.StaleCacheError{Model: s.ModelName}
	}
	s.fwdFrames = -1
	rr, rc := parentMsg.Dims()
	if rr != nframes || rc != len(s.Params) {
		return nil, &model.DimensionError{Model: s.ModelName, Got: rc, Want: len(s.Params)}
	}

	acc := model.Stats{}
	for j, p := range s.Params {
		inc := make([]float64, sd)
		for t := 0; t < nframes; t++ {
			w := parentMsg.At(t, j)
			if w == 0 {
				continue
			}
			row := stats.RawRowView(t)
			for i, v := range row {
				inc[i] += w * v
			}
		}
		acc = acc.Add(p, inc)
	}
	glog.V(3).Infof("[%s] accumulated stats for %d components over %d frames",
		s.ModelName, len(s.Params), nframes)
	return acc, nil
}

// ComponentName builds the canonical name of component n, mirroring
// the width of the component count.
func ComponentName(name string, n, ncomp int) string {
	max := ncomp - 1
	switch {
	case max < 10:
		return fmt.Sprintf("%s-%d", name, n)
	case max < 100:
		return fmt.Sprintf("%s-%02d", name, n)
	case max < 1000:
		return fmt.Sprintf("%s-%03d", name, n)
	default:
		return fmt.Sprintf("%s-%d", name, n)
	}
}
