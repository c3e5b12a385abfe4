// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package hmm provides a Bayesian hidden Markov model and its
dynamic-programming engine: the Baum-Welch forward and backward
recursions and Viterbi decoding, all in the log domain.

The engine works on a frames x states matrix of per-state expected
log-likelihoods produced by an arbitrary emission model set. The
recurrences are sequential over time and vectorized across states.
States with no incoming probability carry -Inf scores; the stabilized
log-sum-exp reduction propagates them without ever producing NaN.
*/
package hmm

import (
	"math"

	"github.com/bootphon/beer/expfamily"
	"github.com/bootphon/beer/floatx"
	"github.com/bootphon/beer/model"
	"github.com/golang/glog"
	"gonum.org/v1/gonum/mat"
)

// logTrans returns the elementwise log of a transition matrix. Zero
// entries map to -Inf, which is the log-domain encoding of a forbidden
// transition.
func logTrans(transMat *mat.Dense) *mat.Dense {
	n, _ := transMat.Dims()
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.Set(i, j, math.Log(transMat.At(i, j)))
		}
	}
	return out
}

// Forward runs the Baum-Welch forward recursion and returns the
// frames x states matrix of log alpha values. Initial mass is spread
// uniformly over initStates.
func Forward(initStates []int, transMat, llhs *mat.Dense) *mat.Dense {
	nframes, nstates := llhs.Dims()
	lt := logTrans(transMat)
	initLogProb := -math.Log(float64(len(initStates)))

	logAlphas := mat.NewDense(nframes, nstates, nil)
	row := logAlphas.RawRowView(0)
	floatx.Apply(floatx.SetValueFunc(math.Inf(-1)), row, nil)
	for _, s := range initStates {
		row[s] = llhs.At(0, s) + initLogProb
	}

	tmp := make([]float64, nstates)
	for t := 1; t < nframes; t++ {
		prev := logAlphas.RawRowView(t - 1)
		cur := logAlphas.RawRowView(t)
		for j := 0; j < nstates; j++ {
			for i := 0; i < nstates; i++ {
				tmp[i] = prev[i] + lt.At(i, j)
			}
			cur[j] = llhs.At(t, j) + floatx.LogSumExp(tmp)
		}
	}
	return logAlphas
}

// Backward runs the Baum-Welch backward recursion and returns the
// frames x states matrix of log beta values. Final mass is spread
// uniformly over finalStates.
func Backward(finalStates []int, transMat, llhs *mat.Dense) *mat.Dense {
	nframes, nstates := llhs.Dims()
	lt := logTrans(transMat)
	finalLogProb := -math.Log(float64(len(finalStates)))

	logBetas := mat.NewDense(nframes, nstates, nil)
	last := logBetas.RawRowView(nframes - 1)
	floatx.Apply(floatx.SetValueFunc(math.Inf(-1)), last, nil)
	for _, s := range finalStates {
		last[s] = finalLogProb
	}

	tmp := make([]float64, nstates)
	for t := nframes - 2; t >= 0; t-- {
		next := logBetas.RawRowView(t + 1)
		cur := logBetas.RawRowView(t)
		for i := 0; i < nstates; i++ {
			for j := 0; j < nstates; j++ {
				tmp[j] = lt.At(i, j) + llhs.At(t+1, j) + next[j]
			}
			cur[i] = floatx.LogSumExp(tmp)
		}
	}
	return logBetas
}

// Viterbi returns the most likely state path. Ties in the per-state
// maximization resolve to the first maximum encountered, so the
// decoding is deterministic.
func Viterbi(initStates, finalStates []int, transMat, llhs *mat.Dense) []int {
	nframes, nstates := llhs.Dims()
	lt := logTrans(transMat)
	initLogProb := -math.Log(float64(len(initStates)))

	omega := make([]float64, nstates)
	floatx.Apply(floatx.SetValueFunc(math.Inf(-1)), omega, nil)
	for _, s := range initStates {
		omega[s] = llhs.At(0, s) + initLogProb
	}

	backtrack := make([][]int, nframes)
	hyp := make([]float64, nstates)
	newOmega := make([]float64, nstates)
	for t := 1; t < nframes; t++ {
		backtrack[t] = make([]int, nstates)
		for s := 0; s < nstates; s++ {
			for i := 0; i < nstates; i++ {
				hyp[i] = omega[i] + lt.At(i, s)
			}
			best := floatx.ArgMax(hyp)
			backtrack[t][s] = best
			newOmega[s] = llhs.At(t, s) + hyp[best]
		}
		copy(omega, newOmega)
	}

	finalScores := make([]float64, len(finalStates))
	for i, s := range finalStates {
		finalScores[i] = omega[s]
	}
	path := make([]int, nframes)
	path[nframes-1] = finalStates[floatx.ArgMax(finalScores)]
	for t := nframes - 1; t >= 1; t-- {
		path[t-1] = backtrack[t][path[t]]
	}
	return path
}

// Posteriors turns the forward and backward tables into per-frame
// state responsibilities, normalized frame-wise in the log domain.
func Posteriors(logAlphas, logBetas *mat.Dense) *mat.Dense {
	nframes, nstates := logAlphas.Dims()
	out := mat.NewDense(nframes, nstates, nil)
	tmp := make([]float64, nstates)
	for t := 0; t < nframes; t++ {
		a := logAlphas.RawRowView(t)
		b := logBetas.RawRowView(t)
		for s := 0; s < nstates; s++ {
			tmp[s] = a[s] + b[s]
		}
		norm := floatx.LogSumExp(tmp)
		row := out.RawRowView(t)
		for s := 0; s < nstates; s++ {
			row[s] = math.Exp(tmp[s] - norm)
		}
	}
	return out
}

type scratch struct {
	llhs      *mat.Dense
	logAlphas *mat.Dense
	logBetas  *mat.Dense
	resps     *mat.Dense
}

// Model is a Bayesian HMM: a state transition structure over an
// emission model set (one sub-distribution per state).
type Model struct {
	ModelName   string     `json:"name"`
	InitStates  []int      `json:"init_states"`
	FinalStates []int      `json:"final_states"`
	TransMat    *mat.Dense `json:"-"`
	Components  model.Set  `json:"-"`

	updateTP bool
	sumXi    *mat.Dense
	sumGamma []float64
	fwd      *scratch
}

// Option type is used to pass options to NewModel.
type Option func(*Model)

// Name is an option to set the model name.
func Name(name string) Option {
	return func(m *Model) { m.ModelName = name }
}

// UpdateTP is an option to reestimate the transition probabilities
// from accumulated counts. Default is false.
func UpdateTP(flag bool) Option {
	return func(m *Model) { m.updateTP = flag }
}

// NewModel creates a new HMM over the given emission set. transMat
// must be square with one row and column per component; each row must
// be stochastic or all zero (a trap state).
func NewModel(initStates, finalStates []int, transMat *mat.Dense, components model.Set, options ...Option) (*Model, error) {
	nstates := components.Len()
	r, c := transMat.Dims()
	if r != nstates || c != nstates {
		return nil, &model.DimensionError{Model: "HMM", Got: r, Want: nstates}
	}
	for i := 0; i < nstates; i++ {
		var sum float64
		for j := 0; j < nstates; j++ {
			sum += transMat.At(i, j)
		}
		if sum != 0 && math.Abs(sum-1) > 1e-6 {
			return nil, &expfamily.InvalidParamError{
				Family: "HMM",
				Reason: "transition matrix rows must be stochastic or all zero",
			}
		}
	}
	if err := checkStates(initStates, nstates); err != nil {
		return nil, err
	}
	if err := checkStates(finalStates, nstates); err != nil {
		return nil, err
	}

	m := &Model{
		ModelName:   "HMM",
		InitStates:  initStates,
		FinalStates: finalStates,
		TransMat:    transMat,
		Components:  components,
		sumXi:       mat.NewDense(nstates, nstates, nil),
		sumGamma:    make([]float64, nstates),
	}
	for _, option := range options {
		option(m)
	}
	glog.Infof("new hmm [%s] with %d states", m.ModelName, nstates)
	return m, nil
}

func checkStates(states []int, nstates int) error {
	if len(states) == 0 {
		return &expfamily.InvalidParamError{Family: "HMM", Reason: "empty state subset"}
	}
	for _, s := range states {
		if s < 0 || s >= nstates {
			return &model.DimensionError{Model: "HMM", Got: s, Want: nstates}
		}
	}
	return nil
}

// Name returns the name of the model.
func (m *Model) Name() string { return m.ModelName }

// Dim is the dimensionality of the observation vector.
func (m *Model) Dim() int { return m.Components.Dim() }

// Len returns the number of states.
func (m *Model) Len() int { return m.Components.Len() }

// SufficientStatistics delegates to the emission set.
func (m *Model) SufficientStatistics(data *mat.Dense) (*mat.Dense, error) {
	return m.Components.SufficientStatistics(data)
}

// SufficientStatisticsFromMeanVar delegates to the emission set.
func (m *Model) SufficientStatisticsFromMeanVar(mean, vr *mat.Dense) *mat.Dense {
	type meanVar interface {
		SufficientStatisticsFromMeanVar(mean, vr *mat.Dense) *mat.Dense
	}
	return m.Components.(meanVar).SufficientStatisticsFromMeanVar(mean, vr)
}

// ComponentsForward returns the per-state expected log-likelihoods.
func (m *Model) ComponentsForward(stats *mat.Dense) (*mat.Dense, error) {
	return m.Components.ComponentsForward(stats)
}

// Forward runs the forward-backward recursions over the per-state
// expected log-likelihoods and returns the per-frame expected emission
// log-likelihood under the state posterior. A one-hot latent matrix
// (forced alignment) replaces the posterior. The state
// responsibilities and the dynamic-programming tables are kept for
// Accumulate.
func (m *Model) Forward(stats, latent *mat.Dense) ([]float64, error) {
	llhs, err := m.Components.ComponentsForward(stats)
	if err != nil {
		return nil, err
	}
	nframes, nstates := llhs.Dims()

	s := &scratch{llhs: llhs}
	if latent != nil {
		lr, lc := latent.Dims()
		if lr != nframes || lc != nstates {
			return nil, &model.DimensionError{Model: m.ModelName, Got: lc, Want: nstates}
		}
		s.resps = latent
	} else {
		s.logAlphas = Forward(m.InitStates, m.TransMat, llhs)
		s.logBetas = Backward(m.FinalStates, m.TransMat, llhs)
		s.resps = Posteriors(s.logAlphas, s.logBetas)
	}

	llh := make([]float64, nframes)
	for t := 0; t < nframes; t++ {
		llh[t] = floatx.Dot(s.resps.RawRowView(t), llhs.RawRowView(t))
	}
	m.fwd = s
	return llh, nil
}

// Accumulate hands the state responsibilities down to the emission set
// and, when transition reestimation is enabled, adds the expected
// transition counts to the Baum-Welch accumulators.
func (m *Model) Accumulate(stats, parentMsg *mat.Dense) (model.Stats, error) {
	if m.fwd == nil {
		return nil, &model.StaleCacheError{Model: m.ModelName}
	}
	s := m.fwd
	m.fwd = nil

	if m.updateTP && s.logAlphas != nil {
		m.accumulateTransCounts(s)
	}

	resps := s.resps
	if parentMsg != nil {
		nframes, nstates := resps.Dims()
		scaled := mat.NewDense(nframes, nstates, nil)
		for t := 0; t < nframes; t++ {
			w := parentMsg.At(t, 0)
			row := resps.RawRowView(t)
			out := scaled.RawRowView(t)
			for i, v := range row {
				out[i] = w * v
			}
		}
		resps = scaled
	}
	return m.Components.Accumulate(stats, resps)
}

// accumulateTransCounts adds the expected transition counts
// (the xi statistics of Baum-Welch) and the per-state occupancies to
// the reestimation accumulators.
func (m *Model) accumulateTransCounts(s *scratch) {
	nframes, nstates := s.llhs.Dims()
	lt := logTrans(m.TransMat)
	tmp := make([]float64, nstates)
	for t := 0; t < nframes-1; t++ {
		a := s.logAlphas.RawRowView(t)
		b := s.logBetas.RawRowView(t)
		for i := 0; i < nstates; i++ {
			tmp[i] = a[i] + b[i]
		}
		norm := floatx.LogSumExp(tmp)
		bNext := s.logBetas.RawRowView(t + 1)
		for i := 0; i < nstates; i++ {
			for j := 0; j < nstates; j++ {
				x := a[i] + lt.At(i, j) + s.llhs.At(t+1, j) + bNext[j] - norm
				if !math.IsInf(x, -1) {
					m.sumXi.Set(i, j, m.sumXi.At(i, j)+math.Exp(x))
				}
			}
			m.sumGamma[i] += s.resps.At(t, i)
		}
	}
}

// EstimateTransitions replaces the transition matrix rows with the
// normalized accumulated counts and clears the accumulators. Rows with
// no occupancy are left untouched.
func (m *Model) EstimateTransitions() {
	nstates := len(m.sumGamma)
	for i := 0; i < nstates; i++ {
		if m.sumGamma[i] <= 0 {
			continue
		}
		for j := 0; j < nstates; j++ {
			m.TransMat.Set(i, j, m.sumXi.At(i, j)/m.sumGamma[i])
		}
	}
	m.sumXi.Zero()
	floatx.Clear(m.sumGamma)
	glog.V(2).Infof("[%s] reestimated transition probabilities", m.ModelName)
}

// Decode returns the Viterbi state path for a data sequence.
func (m *Model) Decode(data *mat.Dense) ([]int, error) {
	stats, err := m.SufficientStatistics(data)
	if err != nil {
		return nil, err
	}
	llhs, err := m.Components.ComponentsForward(stats)
	if err != nil {
		return nil, err
	}
	return Viterbi(m.InitStates, m.FinalStates, m.TransMat, llhs), nil
}
