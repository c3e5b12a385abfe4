// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"encoding/json"
	"io"

	"github.com/bootphon/beer/expfamily"
	"github.com/pkg/errors"
)

// Parameter pairs the prior and posterior distribution over one model
// parameter. Models share a parameter (tied covariance, tied subspace)
// by holding the same *Parameter; aliasing is always explicit.
type Parameter struct {
	Prior     *expfamily.Dist `json:"prior"`
	Posterior *expfamily.Dist `json:"posterior"`
}

// NewParameter creates a Bayesian parameter whose posterior starts
// equal to the prior.
func NewParameter(prior *expfamily.Dist) *Parameter {
	return &Parameter{Prior: prior, Posterior: prior.Copy()}
}

// ExpectedStats returns the posterior's expected sufficient statistics.
func (p *Parameter) ExpectedStats() []float64 {
	return p.Posterior.ExpectedStats()
}

// Accumulate adds a natural-parameter increment to the posterior. The
// caller (an external natural-gradient optimizer) scales or damps the
// increment beforehand.
func (p *Parameter) Accumulate(inc []float64) error {
	return p.Posterior.Update(inc)
}

// Write serializes the parameter (both natural-parameter vectors) as
// JSON, independently of any owning model.
func (p *Parameter) Write(w io.Writer) error {
	b, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshaling bayesian parameter")
	}
	_, err = w.Write(b)
	return err
}

// ReadParameter deserializes a parameter written with Write.
func ReadParameter(r io.Reader) (*Parameter, error) {
	p := &Parameter{}
	if err := json.NewDecoder(r).Decode(p); err != nil {
		return nil, errors.Wrap(err, "unmarshaling bayesian parameter")
	}
	return p, nil
}

// ParameterSet is a fixed-size ordered collection of parameters
// addressed as one unit, e.g. per-class means.
type ParameterSet []*Parameter

// NewParameterSet builds a set of independent parameters from priors.
func NewParameterSet(priors []*expfamily.Dist) ParameterSet {
	ps := make(ParameterSet, len(priors))
	for i, prior := range priors {
		ps[i] = NewParameter(prior)
	}
	return ps
}

// Len returns the number of parameters in the set.
func (ps ParameterSet) Len() int { return len(ps) }

// At returns the i-th parameter.
func (ps ParameterSet) At(i int) *Parameter { return ps[i] }

// Increment is one natural-parameter update addressed to a parameter.
type Increment struct {
	Param *Parameter
	Value []float64
}

// Stats is an ordered list of natural-parameter increments returned by
// Accumulate. The order is fixed by the producing model, which makes
// the merge of increments addressed to a shared parameter
// deterministic.
type Stats []Increment

// Add appends an increment.
func (s Stats) Add(p *Parameter, value []float64) Stats {
	return append(s, Increment{Param: p, Value: value})
}

// Merge appends the increments of other, preserving order.
func (s Stats) Merge(other Stats) Stats {
	return append(s, other...)
}

// Apply scales every increment and adds it to the addressed posterior.
// Increments addressed to the same parameter are summed in encounter
// order before the single update, so tied parameters receive one
// deterministic increment per step.
func (s Stats) Apply(scale float64) error {
	merged := make(map[*Parameter][]float64, len(s))
	order := make([]*Parameter, 0, len(s))
	for _, inc := range s {
		acc, seen := merged[inc.Param]
		if !seen {
			acc = make([]float64, len(inc.Value))
			merged[inc.Param] = acc
			order = append(order, inc.Param)
		}
		if len(acc) != len(inc.Value) {
			return errors.Errorf("conflicting increment lengths [%d] and [%d] for one parameter",
				len(acc), len(inc.Value))
		}
		for i, v := range inc.Value {
			acc[i] += v
		}
	}
	for _, p := range order {
		inc := merged[p]
		for i := range inc {
			inc[i] *= scale
		}
		if err := p.Accumulate(inc); err != nil {
			return err
		}
	}
	return nil
}
