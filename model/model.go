// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package model defines the shared protocol implemented by every Bayesian
generative component: compute per-frame sufficient statistics, compute
the variational expected log-likelihood (Forward), and accumulate
natural-parameter increments for the owned parameters (Accumulate).

Forward and Accumulate come in pairs. Forward stores every intermediate
quantity Accumulate needs in a typed per-model scratch value; Accumulate
consumes and clears it. The scratch is not reentrant: a second Forward
before Accumulate overwrites it, and a second Accumulate without a new
Forward fails with StaleCacheError.
*/
package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// A Model is a complete Bayesian generative component.
type Model interface {

	// The model name.
	Name() string

	// Dimensionality of the observation vector.
	Dim() int

	// SufficientStatistics maps raw frames (rows) to per-frame
	// statistic vectors sized to the model family. It is pure: no
	// scratch writes, no parameter reads beyond shape information.
	SufficientStatistics(data *mat.Dense) (*mat.Dense, error)

	// Forward computes the per-frame variational expected
	// log-likelihood under the current posteriors and fills the
	// model's scratch for the matching Accumulate call. A non-nil
	// latent matrix (one-hot labels or pinned latent means,
	// depending on the model) replaces the inferred latent
	// posterior.
	Forward(stats, latent *mat.Dense) ([]float64, error)

	// Accumulate turns the scratch left by Forward into
	// natural-parameter increments for the owned parameters.
	// parentMsg carries responsibilities handed down by an
	// enclosing model set; models that cannot self-determine the
	// assignment fail with MissingParentMessageError when it is
	// nil.
	Accumulate(stats, parentMsg *mat.Dense) (Stats, error)
}

// A Set is a Model indexable over component sub-models (mixture
// components, HMM states, PLDA classes).
type Set interface {
	Model

	// Number of components.
	Len() int

	// ComponentsForward returns the frames x components matrix of
	// per-component expected log-likelihoods.
	ComponentsForward(stats *mat.Dense) (*mat.Dense, error)
}

// A VAELatentPrior can serve as the prior over a neural encoder's
// latent space: it consumes the encoder's per-frame mean and variance
// instead of raw data.
type VAELatentPrior interface {
	Model

	// SufficientStatisticsFromMeanVar builds the statistics of the
	// implied distribution from an encoder's output moments.
	SufficientStatisticsFromMeanVar(mean, vr *mat.Dense) *mat.Dense

	// ExpectedNaturalParams returns the per-frame expected natural
	// parameters of the likelihood over the latent code. Like
	// Forward it fills the scratch for a matching Accumulate.
	ExpectedNaturalParams(mean, vr, latent *mat.Dense) (*mat.Dense, error)

	// LocalKLDiv returns the per-frame KL divergence between the
	// local latent posterior and its prior, computed by the last
	// Forward/ExpectedNaturalParams call.
	LocalKLDiv() []float64
}

// UnknownModelTypeError reports an unrecognized type tag handed to the
// model factory.
type UnknownModelTypeError struct {
	Type string
}

func (e *UnknownModelTypeError) Error() string {
	return fmt.Sprintf("model: unknown model type [%s]", e.Type)
}

// MissingParentMessageError reports an Accumulate call that required
// responsibilities from an enclosing model set but received none.
type MissingParentMessageError struct {
	Model string
}

func (e *MissingParentMessageError) Error() string {
	return fmt.Sprintf("model: [%s] cannot determine component responsibilities, accumulate requires a parent message", e.Model)
}

// StaleCacheError reports an Accumulate call with no matching Forward
// pass on the same batch.
type StaleCacheError struct {
	Model string
}

func (e *StaleCacheError) Error() string {
	return fmt.Sprintf("model: [%s] accumulate called without a matching forward pass", e.Model)
}

// DimensionError reports data or statistics whose shape is
// incompatible with the declared model dimensionality.
type DimensionError struct {
	Model string
	Got   int
	Want  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("model: [%s] dimension mismatch, got [%d] expected [%d]", e.Model, e.Got, e.Want)
}

// ExpandLabels expands integer labels into a one-hot matrix with ncomp
// columns.
func ExpandLabels(labels []int, ncomp int) (*mat.Dense, error) {
	out := mat.NewDense(len(labels), ncomp, nil)
	for i, lab := range labels {
		if lab < 0 || lab >= ncomp {
			return nil, &DimensionError{Model: "labels", Got: lab, Want: ncomp}
		}
		out.Set(i, lab, 1)
	}
	return out, nil
}
