// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mixture

import (
	"testing"

	"github.com/bootphon/beer/expfamily"
	"github.com/bootphon/beer/floatx"
	"github.com/bootphon/beer/model"
	"github.com/bootphon/beer/model/normal"
	"gonum.org/v1/gonum/mat"
)

const epsilon = 0.0001

func testMixture(t *testing.T) *Model {
	prior, err := expfamily.NewNormalGamma([]float64{0}, []float64{1}, 1)
	floatx.CheckError(t, err)
	posts := make([]*expfamily.Dist, 2)
	posts[0], err = expfamily.NewNormalGamma([]float64{-5}, []float64{1}, 1)
	floatx.CheckError(t, err)
	posts[1], err = expfamily.NewNormalGamma([]float64{5}, []float64{1}, 1)
	floatx.CheckError(t, err)
	set, err := normal.NewSet(prior, posts, 2)
	floatx.CheckError(t, err)
	m, err := NewModel(set, 1, Name("testing"))
	floatx.CheckError(t, err)
	return m
}

func TestMixtureResponsibilities(t *testing.T) {

	m := testMixture(t)
	data := mat.NewDense(2, 1, []float64{-5, 5})
	stats, err := m.SufficientStatistics(data)
	floatx.CheckError(t, err)

	_, err = m.Forward(stats, nil)
	floatx.CheckError(t, err)

	// Frames sitting on the component means take almost all the
	// responsibility.
	if m.resps.At(0, 0) < 0.99 || m.resps.At(1, 1) < 0.99 {
		t.Errorf("responsibilities not concentrated: %v %v",
			m.resps.At(0, 0), m.resps.At(1, 1))
	}
	// Rows are normalized.
	for i := 0; i < 2; i++ {
		sum := m.resps.At(i, 0) + m.resps.At(i, 1)
		floatx.CompareFloats(t, 1, sum, "responsibilities must normalize", epsilon)
	}
}

func TestMixtureAccumulateOrder(t *testing.T) {

	m := testMixture(t)
	data := mat.NewDense(2, 1, []float64{-5, 5})
	stats, err := m.SufficientStatistics(data)
	floatx.CheckError(t, err)
	_, err = m.Forward(stats, nil)
	floatx.CheckError(t, err)

	acc, err := m.Accumulate(stats, nil)
	floatx.CheckError(t, err)

	// Weights first, then one increment per component.
	if len(acc) != 3 {
		t.Fatalf("expected 3 increments, got [%d]", len(acc))
	}
	if acc[0].Param != m.Weights {
		t.Fatalf("weight increment must come first")
	}
	// Each cluster got about one frame.
	floatx.CompareFloats(t, 1, acc[0].Value[0], "wrong weight mass", 0.01)
	floatx.CompareFloats(t, 1, acc[0].Value[1], "wrong weight mass", 0.01)
}

func TestMixtureStaleCache(t *testing.T) {

	m := testMixture(t)
	data := mat.NewDense(1, 1, []float64{0})
	stats, err := m.SufficientStatistics(data)
	floatx.CheckError(t, err)

	// Accumulate before any forward pass.
	_, err = m.Accumulate(stats, nil)
	if _, ok := err.(*model.StaleCacheError); !ok {
		t.Fatalf("expected StaleCacheError, got [%v]", err)
	}

	// The scratch is consumed by the first accumulate.
	_, err = m.Forward(stats, nil)
	floatx.CheckError(t, err)
	_, err = m.Accumulate(stats, nil)
	floatx.CheckError(t, err)
	_, err = m.Accumulate(stats, nil)
	if _, ok := err.(*model.StaleCacheError); !ok {
		t.Fatalf("expected StaleCacheError on reuse, got [%v]", err)
	}
}

func TestMixtureForcedAssignment(t *testing.T) {

	m := testMixture(t)
	data := mat.NewDense(2, 1, []float64{-5, 5})
	stats, err := m.SufficientStatistics(data)
	floatx.CheckError(t, err)

	labels, err := model.ExpandLabels([]int{1, 0}, 2)
	floatx.CheckError(t, err)
	_, err = m.Forward(stats, labels)
	floatx.CheckError(t, err)

	// The wrong-way labels win all the responsibility regardless of
	// the likelihoods.
	floatx.CompareFloats(t, 1, m.resps.At(0, 1), "label must pin the assignment", epsilon)
	floatx.CompareFloats(t, 1, m.resps.At(1, 0), "label must pin the assignment", epsilon)
}

func TestMixtureTraining(t *testing.T) {

	// Two clear clusters pull the posterior weights toward the
	// cluster masses.
	m := testMixture(t)
	nframes := 100
	data := mat.NewDense(nframes, 1, nil)
	for i := 0; i < nframes; i++ {
		if i < 75 {
			data.Set(i, 0, -5)
		} else {
			data.Set(i, 0, 5)
		}
	}
	stats, err := m.SufficientStatistics(data)
	floatx.CheckError(t, err)
	_, err = m.Forward(stats, nil)
	floatx.CheckError(t, err)
	acc, err := m.Accumulate(stats, nil)
	floatx.CheckError(t, err)
	floatx.CheckError(t, acc.Apply(1))

	logW := m.Weights.Posterior.DirichletMoments()
	if logW[0] <= logW[1] {
		t.Errorf("component 0 should carry more weight: %v", logW)
	}
}
