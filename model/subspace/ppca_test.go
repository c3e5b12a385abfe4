// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package subspace

import (
	"math"
	"testing"

	"github.com/bootphon/beer/floatx"
	"github.com/bootphon/beer/model"
	"gonum.org/v1/gonum/mat"
)

const epsilon = 1e-8

func testPPCA(t *testing.T) *Model {
	sub := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	m, err := NewModel([]float64{0, 0}, 2, sub, 1, Name("testing"))
	floatx.CheckError(t, err)
	return m
}

func TestPPCALatentPosteriorAtOrigin(t *testing.T) {

	m := testPPCA(t)
	data := mat.NewDense(1, 2, []float64{0, 0})
	stats, err := m.SufficientStatistics(data)
	floatx.CheckError(t, err)

	lMeans, lCov, err := m.LatentPosterior(stats)
	floatx.CheckError(t, err)

	// The posterior mean at the model origin is zero.
	floatx.CompareSliceFloat(t, []float64{0, 0}, lMeans.RawRowView(0),
		"latent mean at origin must vanish", epsilon)

	// cov = inv(I + prec * E[WW']) with E[WW'] = MM' + d*U = 3I here.
	want := 1.0 / (1.0 + 2.0*3.0)
	floatx.CompareFloats(t, want, lCov.At(0, 0), "wrong latent covariance", epsilon)
	floatx.CompareFloats(t, want, lCov.At(1, 1), "wrong latent covariance", epsilon)
	floatx.CompareFloats(t, 0, lCov.At(0, 1), "latent covariance must stay diagonal", epsilon)
}

func TestPPCAForwardAccumulate(t *testing.T) {

	m := testPPCA(t)
	data := mat.NewDense(3, 2, []float64{
		1, 0,
		0, 1,
		-1, -1,
	})
	stats, err := m.SufficientStatistics(data)
	floatx.CheckError(t, err)

	llh, err := m.Forward(stats, nil)
	floatx.CheckError(t, err)
	for i, v := range llh {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("non-finite llh at frame %d: %f", i, v)
		}
	}

	acc, err := m.Accumulate(stats, nil)
	floatx.CheckError(t, err)
	if len(acc) != 3 {
		t.Fatalf("expected 3 increments, got [%d]", len(acc))
	}
	if acc[0].Param != m.Precision || acc[1].Param != m.Mean || acc[2].Param != m.Subspace {
		t.Fatalf("increments out of order")
	}
	// Precision increment counts half the scalar statistics.
	floatx.CompareFloats(t, 0.5*3*2, acc[0].Value[0], "wrong precision count", epsilon)
	if acc[0].Value[1] >= 0 {
		t.Errorf("distance term must be negative, got [%f]", acc[0].Value[1])
	}

	// Scratch consumed.
	_, err = m.Accumulate(stats, nil)
	if _, ok := err.(*model.StaleCacheError); !ok {
		t.Fatalf("expected StaleCacheError, got [%v]", err)
	}
}

func TestPPCAFixedLatentSkipsKL(t *testing.T) {

	m := testPPCA(t)
	data := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	stats, err := m.SufficientStatistics(data)
	floatx.CheckError(t, err)

	latent := mat.NewDense(2, 2, []float64{
		0.5, 0,
		0, 0.5,
	})
	_, err = m.Forward(stats, latent)
	floatx.CheckError(t, err)

	kl := m.LocalKLDiv()
	floatx.CompareSliceFloat(t, []float64{0, 0}, kl, "fixed latent variables carry no KL cost", epsilon)
}

func TestPPCAKLDivPositive(t *testing.T) {

	m := testPPCA(t)
	data := mat.NewDense(2, 2, []float64{
		3, 1,
		-2, 2,
	})
	stats, err := m.SufficientStatistics(data)
	floatx.CheckError(t, err)
	_, err = m.Forward(stats, nil)
	floatx.CheckError(t, err)

	for _, v := range m.LocalKLDiv() {
		if v <= 0 {
			t.Errorf("KL divergence from a shifted posterior must be positive, got [%f]", v)
		}
	}
}

func TestPPCAExpectedNaturalParams(t *testing.T) {

	m := testPPCA(t)
	mean := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	vr := mat.NewDense(2, 2, []float64{
		0.1, 0.1,
		0.1, 0.1,
	})

	np, err := m.ExpectedNaturalParams(mean, vr, nil)
	floatx.CheckError(t, err)
	r, c := np.Dims()
	if r != 2 || c != 4*2 {
		t.Fatalf("wrong natural parameter shape [%d,%d]", r, c)
	}

	// First block is -prec/2 everywhere.
	prec := m.ExpectedPrecision()
	floatx.CompareFloats(t, -0.5*prec, np.At(0, 0), "wrong precision block", epsilon)
	floatx.CompareFloats(t, -0.5*prec, np.At(1, 1), "wrong precision block", epsilon)

	// The call fills the scratch for a matching accumulate.
	stats := m.SufficientStatisticsFromMeanVar(mean, vr)
	_, err = m.Accumulate(stats, nil)
	floatx.CheckError(t, err)
}

func TestPPCAAccessors(t *testing.T) {

	m := testPPCA(t)
	floatx.CompareSliceFloat(t, []float64{0, 0}, m.ExpectedMean(), "wrong expected mean", epsilon)
	floatx.CompareFloats(t, 2, m.ExpectedPrecision(), "wrong expected precision", epsilon)
	sub := m.ExpectedSubspace()
	floatx.CompareFloats(t, 1, sub.At(0, 0), "wrong expected subspace", epsilon)
	if m.Dim() != 2 || m.LatentDim() != 2 {
		t.Fatalf("wrong dimensions")
	}
}
