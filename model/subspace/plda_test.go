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

func testPLDA(t *testing.T) *Set {
	noiseSub := mat.NewDense(1, 2, []float64{0.1, 0})
	classSub := mat.NewDense(1, 2, []float64{5, 0})
	classMeans := mat.NewDense(2, 1, []float64{1, -1})
	s, err := NewSet([]float64{0, 0}, 1, noiseSub, classSub, classMeans, 1, SetName("testing"))
	floatx.CheckError(t, err)
	return s
}

func TestPLDAClassSeparation(t *testing.T) {

	s := testPLDA(t)
	if s.Len() != 2 || s.Dim() != 2 {
		t.Fatalf("wrong shape")
	}

	// One frame near each class mean in data space.
	data := mat.NewDense(2, 2, []float64{
		5, 0,
		-5, 0,
	})
	stats, err := s.SufficientStatistics(data)
	floatx.CheckError(t, err)

	llhs, err := s.ComponentsForward(stats)
	floatx.CheckError(t, err)
	r, c := llhs.Dims()
	if r != 2 || c != 2 {
		t.Fatalf("wrong llh shape [%d,%d]", r, c)
	}
	if llhs.At(0, 0) <= llhs.At(0, 1) {
		t.Errorf("frame at class 0 mean must prefer class 0")
	}
	if llhs.At(1, 1) <= llhs.At(1, 0) {
		t.Errorf("frame at class 1 mean must prefer class 1")
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if math.IsNaN(llhs.At(i, j)) {
				t.Fatalf("NaN llh at [%d,%d]", i, j)
			}
		}
	}
}

func TestPLDAAccumulateNeedsResponsibilities(t *testing.T) {

	s := testPLDA(t)
	data := mat.NewDense(1, 2, []float64{0, 0})
	stats, err := s.SufficientStatistics(data)
	floatx.CheckError(t, err)
	_, err = s.ComponentsForward(stats)
	floatx.CheckError(t, err)

	_, err = s.Accumulate(stats, nil)
	if _, ok := err.(*model.MissingParentMessageError); !ok {
		t.Fatalf("expected MissingParentMessageError, got [%v]", err)
	}
}

func TestPLDAAccumulate(t *testing.T) {

	s := testPLDA(t)
	data := mat.NewDense(2, 2, []float64{
		5, 0,
		-5, 0,
	})
	stats, err := s.SufficientStatistics(data)
	floatx.CheckError(t, err)
	_, err = s.ComponentsForward(stats)
	floatx.CheckError(t, err)

	resps, err := model.ExpandLabels([]int{0, 1}, 2)
	floatx.CheckError(t, err)
	acc, err := s.Accumulate(stats, resps)
	floatx.CheckError(t, err)

	// precision, mean, noise subspace, class subspace, two class means.
	if len(acc) != 6 {
		t.Fatalf("expected 6 increments, got [%d]", len(acc))
	}
	if acc[0].Param != s.Precision || acc[1].Param != s.Mean ||
		acc[2].Param != s.NoiseSubspace || acc[3].Param != s.ClassSubspace {
		t.Fatalf("increments out of order")
	}
	if acc[4].Param != s.ClassMeans[0] || acc[5].Param != s.ClassMeans[1] {
		t.Fatalf("class mean increments out of order")
	}

	floatx.CompareFloats(t, 0.5*2*2, acc[0].Value[0], "wrong precision count", 1e-10)

	// A fresh forward pass is needed for the next accumulate.
	_, err = s.Accumulate(stats, resps)
	if _, ok := err.(*model.StaleCacheError); !ok {
		t.Fatalf("expected StaleCacheError, got [%v]", err)
	}
}

func TestPLDAElement(t *testing.T) {

	s := testPLDA(t)

	e0 := s.At(0)
	e1 := s.At(1)

	// mean = E[m] + E[V]'y with V = [5, 0] and y = +/-1.
	floatx.CompareFloats(t, 5, e0.Mean[0], "wrong class 0 mean", 1e-10)
	floatx.CompareFloats(t, -5, e1.Mean[0], "wrong class 1 mean", 1e-10)
	floatx.CompareFloats(t, 0, e0.Mean[1], "wrong class 0 mean", 1e-10)

	// cov = E[W]'E[W] + I/prec.
	floatx.CompareFloats(t, 0.1*0.1+1, e0.Cov.At(0, 0), "wrong class covariance", 1e-10)
	floatx.CompareFloats(t, 1, e0.Cov.At(1, 1), "wrong class covariance", 1e-10)
}

func TestPLDAUniformForward(t *testing.T) {

	s := testPLDA(t)
	data := mat.NewDense(1, 2, []float64{0, 0})
	stats, err := s.SufficientStatistics(data)
	floatx.CheckError(t, err)

	// The origin is symmetric between the classes; the uniform
	// marginal equals either class llh.
	llhs, err := s.ComponentsForward(stats)
	floatx.CheckError(t, err)
	floatx.CompareFloats(t, llhs.At(0, 0), llhs.At(0, 1), "classes must tie at the origin", 1e-10)

	llh, err := s.Forward(stats, nil)
	floatx.CheckError(t, err)
	floatx.CompareFloats(t, llhs.At(0, 0), llh[0], "wrong uniform marginal", 1e-10)
}
