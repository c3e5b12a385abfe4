// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package beer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bootphon/beer/model"
	"github.com/bootphon/beer/model/hmm"
	"github.com/bootphon/beer/model/mixture"
	"github.com/bootphon/beer/model/normal"
	"github.com/bootphon/beer/model/subspace"
	"github.com/bootphon/beer/model/vae"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const confYAML = `
model: HMM
name: phone
pseudo_counts: 2
hmm:
  size: 3
  covariance: diagonal
  init_states: [0]
  final_states: [2]
  update_tp: true
  transitions:
    - [0.5, 0.5, 0.0]
    - [0.0, 0.5, 0.5]
    - [0.0, 0.0, 1.0]
`

func TestReadConfig(t *testing.T) {

	fn := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(fn, []byte(confYAML), 0644))

	conf, err := ReadConfig(fn)
	require.NoError(t, err)

	assert.Equal(t, "HMM", conf.Model)
	assert.Equal(t, "phone", conf.Name)
	assert.Equal(t, 2.0, conf.PseudoCounts)
	assert.Equal(t, 3, conf.HMM.Size)
	assert.Equal(t, []int{0}, conf.HMM.InitStates)
	assert.Equal(t, []int{2}, conf.HMM.FinalStates)
	assert.True(t, conf.HMM.UpdateTP)
	require.Len(t, conf.HMM.Transitions, 3)
	assert.Equal(t, []float64{0.5, 0.5, 0.0}, conf.HMM.Transitions[0])
}

func TestReadConfigMissingFile(t *testing.T) {

	_, err := ReadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNewModelNormal(t *testing.T) {

	mean := []float64{0, 1}
	variance := []float64{1, 2}

	m, err := NewModel(&Config{Model: "Normal", Name: "bg"}, mean, variance)
	require.NoError(t, err)
	assert.Equal(t, "bg", m.Name())
	assert.IsType(t, &normal.Model{}, m)

	m, err = NewModel(&Config{Model: "Normal", Normal: Normal{Covariance: "full"}}, mean, variance)
	require.NoError(t, err)
	assert.IsType(t, &normal.Model{}, m)
}

func TestNewModelSet(t *testing.T) {

	conf := &Config{Model: "NormalSet", Set: Set{Size: 4}}
	m, err := NewModel(conf, []float64{0, 0}, []float64{1, 1})
	require.NoError(t, err)

	set, ok := m.(model.Set)
	require.True(t, ok)
	assert.Equal(t, 4, set.Len())
}

func TestNewModelMixture(t *testing.T) {

	conf := &Config{Model: "Mixture", Name: "gmm", Mixture: Mixture{Size: 8}}
	m, err := NewModel(conf, []float64{0}, []float64{1})
	require.NoError(t, err)
	assert.Equal(t, "gmm", m.Name())
	assert.IsType(t, &mixture.Model{}, m)
}

func TestNewModelHMM(t *testing.T) {

	conf := &Config{Model: "HMM", HMM: HMM{
		Size:        3,
		InitStates:  []int{0},
		FinalStates: []int{2},
	}}
	m, err := NewModel(conf, []float64{0, 0}, []float64{1, 1})
	require.NoError(t, err)
	assert.IsType(t, &hmm.Model{}, m)
}

func TestNewModelHMMBadTransitions(t *testing.T) {

	conf := &Config{Model: "HMM", HMM: HMM{
		Size:        3,
		InitStates:  []int{0},
		FinalStates: []int{2},
		Transitions: [][]float64{{1, 0}, {0, 1}},
	}}
	_, err := NewModel(conf, []float64{0}, []float64{1})
	require.Error(t, err)
	assert.IsType(t, &model.DimensionError{}, err)
}

func TestNewModelPPCA(t *testing.T) {

	conf := &Config{Model: "PPCA", PPCA: PPCA{LatentDim: 2}}
	m, err := NewModel(conf, []float64{0, 0, 0}, []float64{1, 1, 1})
	require.NoError(t, err)

	ppca, ok := m.(*subspace.Model)
	require.True(t, ok)
	assert.Equal(t, 2, ppca.LatentDim())
}

func TestNewModelPLDA(t *testing.T) {

	conf := &Config{Model: "PLDASet", PLDA: PLDA{Size: 3, NoiseDim: 2, ClassDim: 1}}
	m, err := NewModel(conf, []float64{0, 0, 0, 0}, []float64{1, 1, 1, 1})
	require.NoError(t, err)

	set, ok := m.(*subspace.Set)
	require.True(t, ok)
	assert.Equal(t, 3, set.Len())
}

type unitCoder struct{}

func (unitCoder) Encode(data *mat.Dense) vae.Posterior   { return unitPost(data) }
func (unitCoder) Decode(latent *mat.Dense) vae.Posterior { return unitPost(latent) }

func unitPost(center *mat.Dense) vae.Posterior {
	r, c := center.Dims()
	vr := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			vr.Set(i, j, 1)
		}
	}
	return vae.NewNormalDiag(mat.DenseCopyOf(center), vr)
}

func TestNewVAE(t *testing.T) {

	conf := &Config{Model: "VAE", Name: "vae", VAE: VAE{LatentDim: 2, NSamples: 3}}
	coder := unitCoder{}
	m, err := NewVAE(conf, coder, coder, []float64{0, 0, 0}, []float64{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, "vae", m.Name())

	// The plain factory cannot build a VAE: the networks are external.
	_, err = NewModel(conf, []float64{0}, []float64{1})
	require.Error(t, err)

	_, err = NewVAE(&Config{Model: "PPCA"}, coder, coder, []float64{0}, []float64{1})
	require.Error(t, err)
}

func TestNewModelUnknownType(t *testing.T) {

	_, err := NewModel(&Config{Model: "Boltzmann"}, []float64{0}, []float64{1})
	require.Error(t, err)
	assert.IsType(t, &model.UnknownModelTypeError{}, err)
}
