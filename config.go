// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package beer assembles Bayesian generative models from configuration
records: Gaussian models and model sets, mixtures, hidden Markov
models, and linear subspace models (PPCA, PLDA). Every model trains
through the same variational protocol: map data to sufficient
statistics, run Forward to get expected log-likelihoods, Accumulate
natural-parameter increments, and add them to the conjugate
posteriors.
*/
package beer

import (
	"math"
	"math/rand"
	"os"

	"github.com/bootphon/beer/expfamily"
	"github.com/bootphon/beer/model"
	"github.com/bootphon/beer/model/hmm"
	"github.com/bootphon/beer/model/mixture"
	"github.com/bootphon/beer/model/normal"
	"github.com/bootphon/beer/model/subspace"
	"github.com/bootphon/beer/model/vae"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	yaml "gopkg.in/yaml.v2"
)

// Config describes a model to be created by NewModel.
type Config struct {
	Model string `yaml:"model" json:"model"`
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`

	// PseudoCounts is the strength of the conjugate priors.
	// Zero means 1.
	PseudoCounts float64 `yaml:"pseudo_counts,omitempty" json:"pseudo_counts,omitempty"`

	// GeneratorSeed seeds the jitter used to break the symmetry of
	// model set initializations.
	GeneratorSeed int64 `yaml:"generator_seed,omitempty" json:"generator_seed,omitempty"`

	Normal  Normal  `yaml:"normal,omitempty" json:"normal,omitempty"`
	Set     Set     `yaml:"set,omitempty" json:"set,omitempty"`
	Mixture Mixture `yaml:"mixture,omitempty" json:"mixture,omitempty"`
	HMM     HMM     `yaml:"hmm,omitempty" json:"hmm,omitempty"`
	PPCA    PPCA    `yaml:"ppca,omitempty" json:"ppca,omitempty"`
	PLDA    PLDA    `yaml:"plda,omitempty" json:"plda,omitempty"`
	VAE     VAE     `yaml:"vae,omitempty" json:"vae,omitempty"`
}

// Normal configures a single Gaussian model.
type Normal struct {
	Covariance string `yaml:"covariance,omitempty" json:"covariance,omitempty"`
}

// Set configures a Gaussian model set.
type Set struct {
	Size       int    `yaml:"size,omitempty" json:"size,omitempty"`
	Covariance string `yaml:"covariance,omitempty" json:"covariance,omitempty"`
}

// Mixture configures a Bayesian mixture over a Gaussian set.
type Mixture struct {
	Size       int    `yaml:"size,omitempty" json:"size,omitempty"`
	Covariance string `yaml:"covariance,omitempty" json:"covariance,omitempty"`
}

// HMM configures a hidden Markov model over a Gaussian set.
type HMM struct {
	Size        int         `yaml:"size,omitempty" json:"size,omitempty"`
	Covariance  string      `yaml:"covariance,omitempty" json:"covariance,omitempty"`
	InitStates  []int       `yaml:"init_states,omitempty" json:"init_states,omitempty"`
	FinalStates []int       `yaml:"final_states,omitempty" json:"final_states,omitempty"`
	Transitions [][]float64 `yaml:"transitions,omitempty" json:"transitions,omitempty"`
	UpdateTP    bool        `yaml:"update_tp,omitempty" json:"update_tp,omitempty"`
}

// PPCA configures a probabilistic principal component model.
type PPCA struct {
	LatentDim int     `yaml:"latent_dim,omitempty" json:"latent_dim,omitempty"`
	Precision float64 `yaml:"precision,omitempty" json:"precision,omitempty"`
}

// PLDA configures a probabilistic linear discriminant model.
type PLDA struct {
	Size      int     `yaml:"size,omitempty" json:"size,omitempty"`
	NoiseDim  int     `yaml:"noise_dim,omitempty" json:"noise_dim,omitempty"`
	ClassDim  int     `yaml:"class_dim,omitempty" json:"class_dim,omitempty"`
	Precision float64 `yaml:"precision,omitempty" json:"precision,omitempty"`
}

// VAE configures a variational autoencoder over a PPCA latent prior.
// The encoder and decoder networks live outside the library and are
// supplied to NewVAE directly.
type VAE struct {
	LatentDim int     `yaml:"latent_dim,omitempty" json:"latent_dim,omitempty"`
	Precision float64 `yaml:"precision,omitempty" json:"precision,omitempty"`
	NSamples  int     `yaml:"nsamples,omitempty" json:"nsamples,omitempty"`
}

// ReadConfig reads a YAML model configuration from a file.
func ReadConfig(fn string) (*Config, error) {
	b, err := os.ReadFile(fn)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	conf := &Config{}
	if err := yaml.Unmarshal(b, conf); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	return conf, nil
}

// NewModel creates a model from a configuration record and
// initialization moments. mean and variance are the global moments of
// the data, used to center the priors.
func NewModel(conf *Config, mean, variance []float64) (model.Model, error) {
	count := conf.PseudoCounts
	if count == 0 {
		count = 1
	}
	r := rand.New(rand.NewSource(conf.GeneratorSeed))

	switch conf.Model {
	case "Normal":
		if conf.Normal.Covariance == "full" {
			return normal.NewFull(mean, diagCov(variance), count, normalName(conf.Name)...)
		}
		return normal.NewDiag(mean, variance, count, normalName(conf.Name)...)

	case "NormalSet":
		return newNormalSet(conf.Name, conf.Set.Size, conf.Set.Covariance, mean, variance, count, r)

	case "Mixture":
		comps, err := newNormalSet("", conf.Mixture.Size, conf.Mixture.Covariance, mean, variance, count, r)
		if err != nil {
			return nil, err
		}
		opts := []mixture.Option{}
		if conf.Name != "" {
			opts = append(opts, mixture.Name(conf.Name))
		}
		return mixture.NewModel(comps, count, opts...)

	case "HMM":
		comps, err := newNormalSet("", conf.HMM.Size, conf.HMM.Covariance, mean, variance, count, r)
		if err != nil {
			return nil, err
		}
		transMat, err := transitions(conf.HMM)
		if err != nil {
			return nil, err
		}
		opts := []hmm.Option{hmm.UpdateTP(conf.HMM.UpdateTP)}
		if conf.Name != "" {
			opts = append(opts, hmm.Name(conf.Name))
		}
		return hmm.NewModel(conf.HMM.InitStates, conf.HMM.FinalStates, transMat, comps, opts...)

	case "PPCA":
		sub := randomSubspace(r, conf.PPCA.LatentDim, len(mean), variance)
		opts := []subspace.Option{}
		if conf.Name != "" {
			opts = append(opts, subspace.Name(conf.Name))
		}
		return subspace.NewModel(mean, precisionOrDefault(conf.PPCA.Precision), sub, count, opts...)

	case "PLDASet":
		noiseSub := randomSubspace(r, conf.PLDA.NoiseDim, len(mean), variance)
		classSub := randomSubspace(r, conf.PLDA.ClassDim, len(mean), variance)
		classMeans := mat.NewDense(conf.PLDA.Size, conf.PLDA.ClassDim, nil)
		for i := 0; i < conf.PLDA.Size; i++ {
			row := classMeans.RawRowView(i)
			for j := range row {
				row[j] = r.NormFloat64()
			}
		}
		opts := []subspace.SetOption{}
		if conf.Name != "" {
			opts = append(opts, subspace.SetName(conf.Name))
		}
		return subspace.NewSet(mean, precisionOrDefault(conf.PLDA.Precision),
			noiseSub, classSub, classMeans, count, opts...)

	case "VAE":
		return nil, errors.New("VAE models need an encoder/decoder pair, use NewVAE")
	}
	return nil, &model.UnknownModelTypeError{Type: conf.Model}
}

// NewVAE creates a variational autoencoder from a configuration record
// and the external encoder/decoder pair. mean and variance are the
// moments of the encoder's latent space, used to center the latent
// prior.
func NewVAE(conf *Config, enc vae.Encoder, dec vae.Decoder, mean, variance []float64) (*vae.Model, error) {
	if conf.Model != "VAE" {
		return nil, &model.UnknownModelTypeError{Type: conf.Model}
	}
	count := conf.PseudoCounts
	if count == 0 {
		count = 1
	}
	r := rand.New(rand.NewSource(conf.GeneratorSeed))
	sub := randomSubspace(r, conf.VAE.LatentDim, len(mean), variance)
	prior, err := subspace.NewModel(mean, precisionOrDefault(conf.VAE.Precision), sub, count)
	if err != nil {
		return nil, err
	}
	opts := []vae.Option{}
	if conf.Name != "" {
		opts = append(opts, vae.Name(conf.Name))
	}
	if conf.VAE.NSamples > 0 {
		opts = append(opts, vae.NSamples(conf.VAE.NSamples))
	}
	return vae.NewModel(enc, dec, prior, opts...), nil
}

func normalName(name string) []normal.Option {
	if name == "" {
		return nil
	}
	return []normal.Option{normal.Name(name)}
}

func precisionOrDefault(p float64) float64 {
	if p == 0 {
		return 1
	}
	return p
}

func diagCov(variance []float64) *mat.SymDense {
	d := len(variance)
	cov := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		cov.SetSym(i, i, variance[i])
	}
	return cov
}

// randomSubspace draws a rows x cols matrix with entries scaled by
// the data standard deviation, to give subspace training a
// symmetry-broken starting point.
func randomSubspace(r *rand.Rand, rows, cols int, variance []float64) *mat.Dense {
	sub := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		row := sub.RawRowView(i)
		for j := 0; j < cols; j++ {
			row[j] = r.NormFloat64() * math.Sqrt(variance[j])
		}
	}
	return sub
}

// newNormalSet builds a Gaussian model set with a shared prior
// centered on the data moments and jittered per-component posteriors.
func newNormalSet(name string, size int, covariance string, mean, variance []float64, count float64, r *rand.Rand) (model.Set, error) {
	var prior *expfamily.Dist
	var err error
	if covariance == "full" {
		prior, err = expfamily.NewNormalWishart(mean, diagCov(variance), count)
	} else {
		precision := make([]float64, len(variance))
		for i, v := range variance {
			precision[i] = 1 / v
		}
		prior, err = expfamily.NewNormalGamma(mean, precision, count)
	}
	if err != nil {
		return nil, err
	}

	posts := make([]*expfamily.Dist, size)
	for i := 0; i < size; i++ {
		jittered := make([]float64, len(mean))
		for j := range mean {
			jittered[j] = mean[j] + 0.1*r.NormFloat64()*math.Sqrt(variance[j])
		}
		var post *expfamily.Dist
		if covariance == "full" {
			post, err = expfamily.NewNormalWishart(jittered, diagCov(variance), count)
		} else {
			precision := make([]float64, len(variance))
			for j, v := range variance {
				precision[j] = 1 / v
			}
			post, err = expfamily.NewNormalGamma(jittered, precision, count)
		}
		if err != nil {
			return nil, err
		}
		posts[i] = post
	}

	opts := []normal.SetOption{}
	if name != "" {
		opts = append(opts, normal.SetName(name))
	}
	return normal.NewSet(prior, posts, size, opts...)
}

// transitions builds and checks the transition matrix of an HMM
// configuration. An empty table defaults to a uniform matrix.
func transitions(conf HMM) (*mat.Dense, error) {
	n := conf.Size
	if len(conf.Transitions) == 0 {
		transMat := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			row := transMat.RawRowView(i)
			for j := range row {
				row[j] = 1 / float64(n)
			}
		}
		return transMat, nil
	}
	if len(conf.Transitions) != n {
		return nil, &model.DimensionError{Model: "HMM", Got: len(conf.Transitions), Want: n}
	}
	transMat := mat.NewDense(n, n, nil)
	for i, row := range conf.Transitions {
		if len(row) != n {
			return nil, &model.DimensionError{Model: "HMM", Got: len(row), Want: n}
		}
		transMat.SetRow(i, row)
	}
	return transMat, nil
}
