// Copyright (c) 2018 BOOTPHON, All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package beer

import (
	"encoding/json"
	"math"
	"os"

	"github.com/bootphon/beer/model"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DataStats accumulates the global first and second order moments of
// a data set, one utterance at a time. The resulting mean and
// variance are the usual initialization moments handed to NewModel.
type DataStats struct {
	Dim     int       `json:"dim"`
	Sum     []float64 `json:"sum"`
	SqSum   []float64 `json:"square_sum"`
	NFrames int       `json:"nframes"`
}

// NewDataStats creates an empty accumulator for dim-dimensional data.
func NewDataStats(dim int) *DataStats {
	return &DataStats{
		Dim:   dim,
		Sum:   make([]float64, dim),
		SqSum: make([]float64, dim),
	}
}

// Accumulate adds the frames of one utterance.
func (s *DataStats) Accumulate(data *mat.Dense) error {
	nframes, d := data.Dims()
	if d != s.Dim {
		return &model.DimensionError{Model: "DataStats", Got: d, Want: s.Dim}
	}
	for t := 0; t < nframes; t++ {
		row := data.RawRowView(t)
		floats.Add(s.Sum, row)
		for i, v := range row {
			s.SqSum[i] += v * v
		}
	}
	s.NFrames += nframes
	return nil
}

// Mean returns the global mean of the accumulated frames.
func (s *DataStats) Mean() []float64 {
	mean := make([]float64, s.Dim)
	n := float64(s.NFrames)
	for i, v := range s.Sum {
		mean[i] = v / n
	}
	return mean
}

// Var returns the global variance of the accumulated frames.
func (s *DataStats) Var() []float64 {
	mean := s.Mean()
	vr := make([]float64, s.Dim)
	n := float64(s.NFrames)
	for i, v := range s.SqSum {
		vr[i] = v/n - mean[i]*mean[i]
	}
	return vr
}

// Std returns the global standard deviation of the accumulated frames.
func (s *DataStats) Std() []float64 {
	std := s.Var()
	for i, v := range std {
		std[i] = math.Sqrt(v)
	}
	return std
}

// WriteFile writes the accumulated statistics to a JSON file.
func (s *DataStats) WriteFile(fn string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "writing data stats")
	}
	return os.WriteFile(fn, b, 0644)
}

// ReadDataStatsFile reads accumulated statistics from a JSON file.
func ReadDataStatsFile(fn string) (*DataStats, error) {
	b, err := os.ReadFile(fn)
	if err != nil {
		return nil, errors.Wrap(err, "reading data stats")
	}
	s := &DataStats{}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, errors.Wrap(err, "parsing data stats")
	}
	return s, nil
}
