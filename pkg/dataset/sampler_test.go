// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"slices"
	"testing"

	"github.com/gomlx/slidegnn/pkg/slidegraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialSampler(t *testing.T) {
	s := SequentialSampler{N: 4}
	assert.Equal(t, []int{0, 1, 2, 3}, s.Order(0))
	assert.Equal(t, s.Order(0), s.Order(7))
	assert.Empty(t, SequentialSampler{}.Order(0))
}

func TestRandomSampler(t *testing.T) {
	s := RandomSampler{N: 50, Seed: 42}
	epoch0 := s.Order(0)
	assert.Equal(t, epoch0, RandomSampler{N: 50, Seed: 42}.Order(0), "same seed and epoch must give the same order")
	assert.NotEqual(t, epoch0, s.Order(1), "epochs should be shuffled differently")

	// Every slide is visited exactly once.
	sorted := slices.Clone(epoch0)
	slices.Sort(sorted)
	assert.Equal(t, SequentialSampler{N: 50}.Order(0), sorted)
}

func TestWeightedSampler(t *testing.T) {
	s := WeightedSampler{Weights: []float64{0, 1, 0, 3}, Seed: 7}
	order := s.Order(3)
	require.Len(t, order, 4)
	assert.Equal(t, order, s.Order(3))
	for _, idx := range order {
		assert.Contains(t, []int{1, 3}, idx, "zero weight slides must never be drawn")
	}

	// Frequencies follow the weights.
	s = WeightedSampler{Weights: make([]float64, 1000), Seed: 1}
	for i := range s.Weights {
		if i%2 == 0 {
			s.Weights[i] = 3
		} else {
			s.Weights[i] = 1
		}
	}
	var even int
	for _, idx := range s.Order(0) {
		if idx%2 == 0 {
			even++
		}
	}
	assert.InDelta(t, 750, even, 60)

	assert.Nil(t, WeightedSampler{}.Order(0))
	assert.Equal(t, []int{0, 1}, WeightedSampler{Weights: []float64{0, 0}}.Order(0))
}

func TestBalancedWeights(t *testing.T) {
	labels := []slidegraph.Label{0, 0, 0, 1, 2, 2}
	split := NewSplit("train", graphsWithLabels(labels...))
	assert.Equal(t, []float64{2, 2, 2, 6, 3, 3}, BalancedSampleWeights(split))
	assert.Empty(t, BalancedSampleWeights(nil))

	// 6 samples, 3 observed classes: 6/(3*count).
	weights := BalancedClassWeights(labels, slidegraph.NumLabels)
	assert.InDeltaSlice(t, []float64{2.0 / 3.0, 2, 1, 0, 0}, weights, 1e-9)
}

func graphsWithLabels(labels ...slidegraph.Label) []*slidegraph.Graph {
	graphs := make([]*slidegraph.Graph, len(labels))
	for i, label := range labels {
		graphs[i] = &slidegraph.Graph{
			ID:          string(rune('a' + i)),
			Label:       label,
			FeatureDim:  1,
			Features:    []float32{float32(i)},
			Coordinates: make([][2]float64, 1),
		}
	}
	return graphs
}
