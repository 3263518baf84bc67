// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"math/rand/v2"
	"sort"

	"github.com/gomlx/slidegnn/pkg/slidegraph"
	"gonum.org/v1/gonum/floats"
)

// Sampler defines the order in which the slides of a split are visited in each epoch.
//
// Order must be deterministic for a given epoch, and the returned positions are in [0, n), where n is the
// size of the split.
type Sampler interface {
	Order(epoch int) []int
}

// SequentialSampler visits all slides in split order, every epoch.
type SequentialSampler struct {
	N int
}

// Order implements Sampler.
func (s SequentialSampler) Order(int) []int {
	order := make([]int, s.N)
	for i := range order {
		order[i] = i
	}
	return order
}

// RandomSampler visits all slides once per epoch, in a random order seeded by (Seed, epoch).
type RandomSampler struct {
	N    int
	Seed uint64
}

// Order implements Sampler.
func (s RandomSampler) Order(epoch int) []int {
	rng := rand.New(rand.NewPCG(s.Seed, uint64(epoch)))
	return rng.Perm(s.N)
}

// WeightedSampler draws len(Weights) slides per epoch, with replacement, each with probability
// proportional to its weight. Draws are seeded by (Seed, epoch).
type WeightedSampler struct {
	Weights []float64
	Seed    uint64
}

// Order implements Sampler.
func (s WeightedSampler) Order(epoch int) []int {
	n := len(s.Weights)
	if n == 0 {
		return nil
	}
	cumulative := make([]float64, n)
	floats.CumSum(cumulative, s.Weights)
	total := cumulative[n-1]
	order := make([]int, n)
	if total <= 0 {
		return SequentialSampler{N: n}.Order(epoch)
	}
	rng := rand.New(rand.NewPCG(s.Seed, uint64(epoch)))
	for i := range order {
		target := rng.Float64() * total
		idx := sort.Search(n, func(j int) bool { return cumulative[j] > target })
		order[i] = min(idx, n-1)
	}
	return order
}

// BalancedSampleWeights returns a weight per slide of the split that balances the classes: each slide
// is weighted by len(split) / (number of slides of its class).
func BalancedSampleWeights(split *Split) []float64 {
	n := split.Len()
	counts := classCounts(split.ClassIndices())
	weights := make([]float64, n)
	for i, label := range split.Labels() {
		weights[i] = float64(n) / float64(counts[label])
	}
	return weights
}

// BalancedClassWeights returns per-class loss weights, n_samples / (n_observed_classes * class_count),
// for the classes observed in labels. Classes not observed get weight 0.
func BalancedClassWeights(labels []slidegraph.Label, numClasses int) []float64 {
	counts := make([]int, numClasses)
	for _, label := range labels {
		counts[label]++
	}
	var numObserved int
	for _, count := range counts {
		if count > 0 {
			numObserved++
		}
	}
	weights := make([]float64, numClasses)
	for c, count := range counts {
		if count > 0 {
			weights[c] = float64(len(labels)) / float64(numObserved*count)
		}
	}
	return weights
}
