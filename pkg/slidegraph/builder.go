// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slidegraph

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// DefaultDistanceThreshold is the maximum Euclidean distance, in slide coordinates (pixels at the
// patching magnification), for two patches to be connected.
const DefaultDistanceThreshold = 10000.0

// DefaultMaxNodes is the default cap on the number of nodes per graph.
const DefaultMaxNodes = 5000

var (
	// ErrShapeMismatch is returned when features and coordinates don't describe the same nodes.
	ErrShapeMismatch = errors.New("features and coordinates shape mismatch")

	// ErrEmptyGraph is returned when a slide has no patches.
	ErrEmptyGraph = errors.New("slide has no patches")
)

// Builder creates slide graphs. It is safe for concurrent use.
type Builder struct {
	// MaxNodes caps the number of nodes: only the first MaxNodes patches are kept.
	MaxNodes int

	// DistanceThreshold is the maximum distance for two nodes to be connected.
	DistanceThreshold float64

	maxNodesSeen atomic.Int64
}

// NewBuilder returns a Builder with the given node cap and the DefaultDistanceThreshold.
func NewBuilder(maxNodes int) *Builder {
	return &Builder{MaxNodes: maxNodes, DistanceThreshold: DefaultDistanceThreshold}
}

// MaxNodesSeen returns the largest number of nodes (after truncation) of the graphs built so far.
func (b *Builder) MaxNodesSeen() int {
	return int(b.maxNodesSeen.Load())
}

// Build the graph of slide id.
//
// features is row-major [N, featureDim] and coords has N entries. If N > MaxNodes, both are truncated
// to their first MaxNodes entries. The slices are not modified, but the returned Graph may share their storage.
func (b *Builder) Build(id string, label Label, features []float32, featureDim int, coords [][2]float64) (*Graph, error) {
	if !label.IsALabel() {
		return nil, errors.Wrapf(ErrUnknownLabel, "slide %q has label %d", id, label)
	}
	if featureDim <= 0 || len(features)%featureDim != 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "slide %q: %d feature values is not a multiple of the feature dimension %d",
			id, len(features), featureDim)
	}
	numNodes := len(features) / featureDim
	if numNodes != len(coords) {
		return nil, errors.Wrapf(ErrShapeMismatch, "slide %q: %d feature vectors but %d coordinates",
			id, numNodes, len(coords))
	}
	if numNodes == 0 {
		return nil, errors.Wrapf(ErrEmptyGraph, "slide %q", id)
	}
	if b.MaxNodes > 0 && numNodes > b.MaxNodes {
		numNodes = b.MaxNodes
		features = features[:numNodes*featureDim]
		coords = coords[:numNodes]
	}
	b.updateMaxNodesSeen(numNodes)

	return &Graph{
		ID:          id,
		Label:       label,
		FeatureDim:  featureDim,
		Features:    features,
		Coordinates: coords,
		Edges:       ProximityEdges(coords, b.DistanceThreshold),
	}, nil
}

func (b *Builder) updateMaxNodesSeen(numNodes int) {
	for {
		current := b.maxNodesSeen.Load()
		if int64(numNodes) <= current || b.maxNodesSeen.CompareAndSwap(current, int64(numNodes)) {
			return
		}
	}
}

// ProximityEdges returns the pairs (i, j), i < j, whose Euclidean distance is <= threshold,
// ordered by i and then j.
func ProximityEdges(coords [][2]float64, threshold float64) [][2]int32 {
	var edges [][2]int32
	for i := range coords {
		for j := i + 1; j < len(coords); j++ {
			if floats.Distance(coords[i][:], coords[j][:], 2) <= threshold {
				edges = append(edges, [2]int32{int32(i), int32(j)})
			}
		}
	}
	return edges
}
