// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package slidegraph builds one graph per tissue slide: nodes are the slide's patches (with their
// precomputed feature vectors), and undirected edges connect patches whose coordinates are
// spatially close.
package slidegraph

// Graph of one slide.
//
// Features is row-major [NumNodes, FeatureDim], Coordinates has one entry per node in the same order,
// and Edges lists each undirected edge once, as (i, j) with i < j.
type Graph struct {
	ID          string
	Label       Label
	FeatureDim  int
	Features    []float32
	Coordinates [][2]float64
	Edges       [][2]int32
}

// NumNodes in the graph.
func (g *Graph) NumNodes() int {
	return len(g.Coordinates)
}

// NumEdges returns the number of undirected edges.
func (g *Graph) NumEdges() int {
	return len(g.Edges)
}

// NodeFeatures returns the feature vector of node i. It shares the underlying storage.
func (g *Graph) NodeFeatures(i int) []float32 {
	return g.Features[i*g.FeatureDim : (i+1)*g.FeatureDim]
}

// Degrees returns the number of neighbors of each node.
func (g *Graph) Degrees() []int {
	degrees := make([]int, g.NumNodes())
	for _, e := range g.Edges {
		degrees[e[0]]++
		degrees[e[1]]++
	}
	return degrees
}

// PaddedFeatures returns the features as a row-major [paddedSize, FeatureDim] matrix, with zeros on the
// padding rows. It panics if paddedSize < NumNodes.
func (g *Graph) PaddedFeatures(paddedSize int) []float32 {
	g.checkPadding(paddedSize)
	padded := make([]float32, paddedSize*g.FeatureDim)
	copy(padded, g.Features)
	return padded
}

// DenseAdjacency returns the symmetric 0/1 adjacency matrix, row-major [paddedSize, paddedSize].
// Padding rows and columns are zero and the diagonal is always zero.
func (g *Graph) DenseAdjacency(paddedSize int) []float32 {
	g.checkPadding(paddedSize)
	adjacency := make([]float32, paddedSize*paddedSize)
	for _, e := range g.Edges {
		i, j := int(e[0]), int(e[1])
		adjacency[i*paddedSize+j] = 1
		adjacency[j*paddedSize+i] = 1
	}
	return adjacency
}

// Mask returns which of the paddedSize positions hold real nodes.
func (g *Graph) Mask(paddedSize int) []bool {
	g.checkPadding(paddedSize)
	mask := make([]bool, paddedSize)
	for i := range g.NumNodes() {
		mask[i] = true
	}
	return mask
}

// Memory returns an approximation of the bytes used by the graph.
func (g *Graph) Memory() uint64 {
	return uint64(4*len(g.Features) + 16*len(g.Coordinates) + 8*len(g.Edges) + len(g.ID))
}

func (g *Graph) checkPadding(paddedSize int) {
	if paddedSize < g.NumNodes() {
		panic("slidegraph: padded size smaller than the number of nodes")
	}
}
