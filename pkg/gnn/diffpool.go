// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gnn

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// ClusterSizes returns the number of clusters of each DiffPool level: the first level pools to
// ceil(0.5·factor·maxNodes) clusters, and each of the following poolingLayers-2 levels keeps
// ceil(factor·previous).
func ClusterSizes(maxNodes int, factor float64, poolingLayers int) []int {
	sizes := make([]int, 0, max(poolingLayers-1, 1))
	size := int(math.Ceil(0.5 * factor * float64(maxNodes)))
	sizes = append(sizes, size)
	for range poolingLayers - 2 {
		size = int(math.Ceil(factor * float64(size)))
		sizes = append(sizes, size)
	}
	return sizes
}

// DiffPool is a hierarchical classifier with learned soft cluster assignments.
//
// Each level runs two GNN blocks on the current graph: "pool" computes the assignment of the nodes
// to ClusterSizes[level] clusters and "embed" computes the node embeddings, which are then pooled
// with DenseDiffPool. A final "embed" block, mean over the remaining clusters and a 2 layers head
// produce the class log-probabilities.
type DiffPool struct {
	NumClasses    int
	EmbeddingSize int
	ClusterSizes  []int
}

var _ Classifier = (*DiffPool)(nil)

// Name implements Classifier.
func (m *DiffPool) Name() string { return ModelDiffPool }

// Forward implements Classifier. The link and entropy losses are summed over the levels.
func (m *DiffPool) Forward(ctx *context.Context, features, adjacency, mask *Node) (logProbs, linkLoss, entropyLoss *Node) {
	g := features.Graph()
	dtype := features.DType()
	linkLoss = Scalar(g, dtype, 0)
	entropyLoss = Scalar(g, dtype, 0)

	x := features
	embedDim := m.EmbeddingSize
	for level, numClusters := range m.ClusterSizes {
		levelCtx := ctx.Inf("%03d_level", level)
		assignment := GNNBlock(levelCtx.In("pool"), x, adjacency, mask, embedDim, numClusters, true)
		x = GNNBlock(levelCtx.In("embed"), x, adjacency, mask, embedDim, embedDim, false)
		var link, entropy *Node
		x, adjacency, link, entropy = DenseDiffPool(x, adjacency, assignment, mask)
		linkLoss = Add(linkLoss, link)
		entropyLoss = Add(entropyLoss, entropy)

		// All clusters are valid nodes of the pooled graph.
		mask = Const(g, allTrue(numClusters))
	}
	x = GNNBlock(ctx.In("final_embed"), x, adjacency, mask, embedDim, embedDim, false)

	headCtx := ctx.In("head")
	logits := InsertAxes(MaskedReduceMean(x, mask, 0), 0)
	logits = activations.Relu(layers.Dense(headCtx.In("000_dense"), logits, true, embedDim))
	logits = layers.Dense(headCtx.In("001_dense"), logits, true, m.NumClasses)
	logProbs = LogSoftmax(logits, -1)
	return
}

func allTrue(n int) []bool {
	values := make([]bool, n)
	for i := range values {
		values[i] = true
	}
	return values
}
