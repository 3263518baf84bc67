// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gnn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gopjrt/dtypes"
)

// GraphConv is the graph convolution `x·W_root + (A·x)·W_neighbors + b`: each node combines its own
// state with the sum of its neighbors' states.
//
// x is shaped [P, F] and adjacency [P, P]. It returns [P, outputDim].
func GraphConv(ctx *context.Context, x, adjacency *Node, outputDim int) *Node {
	root := layers.Dense(ctx.In("root"), x, false, outputDim)
	neighbors := layers.Dense(ctx.In("neighbors"), MatMul(adjacency, x), true, outputDim)
	return Add(root, neighbors)
}

// GCNConv is the graph convolution of Kipf & Welling on a dense adjacency: self-loops are added to
// the valid nodes and the adjacency is normalized symmetrically, `D^-½·(A+I)·D^-½·x·W + b`.
//
// x is shaped [P, F], adjacency [P, P] and mask [P]. Padding rows of the output are zero.
func GCNConv(ctx *context.Context, x, adjacency, mask *Node, outputDim int) *Node {
	normalized := normalizeAdjacency(adjacency, mask)
	output := layers.Dense(ctx, MatMul(normalized, x), true, outputDim)
	return maskRows(output, mask)
}

// normalizeAdjacency returns D^-½·(A+I)·D^-½, with self-loops only on the valid nodes.
// Degrees are clamped to 1, so padding rows and columns stay zero.
func normalizeAdjacency(adjacency, mask *Node) *Node {
	g := adjacency.Graph()
	n := adjacency.Shape().Dimensions[0]
	diagonal := Equal(
		Iota(g, shapes.Make(dtypes.Int32, n, n), 0),
		Iota(g, shapes.Make(dtypes.Int32, n, n), 1))
	selfLoops := LogicalAnd(diagonal, BroadcastToDims(InsertAxes(mask, -1), n, n))
	withLoops := Where(selfLoops, OnesLike(adjacency), adjacency)
	degrees := MaxScalar(ReduceSum(withLoops, -1), 1)
	invSqrtDegrees := Rsqrt(degrees)
	return Mul(Mul(InsertAxes(invSqrtDegrees, -1), withLoops), InsertAxes(invSqrtDegrees, 0))
}

// maskRows zeroes the rows of x (shaped [P, ...]) where mask (shaped [P]) is false.
func maskRows(x, mask *Node) *Node {
	return Where(mask, x, ZerosLike(x))
}

// batchNormAt applies the i-th batch normalization of a block, over the node axis. The
// normalizations of a block live in the scopes "bn/0", "bn/1", ...
func batchNormAt(ctx *context.Context, i int, x *Node) *Node {
	return batchnorm.New(ctx.In("bn").Inf("%d", i), x, -1).Done()
}

// BlockOutputDim returns the width of the output of GNNBlock.
func BlockOutputDim(hiddenDim, outputDim int, withProjection bool) int {
	if withProjection {
		return outputDim
	}
	return 2*hiddenDim + outputDim
}

// GNNBlock applies 3 GCN convolutions, each followed by ReLU and batch normalization, and
// concatenates the 3 outputs. The first two have hiddenDim units, the last outputDim.
//
// If withProjection, the concatenation is projected to outputDim units, followed by ReLU.
// See BlockOutputDim for the width of the result. Padding rows of the output are zero.
func GNNBlock(ctx *context.Context, x, adjacency, mask *Node, hiddenDim, outputDim int, withProjection bool) *Node {
	dims := []int{hiddenDim, hiddenDim, outputDim}
	outputs := make([]*Node, 0, len(dims))
	for i, dim := range dims {
		x = GCNConv(ctx.In("conv").Inf("%d", i), x, adjacency, mask, dim)
		x = activations.Relu(x)
		x = maskRows(batchNormAt(ctx, i, x), mask)
		outputs = append(outputs, x)
	}
	x = Concatenate(outputs, -1)
	if withProjection {
		x = activations.Relu(layers.Dense(ctx.In("lin"), x, true, outputDim))
		x = maskRows(x, mask)
	}
	return x
}
