// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gnn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// topKNormEpsilon bounds the norm of the TopK projection away from zero.
const topKNormEpsilon = 1e-12

// TopKPool scores the nodes with a learned projection, `score = x·p / |p|`, and keeps the
// ceil(ratio·n) best scoring valid nodes, where n is the number of valid nodes. Ties are broken by
// node position.
//
// Shapes are kept static: dropped nodes are masked out instead of removed. The kept features are
// gated by tanh(score), dropped rows are zeroed and the adjacency is restricted to the kept nodes.
//
// x is shaped [P, F], adjacency [P, P] and mask [P]. It returns the new x, adjacency and mask, with
// the same shapes.
func TopKPool(ctx *context.Context, x, adjacency, mask *Node, ratio float64) (pooledX, pooledAdjacency, pooledMask *Node) {
	g := x.Graph()
	dtype := x.DType()
	n := x.Shape().Dimensions[0]
	featureDim := x.Shape().Dimensions[1]

	// Shaped [F, 1] so the default initializer fills it: rank-1 variables start at zero.
	projection := ctx.VariableWithShape("projection", shapes.Make(dtype, featureDim, 1)).ValueGraph(g)
	projectionNorm := Max(Sqrt(ReduceAllSum(Square(projection))), Scalar(g, dtype, topKNormEpsilon))
	scores := Div(Reshape(MatMul(x, projection), n), projectionNorm)

	pooledMask = LogicalAnd(mask, LessThan(nodeRanks(scores, mask), keepCount(mask, ratio, dtype)))
	gated := Mul(x, InsertAxes(Tanh(scores), -1))
	pooledX = maskRows(gated, pooledMask)
	pooledAdjacency = Mul(adjacency, ConvertDType(pairMask(pooledMask, n), dtype))
	return
}

// nodeRanks returns for each node i the number of valid nodes j that come before it in the order
// of decreasing scores: `s_j > s_i`, or `s_j == s_i` and `j < i`. The ranks of valid nodes are a
// permutation of 0..n-1. The result is shaped [P] with the dtype of scores.
func nodeRanks(scores, mask *Node) *Node {
	g := scores.Graph()
	n := scores.Shape().Dimensions[0]
	scoresI := BroadcastToDims(InsertAxes(scores, -1), n, n)
	scoresJ := BroadcastToDims(InsertAxes(scores, 0), n, n)
	positionI := Iota(g, shapes.Make(dtypes.Int32, n, n), 0)
	positionJ := Iota(g, shapes.Make(dtypes.Int32, n, n), 1)
	before := LogicalOr(
		GreaterThan(scoresJ, scoresI),
		LogicalAnd(Equal(scoresJ, scoresI), LessThan(positionJ, positionI)))
	before = LogicalAnd(before, BroadcastToDims(InsertAxes(mask, 0), n, n))
	return ReduceSum(ConvertDType(before, scores.DType()), -1)
}

// keepCount returns ceil(ratio · number of valid nodes) as a scalar of the given dtype.
func keepCount(mask *Node, ratio float64, dtype dtypes.DType) *Node {
	numValid := ReduceAllSum(ConvertDType(mask, dtype))
	return Ceil(MulScalar(numValid, ratio))
}

// pairMask returns the [n, n] mask that is true where both the row and the column nodes are valid.
func pairMask(mask *Node, n int) *Node {
	return LogicalAnd(
		BroadcastToDims(InsertAxes(mask, -1), n, n),
		BroadcastToDims(InsertAxes(mask, 0), n, n))
}

// Readout summarizes the valid nodes of x (shaped [P, F]) into a graph representation shaped [2·F]:
// the concatenation of the masked max and the masked mean of the node features.
// The mask must have at least one valid node.
func Readout(x, mask *Node) *Node {
	maxPooled := MaskedReduceMax(x, mask, 0)
	meanPooled := MaskedReduceMean(x, mask, 0)
	return Concatenate([]*Node{maxPooled, meanPooled}, -1)
}

// diffPoolEpsilon is added inside the logarithm of the entropy loss.
const diffPoolEpsilon = 1e-15

// DenseDiffPool pools the nodes into clusters, given the cluster assignment logits s.
//
// x is shaped [P, F], adjacency [P, P], s [P, K] and mask [P]. With S = softmax(s) over the
// clusters (padding rows zeroed), it returns:
//
//   - pooledX = Sᵀ·x, shaped [K, F];
//   - pooledAdjacency = Sᵀ·A·S, shaped [K, K];
//   - linkLoss = |A - S·Sᵀ|_F / n², with n the number of valid nodes;
//   - entropyLoss: the mean over the valid nodes of the entropy of their cluster assignment.
func DenseDiffPool(x, adjacency, s, mask *Node) (pooledX, pooledAdjacency, linkLoss, entropyLoss *Node) {
	dtype := x.DType()
	assignment := maskRows(Softmax(s, -1), mask)
	x = maskRows(x, mask)

	assignmentT := Transpose(assignment, 0, 1)
	pooledX = MatMul(assignmentT, x)
	pooledAdjacency = MatMul(MatMul(assignmentT, adjacency), assignment)

	numValid := ReduceAllSum(ConvertDType(mask, dtype))
	linkResidual := Sub(adjacency, MatMul(assignment, assignmentT))
	linkLoss = Div(Sqrt(ReduceAllSum(Square(linkResidual))), Square(numValid))

	nodeEntropy := Neg(ReduceSum(Mul(assignment, Log(AddScalar(assignment, diffPoolEpsilon))), -1))
	entropyLoss = Div(ReduceAllSum(nodeEntropy), numValid)
	return
}
