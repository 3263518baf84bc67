// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gnn

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// ModelFn adapts the classifier to a train.ModelFn.
//
// The inputs are [features, adjacency, mask] for one graph, and it returns [logProbs]. During
// training the auxiliary losses, scaled by ParamAuxLossWeight, are added to the loss with
// train.AddLoss.
func ModelFn(model Classifier) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		if len(inputs) != 3 {
			Panicf("%s model expects 3 inputs (features, adjacency, mask), got %d", model.Name(), len(inputs))
		}
		g := inputs[0].Graph()
		logProbs, linkLoss, entropyLoss := model.Forward(ctx, inputs[0], inputs[1], inputs[2])
		if ctx.IsTraining(g) {
			if weight := context.GetParamOr(ctx, ParamAuxLossWeight, 1.0); weight > 0 {
				train.AddLoss(ctx, MulScalar(Add(linkLoss, entropyLoss), weight))
			}
		}
		return []*Node{logProbs}
	}
}

// PredictFn returns the class probabilities, shaped [1, C], of one graph. It is meant to be used with
// context.NewExec, with the training flag off.
func PredictFn(model Classifier) func(ctx *context.Context, features, adjacency, mask *Node) *Node {
	return func(ctx *context.Context, features, adjacency, mask *Node) *Node {
		logProbs, _, _ := model.Forward(ctx, features, adjacency, mask)
		return Exp(logProbs)
	}
}

// LossFn returns the negative log-likelihood of the labels, given the log-probabilities returned by
// the model.
//
// If classWeights is not nil, each example's loss is multiplied by the weight of its class.
func LossFn(classWeights []float64) losses.LossFn {
	return func(labels, predictions []*Node) *Node {
		// The log-softmax of log-probabilities is the identity, so the cross-entropy on "logits"
		// is the negative log-likelihood.
		if classWeights == nil {
			return losses.SparseCategoricalCrossEntropyLogits(labels[:1], predictions)
		}
		logProbs := predictions[0]
		numClasses := logProbs.Shape().Dimensions[logProbs.Rank()-1]
		if len(classWeights) != numClasses {
			Panicf("got %d class weights for a model with %d classes", len(classWeights), numClasses)
		}
		g := logProbs.Graph()
		labelsIdx := labels[0]
		oneHot := OneHot(Reshape(labelsIdx, labelsIdx.Shape().Dimensions[:labelsIdx.Rank()-1]...), numClasses, logProbs.DType())
		table := ConvertDType(Const(g, classWeights), logProbs.DType())
		weights := ReduceSum(Mul(oneHot, InsertAxes(table, 0)), -1)
		return losses.SparseCategoricalCrossEntropyLogits([]*Node{labelsIdx, weights}, predictions)
	}
}
