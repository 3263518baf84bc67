// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gnn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// NumTopKStages is the number of convolution and pooling stages of the TopK model.
const NumTopKStages = 3

// TopK is a hierarchical classifier: 3 stages of GraphConv, ReLU and TopK pooling. The readouts
// (max and mean) of the stages are summed and classified by a 3 layers head with dropout.
type TopK struct {
	NumClasses  int
	HiddenDim   int
	Ratio       float64
	DropoutRate float64
}

var _ Classifier = (*TopK)(nil)

// Name implements Classifier.
func (m *TopK) Name() string { return ModelTopK }

// Forward implements Classifier. The auxiliary losses are zero.
func (m *TopK) Forward(ctx *context.Context, features, adjacency, mask *Node) (logProbs, linkLoss, entropyLoss *Node) {
	g := features.Graph()
	dtype := features.DType()
	x := features
	var readout *Node
	for stage := range NumTopKStages {
		stageCtx := ctx.Inf("%03d_stage", stage)
		x = activations.Relu(GraphConv(stageCtx.In("conv"), x, adjacency, m.HiddenDim))
		x, adjacency, mask = TopKPool(stageCtx.In("pool"), x, adjacency, mask, m.Ratio)
		if readout == nil {
			readout = Readout(x, mask)
		} else {
			readout = Add(readout, Readout(x, mask))
		}
	}

	headCtx := ctx.In("head")
	dropoutRate := Scalar(g, dtype, m.DropoutRate)
	logits := InsertAxes(readout, 0)
	for i, dim := range []int{128, 64} {
		logits = layers.DropoutNormalize(headCtx.Inf("%03d_dropout", i), logits, dropoutRate, true)
		logits = activations.Relu(layers.Dense(headCtx.Inf("%03d_dense", i), logits, true, dim))
	}
	logits = layers.DropoutNormalize(headCtx.In("002_dropout"), logits, dropoutRate, true)
	logits = layers.Dense(headCtx.In("002_dense"), logits, true, m.NumClasses)
	logProbs = LogSoftmax(logits, -1)

	zero := Scalar(g, dtype, 0)
	return logProbs, zero, zero
}
