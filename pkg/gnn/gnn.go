// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gnn implements the slide-level graph classifiers: a hierarchical TopK pooling model and a
// DiffPool model, both working on one dense (padded) graph at a time.
//
// Hyperparameters are read from the context, see the Param* variables.
package gnn

import (
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

var (
	// ParamModel selects the classifier: "topk" (default) or "diffpool".
	ParamModel = "gnn_model"

	// ParamGraphPooling selects the dense pooling operator used by the DiffPool model.
	// Only "diff" (the default) is implemented, "mincut" is recognized but rejected by ValidateParams.
	ParamGraphPooling = "gnn_graph_pooling"

	// ParamPoolingFactor is the fraction of clusters kept from one DiffPool level to the next.
	// The default is 0.6.
	ParamPoolingFactor = "pooling_factor"

	// ParamPoolingLayers is the number of DiffPool pooling levels, it must be at least 2.
	// The default is 3.
	ParamPoolingLayers = "pooling_layers"

	// ParamEmbeddingSize is the width of the DiffPool GNN blocks. The default is 64.
	ParamEmbeddingSize = "embedding_size"

	// ParamDropoutRate is the dropout rate used in the TopK classifier head. The default is 0.5.
	ParamDropoutRate = "drop_out"

	// ParamTopKRatio is the fraction of the valid nodes kept by each TopK pooling stage. The default is 0.8.
	ParamTopKRatio = "gnn_topk_ratio"

	// ParamTopKHiddenDim is the width of the graph convolutions of the TopK model. The default is 128.
	ParamTopKHiddenDim = "gnn_topk_hidden_dim"

	// ParamAuxLossWeight scales the DiffPool link and entropy losses added to the training loss.
	// The default is 1.0. Set to 0 to train on the classification loss only.
	ParamAuxLossWeight = "gnn_aux_loss_weight"
)

// Model names accepted by ParamModel.
const (
	ModelTopK     = "topk"
	ModelDiffPool = "diffpool"
)

// Pooling operators accepted by ParamGraphPooling.
const (
	PoolingDiff   = "diff"
	PoolingMinCut = "mincut"
)

var (
	// ErrNotImplemented is returned for configurations that are recognized but not supported.
	ErrNotImplemented = errors.New("not implemented")

	// ErrInvalidParam is returned for hyperparameters with invalid values.
	ErrInvalidParam = errors.New("invalid hyperparameter")
)

// Classifier maps one graph to the log-probabilities of its class.
//
// Forward takes features shaped [P, F], adjacency [P, P] and mask [P] (true for the real nodes; the
// remaining are padding), and returns logProbs shaped [1, C] and the auxiliary link and entropy
// losses as scalars, zero for models that don't have them.
//
// Model variables are created in (or reused from) ctx.
type Classifier interface {
	Name() string
	Forward(ctx *context.Context, features, adjacency, mask *Node) (logProbs, linkLoss, entropyLoss *Node)
}

// ValidateParams checks the gnn hyperparameters in ctx, without building anything.
func ValidateParams(ctx *context.Context) error {
	model := context.GetParamOr(ctx, ParamModel, ModelTopK)
	if !slices.Contains([]string{ModelTopK, ModelDiffPool}, model) {
		return errors.Wrapf(ErrInvalidParam, "%q=%q, valid values are %q or %q", ParamModel, model, ModelTopK, ModelDiffPool)
	}
	switch pooling := context.GetParamOr(ctx, ParamGraphPooling, PoolingDiff); pooling {
	case PoolingDiff:
	case PoolingMinCut:
		return errors.Wrapf(ErrNotImplemented, "%q=%q: mincut pooling is not available, use %q",
			ParamGraphPooling, pooling, PoolingDiff)
	default:
		return errors.Wrapf(ErrInvalidParam, "%q=%q, valid values are %q or %q",
			ParamGraphPooling, pooling, PoolingDiff, PoolingMinCut)
	}
	if v := context.GetParamOr(ctx, ParamPoolingFactor, 0.6); v <= 0 || v > 1 {
		return errors.Wrapf(ErrInvalidParam, "%q=%g must be in (0, 1]", ParamPoolingFactor, v)
	}
	if v := context.GetParamOr(ctx, ParamPoolingLayers, 3); v < 2 {
		return errors.Wrapf(ErrInvalidParam, "%q=%d must be at least 2", ParamPoolingLayers, v)
	}
	if v := context.GetParamOr(ctx, ParamEmbeddingSize, 64); v <= 0 {
		return errors.Wrapf(ErrInvalidParam, "%q=%d must be positive", ParamEmbeddingSize, v)
	}
	if v := context.GetParamOr(ctx, ParamDropoutRate, 0.5); v < 0 || v >= 1 {
		return errors.Wrapf(ErrInvalidParam, "%q=%g must be in [0, 1)", ParamDropoutRate, v)
	}
	if v := context.GetParamOr(ctx, ParamTopKRatio, 0.8); v <= 0 || v > 1 {
		return errors.Wrapf(ErrInvalidParam, "%q=%g must be in (0, 1]", ParamTopKRatio, v)
	}
	if v := context.GetParamOr(ctx, ParamTopKHiddenDim, 128); v <= 0 {
		return errors.Wrapf(ErrInvalidParam, "%q=%d must be positive", ParamTopKHiddenDim, v)
	}
	if v := context.GetParamOr(ctx, ParamAuxLossWeight, 1.0); v < 0 {
		return errors.Wrapf(ErrInvalidParam, "%q=%g must be non-negative", ParamAuxLossWeight, v)
	}
	return nil
}

// New creates the classifier selected by ParamModel, configured from the hyperparameters in ctx.
//
// maxNodesInDataset is the largest graph (after truncation) of the dataset: the DiffPool model sizes
// its clusters from it.
func New(ctx *context.Context, numClasses, maxNodesInDataset int) (Classifier, error) {
	if err := ValidateParams(ctx); err != nil {
		return nil, err
	}
	if numClasses < 2 {
		return nil, errors.Wrapf(ErrInvalidParam, "at least 2 classes required, got %d", numClasses)
	}
	switch context.GetParamOr(ctx, ParamModel, ModelTopK) {
	case ModelDiffPool:
		if maxNodesInDataset <= 0 {
			return nil, errors.Wrapf(ErrInvalidParam, "diffpool model requires the maximum number of nodes, got %d",
				maxNodesInDataset)
		}
		return &DiffPool{
			NumClasses:    numClasses,
			EmbeddingSize: context.GetParamOr(ctx, ParamEmbeddingSize, 64),
			ClusterSizes: ClusterSizes(maxNodesInDataset,
				context.GetParamOr(ctx, ParamPoolingFactor, 0.6),
				context.GetParamOr(ctx, ParamPoolingLayers, 3)),
		}, nil
	default:
		return &TopK{
			NumClasses:  numClasses,
			HiddenDim:   context.GetParamOr(ctx, ParamTopKHiddenDim, 128),
			Ratio:       context.GetParamOr(ctx, ParamTopKRatio, 0.8),
			DropoutRate: context.GetParamOr(ctx, ParamDropoutRate, 0.5),
		}, nil
	}
}
