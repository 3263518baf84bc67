// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/slidegnn/pkg/dataset"
	"github.com/gomlx/slidegnn/pkg/gnn"
	"github.com/gomlx/slidegnn/pkg/slidegraph"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ParamEpochs is the number of training epochs. The default is 2.
	ParamEpochs = "epochs"

	// ParamMaxNodes is the maximum number of nodes (patches) per slide graph: slides with more patches are
	// truncated to the first ones. The default is 5000.
	ParamMaxNodes = "max_nodes"

	// ParamRegularization is the weight decay of the Adam optimizer. The default is 1e-5.
	ParamRegularization = "reg"

	// ParamWeightedSample draws training slides with probability inversely proportional to the size of
	// their class.
	ParamWeightedSample = "weighted_sample"

	// ParamSequentialSample visits the training slides in split order, every epoch.
	ParamSequentialSample = "sequential_sample"

	// ParamUseClassWeights weights the loss of each slide by the balanced weight of its class.
	// The weights are always computed and reported. The default is false.
	ParamUseClassWeights = "use_class_weights"

	// ParamSeed seeds the samplers and the model initialization. The default is 42.
	ParamSeed = "seed"

	// ParamWorkers is the number of goroutines used to load slides and prefetch graphs. The default is 4.
	ParamWorkers = "workers"

	// ParamPadding is the bucketing of the node count, see dataset.ParsePadding.
	ParamPadding = "padding"
)

// SetDefaultParams sets in ctx the default values of all the hyperparameters used by the pipeline and by
// the gnn models. Values already set are overwritten.
func SetDefaultParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamEpochs:           2,
		ParamMaxNodes:         slidegraph.DefaultMaxNodes,
		ParamRegularization:   1e-5,
		ParamWeightedSample:   false,
		ParamSequentialSample: false,
		ParamUseClassWeights:  false,
		ParamSeed:             42,
		ParamWorkers:          4,
		ParamPadding:          dataset.DefaultPadding,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,

		gnn.ParamModel:         gnn.ModelTopK,
		gnn.ParamGraphPooling:  gnn.PoolingDiff,
		gnn.ParamPoolingFactor: 0.6,
		gnn.ParamPoolingLayers: 3,
		gnn.ParamEmbeddingSize: 64,
		gnn.ParamDropoutRate:   0.5,
		gnn.ParamTopKRatio:     0.8,
		gnn.ParamTopKHiddenDim: 128,
		gnn.ParamAuxLossWeight: 1.0,
	})
}

// NewContext returns a new context with the default hyperparameters.
func NewContext() *context.Context {
	ctx := context.New()
	SetDefaultParams(ctx)
	return ctx
}

// Config holds the pipeline hyperparameters, read from the context by ConfigFromContext.
//
// The model hyperparameters stay in the context, where the gnn package reads them.
type Config struct {
	Epochs           int
	MaxNodes         int
	LearningRate     float64
	Regularization   float64
	WeightedSample   bool
	SequentialSample bool
	UseClassWeights  bool
	Seed             int
	Workers          int
	Padding          string
	Model            string

	ctx *context.Context
}

// ConfigFromContext reads the pipeline hyperparameters from ctx and validates them, along with the model
// hyperparameters. It does no I/O, so configuration errors are reported before any data is read.
func ConfigFromContext(ctx *context.Context) (*Config, error) {
	cfg := &Config{
		Epochs:           context.GetParamOr(ctx, ParamEpochs, 2),
		MaxNodes:         context.GetParamOr(ctx, ParamMaxNodes, slidegraph.DefaultMaxNodes),
		LearningRate:     context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.001),
		Regularization:   context.GetParamOr(ctx, ParamRegularization, 1e-5),
		WeightedSample:   context.GetParamOr(ctx, ParamWeightedSample, false),
		SequentialSample: context.GetParamOr(ctx, ParamSequentialSample, false),
		UseClassWeights:  context.GetParamOr(ctx, ParamUseClassWeights, false),
		Seed:             context.GetParamOr(ctx, ParamSeed, 42),
		Workers:          context.GetParamOr(ctx, ParamWorkers, 4),
		Padding:          context.GetParamOr(ctx, ParamPadding, dataset.DefaultPadding),
		Model:            context.GetParamOr(ctx, gnn.ParamModel, gnn.ModelTopK),
		ctx:              ctx,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate the configuration. Unimplemented options fail with gnn.ErrNotImplemented.
func (cfg *Config) Validate() error {
	if cfg.ctx != nil {
		if err := gnn.ValidateParams(cfg.ctx); err != nil {
			return err
		}
	}
	switch {
	case cfg.Epochs < 0:
		return errors.Wrapf(gnn.ErrInvalidParam, "%q=%d must be non-negative", ParamEpochs, cfg.Epochs)
	case cfg.MaxNodes <= 0:
		return errors.Wrapf(gnn.ErrInvalidParam, "%q=%d must be positive", ParamMaxNodes, cfg.MaxNodes)
	case cfg.LearningRate <= 0:
		return errors.Wrapf(gnn.ErrInvalidParam, "%q=%g must be positive", optimizers.ParamLearningRate, cfg.LearningRate)
	case cfg.Regularization < 0:
		return errors.Wrapf(gnn.ErrInvalidParam, "%q=%g must be non-negative", ParamRegularization, cfg.Regularization)
	case cfg.WeightedSample && cfg.SequentialSample:
		return errors.Wrapf(gnn.ErrInvalidParam, "%q and %q can't be both set", ParamWeightedSample, ParamSequentialSample)
	case cfg.Workers < 0:
		return errors.Wrapf(gnn.ErrInvalidParam, "%q=%d must be non-negative", ParamWorkers, cfg.Workers)
	}
	if _, err := dataset.ParsePadding(cfg.Padding); err != nil {
		return errors.Wrapf(gnn.ErrInvalidParam, "%q: %v", ParamPadding, err)
	}
	return nil
}

// applyOptimizerParams configures the Adam optimizer from the pipeline hyperparameters.
func (cfg *Config) applyOptimizerParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    cfg.LearningRate,
		optimizers.ParamAdamWeightDecay: cfg.Regularization,
	})
}

// LoadParamsFile reads a YAML file with a mapping of hyperparameter names to values and sets them in ctx.
//
// Keys follow the same rules as the "-set" flag (see commandline.ParseContextSettings): the parameter
// must already have a default in ctx, which defines its type. Lists are given as YAML sequences.
// It returns the parameters set.
func LoadParamsFile(ctx *context.Context, filePath string) ([]string, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", filePath)
	}
	var values map[string]any
	if err := yaml.Unmarshal(contents, &values); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration file %q", filePath)
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	settings := make([]string, 0, len(keys))
	for _, key := range keys {
		settings = append(settings, fmt.Sprintf("%s=%s", key, yamlValueToSetting(values[key])))
	}
	paramsSet, err := commandline.ParseContextSettings(ctx, strings.Join(settings, ";"))
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", filePath)
	}
	return paramsSet, nil
}

func yamlValueToSetting(value any) string {
	switch v := value.(type) {
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ",")
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
