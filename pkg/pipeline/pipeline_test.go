// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	stdcontext "context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/slidegnn/pkg/dataset"
	"github.com/gomlx/slidegnn/pkg/gnn"
	"github.com/gomlx/slidegnn/pkg/slidegraph"
	"github.com/gomlx/slidegnn/pkg/slidestore"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testNumSlides  = 10
	testNumNodes   = 6
	testFeatureDim = 4
)

// testTables returns the label table, with 2 slides per class, and a split table with 6 train, 2 val and
// 2 test slides.
func testTables() (string, string) {
	var labels, splits strings.Builder
	labels.WriteString("slide_id,label\n")
	for i := range testNumSlides {
		fmt.Fprintf(&labels, "s%02d,%s\n", i, slidegraph.Label(i%slidegraph.NumLabels))
	}
	splits.WriteString("train,val,test\n")
	for i := range 6 {
		row := []string{fmt.Sprintf("s%02d", i), "", ""}
		if i < 2 {
			row[1] = fmt.Sprintf("s%02d", 6+i)
			row[2] = fmt.Sprintf("s%02d", 8+i)
		}
		splits.WriteString(strings.Join(row, ",") + "\n")
	}
	return labels.String(), splits.String()
}

// testSlide returns features that depend on the label, so the classes are learnable, and coordinates on a line.
func testSlide(i int) ([]float32, [][2]float64) {
	label := i % slidegraph.NumLabels
	features := make([]float32, testNumNodes*testFeatureDim)
	for n := range testNumNodes {
		for f := range testFeatureDim {
			features[n*testFeatureDim+f] = float32(label+1)*0.25 + float32(f)*0.1 - float32(n)*0.01
		}
	}
	coords := make([][2]float64, testNumNodes)
	for n := range coords {
		coords[n] = [2]float64{float64(n) * 6000, float64(i)}
	}
	return features, coords
}

func testContext(t *testing.T, settings map[string]any) (*context.Context, *Config) {
	ctx := NewContext()
	ctx.SetParams(map[string]any{
		ParamEpochs:            2,
		ParamWorkers:           0,
		ParamPadding:           "linear:8",
		gnn.ParamTopKHiddenDim: 8,
		gnn.ParamEmbeddingSize: 8,
	})
	ctx.SetParams(settings)
	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	return ctx, cfg
}

func testData(t *testing.T, cfg *Config) *Data {
	labelsCSV, splitsCSV := testTables()
	labels := must.M1(dataset.ParseLabelTable(strings.NewReader(labelsCSV)))
	splits := must.M1(dataset.ParseSplitTable(strings.NewReader(splitsCSV)))
	store := slidestore.NewInMemory(testFeatureDim)
	for i := range testNumSlides {
		features, coords := testSlide(i)
		store.Add(fmt.Sprintf("s%02d", i), features, coords)
	}
	data, err := BuildData(stdcontext.Background(), cfg, labels, splits, store, store, false)
	require.NoError(t, err)
	return data
}

func TestConfigFromContext(t *testing.T) {
	cfg, err := ConfigFromContext(NewContext())
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Epochs)
	assert.Equal(t, 5000, cfg.MaxNodes)
	assert.Equal(t, 0.001, cfg.LearningRate)
	assert.Equal(t, 1e-5, cfg.Regularization)
	assert.Equal(t, 42, cfg.Seed)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, dataset.DefaultPadding, cfg.Padding)
	assert.Equal(t, gnn.ModelTopK, cfg.Model)
	assert.False(t, cfg.UseClassWeights)
	assert.False(t, cfg.WeightedSample)

	// The edge distance threshold is fixed, not a hyperparameter.
	_, found := NewContext().GetParam("distance_threshold")
	assert.False(t, found)
}

func TestConfigValidation(t *testing.T) {
	ctx := NewContext()
	ctx.SetParam(gnn.ParamGraphPooling, gnn.PoolingMinCut)
	_, err := ConfigFromContext(ctx)
	require.ErrorIs(t, err, gnn.ErrNotImplemented)

	for name, settings := range map[string]map[string]any{
		"both samplers":  {ParamWeightedSample: true, ParamSequentialSample: true},
		"bad padding":    {ParamPadding: "exp:0.5"},
		"no nodes":       {ParamMaxNodes: 0},
		"negative epoch": {ParamEpochs: -1},
		"unknown model":  {gnn.ParamModel: "mincut"},
	} {
		ctx := NewContext()
		ctx.SetParams(settings)
		_, err := ConfigFromContext(ctx)
		require.ErrorIs(t, err, gnn.ErrInvalidParam, name)
	}
}

func TestLoadParamsFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(filePath, []byte(`
epochs: 7
learning_rate: 0.01
gnn_model: diffpool
weighted_sample: true
padding: pow2
`), 0644))
	ctx := NewContext()
	paramsSet, err := LoadParamsFile(ctx, filePath)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"epochs", "learning_rate", "gnn_model", "weighted_sample", "padding"}, paramsSet)
	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Epochs)
	assert.Equal(t, 0.01, cfg.LearningRate)
	assert.Equal(t, gnn.ModelDiffPool, cfg.Model)
	assert.True(t, cfg.WeightedSample)
	assert.Equal(t, "pow2", cfg.Padding)

	require.NoError(t, os.WriteFile(filePath, []byte("not_a_param: 1\n"), 0644))
	_, err = LoadParamsFile(ctx, filePath)
	require.Error(t, err)
}

func TestSplitsPath(t *testing.T) {
	assert.Equal(t, filepath.Join("splits", "task_1", "splits_3.csv"), SplitsPath(filepath.Join("splits", "task_1"), 3))
}

func TestLoadData(t *testing.T) {
	root := t.TempDir()
	featuresDir, coordsDir := filepath.Join(root, "features"), filepath.Join(root, "coords")
	require.NoError(t, os.MkdirAll(featuresDir, 0755))
	require.NoError(t, os.MkdirAll(coordsDir, 0755))
	for i := range testNumSlides {
		features, coords := testSlide(i)
		id := fmt.Sprintf("s%02d", i)
		featuresT := tensors.FromFlatDataAndDimensions(features, testNumNodes, testFeatureDim)
		require.NoError(t, numpy.ToNpyFile(featuresT, filepath.Join(featuresDir, id+".npy")))
		flatCoords := make([]int64, 0, 2*len(coords))
		for _, c := range coords {
			flatCoords = append(flatCoords, int64(c[0]), int64(c[1]))
		}
		coordsT := tensors.FromFlatDataAndDimensions(flatCoords, testNumNodes, 2)
		require.NoError(t, numpy.ToNpyFile(coordsT, filepath.Join(coordsDir, id+".npy")))
	}
	labelsCSV, splitsCSV := testTables()
	labelsPath := filepath.Join(root, "labels.csv")
	require.NoError(t, os.WriteFile(labelsPath, []byte(labelsCSV), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "splits"), 0755))
	require.NoError(t, os.WriteFile(SplitsPath(filepath.Join(root, "splits"), 1), []byte(splitsCSV), 0644))

	_, cfg := testContext(t, map[string]any{ParamMaxNodes: 4})
	src := &DataSource{
		FeaturesDir:   featuresDir,
		FeatureFormat: slidestore.FormatNumpy,
		CoordsDir:     coordsDir,
		CoordsFormat:  slidestore.FormatNumpy,
		LabelsPath:    labelsPath,
		SplitsPath:    SplitsPath(filepath.Join(root, "splits"), 1),
	}
	data, err := LoadData(stdcontext.Background(), cfg, src)
	require.NoError(t, err)
	assert.Equal(t, testNumSlides, data.Dataset.Len())
	assert.Equal(t, 4, data.Dataset.MaxNodesInDataset)
	assert.Equal(t, 6, data.Train.Len())
	assert.Equal(t, 2, data.Val.Len())
	assert.Equal(t, 2, data.Test.Len())
	for _, g := range data.Dataset.Graphs {
		require.Equal(t, 4, g.NumNodes())
		// Nodes are 6000 apart: only consecutive nodes are connected.
		assert.Len(t, g.Edges, 3)
	}

	src.SplitsPath = SplitsPath(filepath.Join(root, "splits"), 2)
	_, err = LoadData(stdcontext.Background(), cfg, src)
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, model := range []string{gnn.ModelTopK, gnn.ModelDiffPool} {
		t.Run(model, func(t *testing.T) {
			ctx, cfg := testContext(t, map[string]any{gnn.ParamModel: model})
			p, err := New(cfg, backend, ctx, testData(t, cfg))
			require.NoError(t, err)
			var output bytes.Buffer
			p.Output = &output

			result, err := p.Run(stdcontext.Background())
			require.NoError(t, err)
			require.Len(t, result.Epochs, 2)
			assert.False(t, result.Stopped)
			for epoch, report := range result.Epochs {
				assert.Equal(t, epoch, report.Epoch)
				assert.Equal(t, 6, report.Steps)
				assert.Zero(t, report.Skipped)
				assert.False(t, math.IsNaN(report.TrainLoss))
				for _, acc := range []float64{report.TrainAcc, report.ValAcc, report.TestAcc} {
					assert.GreaterOrEqual(t, acc, 0.0)
					assert.LessOrEqual(t, acc, 1.0)
				}
			}
			assert.Equal(t, int64(12), p.Steps())
			assert.GreaterOrEqual(t, result.BestEpoch, 0)
			assert.Positive(t, p.NumParameters())

			require.Len(t, result.Reports, 3)
			for name, size := range map[string]int{TrainName: 6, ValName: 2, TestName: 2} {
				report := result.Reports[name]
				require.NotNil(t, report, name)
				assert.Equal(t, size, report.NumSamples)
				var total int
				for _, row := range report.Confusion {
					for _, count := range row {
						total += count
					}
				}
				assert.Equal(t, size, total)
				assert.True(t, report.Accuracy.Ok())
			}
			// Val and test have 2 of the 5 classes: the one-vs-rest AUC is not defined.
			assert.False(t, result.Reports[ValName].AUC.Ok())

			text := output.String()
			assert.Contains(t, text, "Training on 6 samples")
			assert.Contains(t, text, "Validating on 2 samples")
			assert.Contains(t, text, "loss weight (not used)")
			assert.Contains(t, text, "Model parameters: ")
			assert.Contains(t, text, "Epoch: 000, Train Loss: ")
			assert.Contains(t, text, "Epoch: 001, Train Loss: ")
			assert.Contains(t, text, "Median time per epoch: ")
			assert.Contains(t, text, "high_grade")
		})
	}
}

func TestRunStopFnAndClassWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, cfg := testContext(t, map[string]any{
		ParamEpochs:           5,
		ParamUseClassWeights:  true,
		ParamSequentialSample: true,
	})
	data := testData(t, cfg)
	data.Test = nil
	p, err := New(cfg, backend, ctx, data)
	require.NoError(t, err)
	p.Output = &bytes.Buffer{}
	assert.InDeltaSlice(t, []float64{0.6, 1.2, 1.2, 1.2, 1.2}, p.ClassWeights, 1e-9)

	var calls int
	p.StopFn = func(report EpochReport) bool {
		calls++
		return report.Epoch == 1
	}
	result, err := p.Run(stdcontext.Background())
	require.NoError(t, err)
	assert.True(t, result.Stopped)
	assert.Equal(t, 2, calls)
	require.Len(t, result.Epochs, 2)
	assert.True(t, math.IsNaN(result.Epochs[0].TestAcc))
	assert.NotContains(t, result.Reports, TestName)
	assert.Contains(t, p.Output.(*bytes.Buffer).String(), "loss weight (used)")
}

func TestRunCancelled(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, cfg := testContext(t, nil)
	p, err := New(cfg, backend, ctx, testData(t, cfg))
	require.NoError(t, err)
	p.Output = &bytes.Buffer{}
	cancelledCtx, cancel := stdcontext.WithCancel(stdcontext.Background())
	cancel()
	_, err = p.Run(cancelledCtx)
	require.ErrorIs(t, err, stdcontext.Canceled)
}

func TestNewErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, cfg := testContext(t, nil)
	_, err := New(cfg, backend, ctx, nil)
	require.Error(t, err)

	data := testData(t, cfg)
	data.Train = nil
	_, err = New(cfg, backend, ctx, data)
	require.Error(t, err)
}

func TestTrainStepFreesTensors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, cfg := testContext(t, nil)
	data := testData(t, cfg)
	p, err := New(cfg, backend, ctx, data)
	require.NoError(t, err)
	padding, err := dataset.ParsePadding(cfg.Padding)
	require.NoError(t, err)

	inputs, labels := dataset.GraphTensors(data.Train.Graphs[0], padding)
	loss, err := p.trainStep(nil, inputs, labels)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0), "loss=%g", loss)
	for _, tensor := range append(inputs, labels...) {
		assert.False(t, tensor.Ok(), "tensor %s not freed", tensor.Shape())
	}
	assert.Equal(t, int64(1), p.Steps())
}

func TestPredictStartsOnFreshLoader(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx, cfg := testContext(t, nil)
	data := testData(t, cfg)
	p, err := New(cfg, backend, ctx, data)
	require.NoError(t, err)
	loader := dataset.NewLoader(ValName, data.Val, dataset.SequentialSampler{N: data.Val.Len()},
		dataset.LoaderOptions{Workers: 2})
	defer loader.Close()

	labels, probs, err := p.Predict(loader)
	require.NoError(t, err)
	assert.Zero(t, loader.Epoch(), "a fresh loader is used without a Reset")
	require.Len(t, labels, data.Val.Len())
	for i, label := range data.Val.Labels() {
		assert.Equal(t, int(label), labels[i])
	}
	require.Len(t, probs, 2)
	for _, row := range probs {
		require.Len(t, row, slidegraph.NumLabels)
		for _, v := range row {
			assert.False(t, math.IsNaN(v))
		}
	}

	labelsAgain, probsAgain, err := p.Predict(loader)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.Epoch())
	assert.Equal(t, labels, labelsAgain)
	assert.Equal(t, probs, probsAgain)
}
