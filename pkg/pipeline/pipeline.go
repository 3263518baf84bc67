// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline trains and evaluates a slide classifier: it holds the dataset, its splits, the model
// and its trainer, and runs the epochs.
//
// Each epoch trains on every graph of the train split, one optimizer step per graph, and then measures
// the accuracy on the train, validation and test splits. At the end of the run it reports the confusion
// matrices, balanced accuracy, macro F1 and AUC of each split.
package pipeline

import (
	stdcontext "context"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/slidegnn/pkg/dataset"
	"github.com/gomlx/slidegnn/pkg/evaluation"
	"github.com/gomlx/slidegnn/pkg/gnn"
	"github.com/gomlx/slidegnn/pkg/slidegraph"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

var nan = math.NaN()

// Split names, as used in reports.
const (
	TrainName = "train"
	ValName   = "val"
	TestName  = "test"
)

// EpochReport summarizes one epoch.
//
// An accuracy is NaN if its split is missing or empty.
type EpochReport struct {
	Epoch int

	// TrainLoss is the mean loss over the training steps of the epoch.
	TrainLoss float64

	TrainAcc, ValAcc, TestAcc float64

	// Steps is the number of successful training steps, Skipped the number of graphs whose step failed.
	Steps, Skipped int

	Duration time.Duration
}

// Result of a Run.
type Result struct {
	Epochs []EpochReport

	// BestValAcc is the best validation accuracy of all epochs, and BestEpoch the epoch it was reached.
	// BestEpoch is -1 if no validation accuracy was available.
	BestValAcc float64
	BestEpoch  int

	// MedianEpochDuration is the median of the epochs durations.
	MedianEpochDuration time.Duration

	// Reports with the final metrics of each split, indexed by split name. Missing splits have no report.
	Reports map[string]*evaluation.Report

	// Stopped is true if StopFn ended training before the configured number of epochs.
	Stopped bool
}

// Pipeline holds everything a training run needs. Create it with New.
type Pipeline struct {
	Config  *Config
	Backend backends.Backend

	// Ctx holds the hyperparameters and the model variables.
	Ctx *context.Context

	Dataset          *dataset.Dataset
	Train, Val, Test *dataset.Split

	Model   gnn.Classifier
	Trainer *train.Trainer

	// ClassWeights are the balanced loss weights of the train split. They are used in the loss only
	// if Config.UseClassWeights is set.
	ClassWeights []float64

	// StopFn, if set, is called after each epoch: returning true ends training.
	StopFn func(EpochReport) bool

	// Checkpoint, if set, is saved at the end of the run.
	Checkpoint *checkpoints.Handler

	// Output receives the human-readable reports. It defaults to os.Stdout.
	Output io.Writer

	predict *context.Exec
}

// New creates the model and its trainer for the given data.
//
// cfg is usually created with ConfigFromContext(ctx).
func New(cfg *Config, backend backends.Backend, ctx *context.Context, data *Data) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if data == nil || data.Dataset == nil || data.Dataset.Len() == 0 {
		return nil, errors.New("pipeline requires a non-empty dataset")
	}
	p := &Pipeline{
		Config:  cfg,
		Backend: backend,
		Ctx:     ctx,
		Dataset: data.Dataset,
		Train:   data.Train,
		Val:     data.Val,
		Test:    data.Test,
		Output:  os.Stdout,
	}
	if p.Train.Len() == 0 {
		return nil, errors.New("pipeline requires a non-empty train split")
	}

	var err error
	p.Model, err = gnn.New(ctx, slidegraph.NumLabels, data.Dataset.MaxNodesInDataset)
	if err != nil {
		return nil, err
	}
	p.ClassWeights = dataset.BalancedClassWeights(p.Train.Labels(), slidegraph.NumLabels)
	var lossWeights []float64
	if cfg.UseClassWeights {
		lossWeights = p.ClassWeights
	}

	ctx.SetParam(context.ParamInitialSeed, int64(cfg.Seed))
	cfg.applyOptimizerParams(ctx)
	p.Trainer = train.NewTrainer(backend, ctx, gnn.ModelFn(p.Model), gnn.LossFn(lossWeights),
		optimizers.FromContext(ctx), nil, nil)
	return p, nil
}

// AttachCheckpoint creates a checkpoint handler in dir, keeping the last keep checkpoints. If the directory
// already holds a checkpoint, the model is restored from it.
func (p *Pipeline) AttachCheckpoint(dir string, keep int, excludeParams ...string) error {
	var err error
	p.Checkpoint, err = checkpoints.Build(p.Ctx).Dir(dir).Keep(keep).ExcludeParams(excludeParams...).Done()
	if err != nil {
		return errors.WithMessagef(err, "checkpoint in %q", dir)
	}
	if p.Steps() > 0 {
		p.Trainer.SetContext(p.Ctx.Reuse())
		klog.Infof("restored model from checkpoint %q", dir)
	}
	return nil
}

func (p *Pipeline) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Output, format, args...)
}

// Run trains for Config.Epochs epochs (or until StopFn returns true), evaluating after each epoch, and then
// produces the final reports of each split.
//
// Training steps that fail are logged and skipped. ctx is checked for cancellation between steps.
func (p *Pipeline) Run(ctx stdcontext.Context) (*Result, error) {
	opts := dataset.LoaderOptions{Workers: p.Config.Workers}
	opts.Padding, _ = dataset.ParsePadding(p.Config.Padding)

	trainLoader := dataset.NewLoader(TrainName, p.Train, p.trainSampler(), opts)
	defer trainLoader.Close()
	evalLoaders := make(map[string]*dataset.Loader, 3)
	for name, split := range p.splits() {
		loader := dataset.NewLoader(name, split, dataset.SequentialSampler{N: split.Len()}, opts)
		defer loader.Close()
		evalLoaders[name] = loader
	}

	p.printSummary()
	result := &Result{BestEpoch: -1}
	var durations []float64
	for epoch := range p.Config.Epochs {
		start := time.Now()
		report, err := p.trainEpoch(ctx, epoch, trainLoader)
		if err != nil {
			return nil, err
		}
		accuracies := make(map[string]float64, 3)
		for _, name := range []string{TrainName, ValName, TestName} {
			accuracies[name] = nan
			if loader, found := evalLoaders[name]; found {
				labels, probs, err := p.Predict(loader)
				if err != nil {
					return nil, err
				}
				accuracies[name] = evaluation.Evaluate(labels, probs, slidegraph.NumLabels).Accuracy.Value
			}
		}
		report.TrainAcc, report.ValAcc, report.TestAcc = accuracies[TrainName], accuracies[ValName], accuracies[TestName]
		report.Duration = time.Since(start)
		durations = append(durations, report.Duration.Seconds())
		result.Epochs = append(result.Epochs, report)
		if !math.IsNaN(report.ValAcc) && (result.BestEpoch < 0 || report.ValAcc > result.BestValAcc) {
			result.BestValAcc, result.BestEpoch = report.ValAcc, epoch
		}
		p.printf("Epoch: %03d, Train Loss: %.4f, Train Acc: %.4f Val Acc: %.4f, Test Acc %.4f\n",
			epoch, report.TrainLoss, report.TrainAcc, report.ValAcc, report.TestAcc)
		if report.Skipped > 0 {
			klog.Warningf("epoch %d: %d of %d training graphs skipped", epoch, report.Skipped, report.Steps+report.Skipped)
		}
		if p.StopFn != nil && p.StopFn(report) {
			result.Stopped = true
			klog.Infof("training stopped after epoch %d", epoch)
			break
		}
		trainLoader.Reset()
	}
	if len(durations) > 0 {
		slices.Sort(durations)
		median := stat.Quantile(0.5, stat.Empirical, durations, nil)
		result.MedianEpochDuration = time.Duration(median * float64(time.Second))
		p.printf("Median time per epoch: %s\n", result.MedianEpochDuration.Round(time.Millisecond))
	}
	if result.BestEpoch >= 0 {
		p.printf("Best validation accuracy: %.4f (epoch %03d)\n", result.BestValAcc, result.BestEpoch)
	}

	if len(result.Epochs) > 0 {
		updated, err := batchnorm.UpdateAverages(p.Trainer, evalLoaders[TrainName])
		if err != nil {
			return nil, errors.WithMessage(err, "updating batch normalization averages")
		}
		if updated {
			klog.V(1).Infof("updated batch normalization mean/variance averages")
		}
	}

	result.Reports = make(map[string]*evaluation.Report, 3)
	for _, name := range []string{TrainName, ValName, TestName} {
		loader, found := evalLoaders[name]
		if !found {
			p.printf("\n%s: no slides, no report.\n", name)
			continue
		}
		labels, probs, err := p.Predict(loader)
		if err != nil {
			return nil, err
		}
		report := evaluation.Evaluate(labels, probs, slidegraph.NumLabels)
		report.ClassNames = slidegraph.LabelNames()
		result.Reports[name] = report
		p.printf("\n%s", report.Render(name))
	}

	if p.Checkpoint != nil {
		if err := p.Checkpoint.Save(); err != nil {
			return nil, errors.WithMessage(err, "saving checkpoint")
		}
		p.printf("Checkpoint saved to %q\n", p.Checkpoint.Dir())
	}
	return result, nil
}

// splits returns the non-empty splits by name.
func (p *Pipeline) splits() map[string]*dataset.Split {
	splits := make(map[string]*dataset.Split, 3)
	for name, split := range map[string]*dataset.Split{TrainName: p.Train, ValName: p.Val, TestName: p.Test} {
		if split.Len() > 0 {
			splits[name] = split
		}
	}
	return splits
}

func (p *Pipeline) trainSampler() dataset.Sampler {
	switch {
	case p.Config.WeightedSample:
		return dataset.WeightedSampler{Weights: dataset.BalancedSampleWeights(p.Train), Seed: uint64(p.Config.Seed)}
	case p.Config.SequentialSample:
		return dataset.SequentialSampler{N: p.Train.Len()}
	default:
		return dataset.RandomSampler{N: p.Train.Len(), Seed: uint64(p.Config.Seed)}
	}
}

func (p *Pipeline) printSummary() {
	p.printf("Training on %d samples\n", p.Train.Len())
	p.printf("Validating on %d samples\n", p.Val.Len())
	p.printf("Testing on %d samples\n", p.Test.Len())
	status := "used"
	if !p.Config.UseClassWeights {
		status = "not used"
	}
	for c, w := range p.ClassWeights {
		p.printf("\t%-12s loss weight (%s): %.4f\n", slidegraph.Label(c), status, w)
	}
}

// trainEpoch runs one training step per graph of the loader's epoch.
func (p *Pipeline) trainEpoch(ctx stdcontext.Context, epoch int, loader *dataset.Loader) (EpochReport, error) {
	report := EpochReport{Epoch: epoch, TrainLoss: nan}
	var lossSum float64
	for {
		if err := ctx.Err(); err != nil {
			return report, errors.Wrapf(err, "training epoch %d", epoch)
		}
		spec, inputs, labels, err := loader.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return report, errors.WithMessagef(err, "training epoch %d", epoch)
		}
		slideID := loader.CurrentID()
		loss, err := p.trainStep(spec, inputs, labels)
		if err != nil {
			klog.Errorf("epoch %d: training step on slide %q failed, skipping it: %v", epoch, slideID, err)
			report.Skipped++
			continue
		}
		if p.Steps() == 1 {
			p.printf("Model parameters: %s\n", humanize.Comma(int64(p.NumParameters())))
		}
		lossSum += loss
		report.Steps++
	}
	if report.Steps > 0 {
		report.TrainLoss = lossSum / float64(report.Steps)
	}
	return report, nil
}

// trainStep runs one training step and returns the batch loss. The inputs and labels are freed.
func (p *Pipeline) trainStep(spec any, inputs, labels []*tensors.Tensor) (float64, error) {
	defer finalize(inputs, labels)
	metrics, err := p.Trainer.TrainStep(spec, inputs, labels)
	if err != nil {
		return 0, err
	}
	defer finalize(metrics)
	return float64(metrics[0].Value().(float32)), nil
}

// Steps returns the number of training steps taken so far.
func (p *Pipeline) Steps() int64 {
	return optimizers.GetGlobalStep(p.Ctx)
}

// NumParameters returns the number of trainable model parameters. It is 0 before the first training step.
func (p *Pipeline) NumParameters() int {
	var total int
	p.Ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			total += v.Shape().Size()
		}
	})
	return total
}

// Predict returns the labels and the predicted class probabilities of every graph of the loader's next epoch.
// It runs the model in inference mode.
func (p *Pipeline) Predict(loader *dataset.Loader) (labels []int, probs [][]float64, err error) {
	if p.predict == nil {
		p.predict, err = context.NewExec(p.Backend, p.Ctx.Reuse(), gnn.PredictFn(p.Model))
		if err != nil {
			return nil, nil, errors.WithMessage(err, "creating inference executor")
		}
		p.predict.SetMaxCache(-1)
	}
	if loader.Position() > 0 {
		loader.Reset()
	}
	for {
		_, inputs, labelsT, err := loader.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "evaluating %q", loader.Name())
		}
		probsT, err := p.predict.Exec1(inputs[0], inputs[1], inputs[2])
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "evaluating slide %q", loader.CurrentID())
		}
		row := probsT.Value().([][]float32)[0]
		slideProbs := make([]float64, len(row))
		for c, v := range row {
			slideProbs[c] = float64(v)
		}
		probs = append(probs, slideProbs)
		labels = append(labels, int(labelsT[0].Value().([][]int32)[0][0]))
		finalize(inputs, labelsT, []*tensors.Tensor{probsT})
	}
	return labels, probs, nil
}

func finalize(tensorSlices ...[]*tensors.Tensor) {
	for _, slice := range tensorSlices {
		for _, t := range slice {
			if err := t.FinalizeAll(); err != nil {
				klog.Warningf("failed to free tensor: %v", err)
			}
		}
	}
}
