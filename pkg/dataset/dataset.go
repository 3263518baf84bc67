// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset holds the graphs of all slides, partitions them into the train/val/test splits
// and feeds them to training and evaluation, one graph at a time.
package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/slidegnn/pkg/slidegraph"
	"github.com/gomlx/slidegnn/pkg/slidestore"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Dataset owns the graphs of all slides of the label table, in the table's order.
type Dataset struct {
	Graphs []*slidegraph.Graph

	// MaxNodesInDataset is the largest node count (after truncation) of the graphs.
	MaxNodesInDataset int

	// FeatureDim is the dimension of the node features, the same for all graphs.
	FeatureDim int

	labels       *LabelTable
	classIndices [][]int
}

// ProcessOptions configure Process.
type ProcessOptions struct {
	// Workers is the number of slides loaded concurrently. Values <= 1 load sequentially.
	Workers int

	// ProgressBar displays a progress bar while processing.
	ProgressBar bool
}

// Process builds the graph of every slide of the label table, reading their features and coordinates
// from the given stores.
//
// It is a single pass: graphs are built once and held in memory. Any failure (a missing file, a
// features/coordinates mismatch, features of different dimensions) aborts the whole pass.
func Process(ctx context.Context, labels *LabelTable, features slidestore.FeatureStore, coords slidestore.CoordinateStore,
	builder *slidegraph.Builder, opts ProcessOptions) (*Dataset, error) {
	start := time.Now()
	numSlides := labels.Len()
	graphs := make([]*slidegraph.Graph, numSlides)

	var bar *progressbar.ProgressBar
	if opts.ProgressBar {
		bar = progressbar.NewOptions(numSlides,
			progressbar.OptionSetDescription("processing dataset"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionClearOnFinish())
		defer func() { _ = bar.Finish() }()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if opts.Workers > 1 {
		eg.SetLimit(opts.Workers)
	} else {
		eg.SetLimit(1)
	}
	for row, slideID := range labels.IDs {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			g, err := buildSlideGraph(slideID, labels.Labels[row], features, coords, builder)
			if err != nil {
				return err
			}
			graphs[row] = g
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, errors.WithMessage(err, "processing dataset")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "processing dataset")
	}

	ds := &Dataset{
		Graphs:            graphs,
		MaxNodesInDataset: builder.MaxNodesSeen(),
		labels:            labels,
	}
	var memory uint64
	for _, g := range graphs {
		if ds.FeatureDim == 0 {
			ds.FeatureDim = g.FeatureDim
		} else if g.FeatureDim != ds.FeatureDim {
			return nil, errors.Wrapf(slidegraph.ErrShapeMismatch, "slide %q has features of dimension %d, previous slides had %d",
				g.ID, g.FeatureDim, ds.FeatureDim)
		}
		memory += g.Memory()
	}
	ds.classIndices = classIndices(ds.Labels())
	klog.V(1).Infof("processed %d slides in %s: %s in memory, largest graph has %s nodes",
		numSlides, time.Since(start), humanize.Bytes(memory), humanize.Comma(int64(ds.MaxNodesInDataset)))
	return ds, nil
}

func buildSlideGraph(slideID string, label slidegraph.Label, features slidestore.FeatureStore, coords slidestore.CoordinateStore,
	builder *slidegraph.Builder) (*slidegraph.Graph, error) {
	nodeFeatures, featureDim, err := features.Features(slideID)
	if err != nil {
		return nil, errors.WithMessagef(err, "slide %q", slideID)
	}
	points, err := coords.Coordinates(slideID)
	if err != nil {
		return nil, errors.WithMessagef(err, "slide %q", slideID)
	}
	return builder.Build(slideID, label, nodeFeatures, featureDim, points)
}

// New creates a Dataset from graphs already built, e.g. by a previous Process call.
// The label table is derived from the graphs.
func New(graphs []*slidegraph.Graph) (*Dataset, error) {
	labels := &LabelTable{index: make(map[string]int, len(graphs))}
	ds := &Dataset{Graphs: graphs, labels: labels}
	for i, g := range graphs {
		if _, found := labels.index[g.ID]; found {
			return nil, errors.Wrapf(ErrMalformedTable, "slide %q listed more than once", g.ID)
		}
		if i == 0 {
			ds.FeatureDim = g.FeatureDim
		} else if g.FeatureDim != ds.FeatureDim {
			return nil, errors.Wrapf(slidegraph.ErrShapeMismatch, "slide %q has features of dimension %d, previous slides had %d",
				g.ID, g.FeatureDim, ds.FeatureDim)
		}
		labels.index[g.ID] = i
		labels.IDs = append(labels.IDs, g.ID)
		labels.Labels = append(labels.Labels, g.Label)
		ds.MaxNodesInDataset = max(ds.MaxNodesInDataset, g.NumNodes())
	}
	ds.classIndices = classIndices(labels.Labels)
	return ds, nil
}

// Len returns the number of slides.
func (ds *Dataset) Len() int {
	return len(ds.Graphs)
}

// IDs of the slides, in order.
func (ds *Dataset) IDs() []string {
	return ds.labels.IDs
}

// Labels of the slides, in order.
func (ds *Dataset) Labels() []slidegraph.Label {
	return ds.labels.Labels
}

// ClassIndices maps each class index to the positions of the slides of that class.
func (ds *Dataset) ClassIndices() [][]int {
	return ds.classIndices
}

// String implements fmt.Stringer.
func (ds *Dataset) String() string {
	return fmt.Sprintf("Dataset{%d slides, feature dim %d, max nodes %d, class counts %v}",
		ds.Len(), ds.FeatureDim, ds.MaxNodesInDataset, classCounts(ds.classIndices))
}

func classIndices(labels []slidegraph.Label) [][]int {
	indices := make([][]int, slidegraph.NumLabels)
	for i, label := range labels {
		indices[label] = append(indices[label], i)
	}
	return indices
}

func classCounts(indices [][]int) []int {
	counts := make([]int, len(indices))
	for c, idx := range indices {
		counts[c] = len(idx)
	}
	return counts
}
