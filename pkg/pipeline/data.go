// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	stdcontext "context"
	"fmt"
	"path/filepath"

	"github.com/gomlx/slidegnn/pkg/dataset"
	"github.com/gomlx/slidegnn/pkg/slidegraph"
	"github.com/gomlx/slidegnn/pkg/slidestore"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Data holds the processed dataset and its splits. Any of the splits may be nil (or empty).
type Data struct {
	Dataset          *dataset.Dataset
	Train, Val, Test *dataset.Split
}

// DataSource locates the input files of a run.
type DataSource struct {
	// FeaturesDir holds one features file per slide, named "<slide_id>.<FeatureFormat>".
	FeaturesDir   string
	FeatureFormat slidestore.Format

	// CoordsDir holds one coordinates file per slide, named "<slide_id>.<CoordsFormat>".
	CoordsDir    string
	CoordsFormat slidestore.Format

	// LabelsPath is the CSV with the "slide_id" and "label" columns.
	LabelsPath string

	// SplitsPath is the CSV with the "train", "val" and "test" columns.
	SplitsPath string
}

// SplitsPath returns the path of the split table with the given index in splitDir.
func SplitsPath(splitDir string, splitIndex int) string {
	return filepath.Join(splitDir, fmt.Sprintf("splits_%d.csv", splitIndex))
}

// Stores opens the feature and coordinate stores.
func (src *DataSource) Stores() (slidestore.FeatureStore, slidestore.CoordinateStore, error) {
	features, err := slidestore.NewFeatureStore(src.FeatureFormat, src.FeaturesDir)
	if err != nil {
		return nil, nil, err
	}
	coordsFormat := src.CoordsFormat
	if coordsFormat == "" {
		coordsFormat = slidestore.FormatHDF5
	}
	coords, err := slidestore.NewCoordinateStore(coordsFormat, src.CoordsDir)
	if err != nil {
		return nil, nil, err
	}
	return features, coords, nil
}

// LoadData reads the tables, builds the graph of every labeled slide and partitions them into the splits.
func LoadData(ctx stdcontext.Context, cfg *Config, src *DataSource) (*Data, error) {
	labels, err := dataset.ReadLabelTable(src.LabelsPath)
	if err != nil {
		return nil, err
	}
	splits, err := dataset.ReadSplitTable(src.SplitsPath)
	if err != nil {
		return nil, err
	}
	features, coords, err := src.Stores()
	if err != nil {
		return nil, err
	}
	return BuildData(ctx, cfg, labels, splits, features, coords, true)
}

// BuildData builds the dataset from already opened tables and stores.
func BuildData(ctx stdcontext.Context, cfg *Config, labels *dataset.LabelTable, splits *dataset.SplitTable,
	features slidestore.FeatureStore, coords slidestore.CoordinateStore, progressBar bool) (*Data, error) {
	ds, err := dataset.Process(ctx, labels, features, coords, slidegraph.NewBuilder(cfg.MaxNodes), dataset.ProcessOptions{
		Workers:     cfg.Workers,
		ProgressBar: progressBar,
	})
	if err != nil {
		return nil, err
	}
	trainSplit, valSplit, testSplit, err := ds.BuildSplits(splits)
	if err != nil {
		return nil, errors.WithMessage(err, "building splits")
	}
	klog.V(1).Infof("dataset: %s", ds)
	return &Data{Dataset: ds, Train: trainSplit, Val: valSplit, Test: testSplit}, nil
}
