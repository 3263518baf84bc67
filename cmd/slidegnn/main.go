// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// slidegnn trains a graph neural network that classifies the subtype of tissue slides, from the
// precomputed features and the coordinates of their patches.
//
// Example:
//
//	slidegnn -data_root_dir=~/work/features -features_folder=resnet50_5x -coords_dir=~/work/patches \
//		-csv_path=dataset_csv/slides.csv -split_dir=splits/subtyping -set="epochs=20;gnn_model=diffpool"
package main

import (
	stdcontext "context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/slidegnn/pkg/pipeline"
	"github.com/gomlx/slidegnn/pkg/slidestore"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataRootDir    = flag.String("data_root_dir", "", "Directory containing the features folders.")
	flagFeaturesFolder = flag.String("features_folder", "", "Folder within -data_root_dir with one features file per slide.")
	flagCoordsDir      = flag.String("coords_dir", "", "Directory with one coordinates file per slide.")
	flagCSVPath        = flag.String("csv_path", "", "CSV file with the \"slide_id\" and \"label\" columns.")
	flagSplitDir       = flag.String("split_dir", "", "Directory with the split tables, named \"splits_<index>.csv\".")
	flagSplitIndex     = flag.Int("split_index", 1, "Index of the split table to use.")
	flagFeatureFormat  = flag.String("feature_format", string(slidestore.FormatNumpy), "Format of the features files: \"npy\" or \"h5\".")
	flagCoordsFormat   = flag.String("coords_format", string(slidestore.FormatHDF5), "Format of the coordinates files: \"h5\" or \"npy\".")
	flagConfig         = flag.String("config", "", "YAML file with hyperparameters, applied before -set.")
	flagCheckpoint     = flag.String("checkpoint", "", "Directory to save (and restore) the model. If empty, no checkpoint is saved.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if -checkpoint is set.")
	flagVerbosity      = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := pipeline.NewContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	var paramsSet []string
	if *flagConfig != "" {
		paramsSet = check1(pipeline.LoadParamsFile(ctx, fsutil.MustReplaceTildeInDir(*flagConfig)))
	}
	paramsSet = append(paramsSet, check1(commandline.ParseContextSettings(ctx, *settings))...)
	cfg := check1(pipeline.ConfigFromContext(ctx))
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	} else if *flagVerbosity >= 1 && len(paramsSet) > 0 {
		fmt.Printf("Hyperparameters set:\n%s\n", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	if *flagSplitDir == "" || *flagCSVPath == "" {
		klog.Fatalf("flags -csv_path and -split_dir are required")
	}

	src := &pipeline.DataSource{
		FeaturesDir:   filepath.Join(fsutil.MustReplaceTildeInDir(*flagDataRootDir), *flagFeaturesFolder),
		FeatureFormat: slidestore.Format(*flagFeatureFormat),
		CoordsDir:     fsutil.MustReplaceTildeInDir(*flagCoordsDir),
		CoordsFormat:  slidestore.Format(*flagCoordsFormat),
		LabelsPath:    fsutil.MustReplaceTildeInDir(*flagCSVPath),
		SplitsPath:    pipeline.SplitsPath(fsutil.MustReplaceTildeInDir(*flagSplitDir), *flagSplitIndex),
	}
	runCtx, cancel := signal.NotifyContext(stdcontext.Background(), os.Interrupt)
	defer cancel()
	data := check1(pipeline.LoadData(runCtx, cfg, src))

	backend := backends.MustNew()
	klog.V(1).Infof("backend: %s", backend.Description())
	p := check1(pipeline.New(cfg, backend, ctx, data))
	if *flagCheckpoint != "" {
		check(p.AttachCheckpoint(fsutil.MustReplaceTildeInDir(*flagCheckpoint), *flagCheckpointKeep, paramsSet...))
	}
	_ = check1(p.Run(runCtx))
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
