// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package slidestore reads the per-slide inputs of the graphs: patch feature vectors and patch coordinates.
//
// Stores are keyed by slide id, and the file for a slide is "<dir>/<slide_id><extension>".
package slidestore

import (
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// FeatureStore returns the patch feature vectors of a slide, row-major [numPatches, featureDim].
type FeatureStore interface {
	Features(slideID string) (features []float32, featureDim int, err error)
}

// CoordinateStore returns the 2D coordinates of the patches of a slide, in the same order as the features.
type CoordinateStore interface {
	Coordinates(slideID string) ([][2]float64, error)
}

// ErrNotFound is returned when a store has no data for a slide.
var ErrNotFound = errors.New("slide not found in store")

// Format of the files of a store.
type Format string

const (
	FormatNumpy Format = "npy"
	FormatHDF5  Format = "h5"
)

// NewFeatureStore returns the FeatureStore for the given format.
func NewFeatureStore(format Format, dir string) (FeatureStore, error) {
	switch format {
	case FormatNumpy:
		return &NumpyFeatures{Dir: dir}, nil
	case FormatHDF5:
		return &HDF5Features{Dir: dir, Dataset: DefaultFeaturesDataset}, nil
	}
	return nil, errors.Errorf("unknown feature store format %q, valid values are %q or %q", format, FormatNumpy, FormatHDF5)
}

// NewCoordinateStore returns the CoordinateStore for the given format.
func NewCoordinateStore(format Format, dir string) (CoordinateStore, error) {
	switch format {
	case FormatNumpy:
		return &NumpyCoordinates{Dir: dir}, nil
	case FormatHDF5:
		return &HDF5Coordinates{Dir: dir, Dataset: DefaultCoordsDataset}, nil
	}
	return nil, errors.Errorf("unknown coordinate store format %q, valid values are %q or %q", format, FormatNumpy, FormatHDF5)
}

func slidePath(dir, slideID string, format Format) string {
	return filepath.Join(dir, slideID+"."+string(format))
}

// matrixToFloat32 converts a rank-2 numeric tensor to a flat row-major []float32.
func matrixToFloat32(t *tensors.Tensor) (flat []float32, numCols int, err error) {
	if t.Rank() != 2 {
		return nil, 0, errors.Errorf("expected a rank-2 tensor, got shape %s", t.Shape())
	}
	numCols = t.Shape().Dimensions[1]
	switch t.DType() {
	case dtypes.Float32:
		flat = tensors.MustCopyFlatData[float32](t)
	case dtypes.Float64:
		flat = convertFlat[float64, float32](tensors.MustCopyFlatData[float64](t))
	case dtypes.Int32:
		flat = convertFlat[int32, float32](tensors.MustCopyFlatData[int32](t))
	case dtypes.Int64:
		flat = convertFlat[int64, float32](tensors.MustCopyFlatData[int64](t))
	default:
		return nil, 0, errors.Errorf("unsupported dtype %s for a feature matrix", t.DType())
	}
	return flat, numCols, nil
}

// matrixToPoints converts a [N, 2] numeric tensor to points.
func matrixToPoints(t *tensors.Tensor) ([][2]float64, error) {
	if t.Rank() != 2 || t.Shape().Dimensions[1] != 2 {
		return nil, errors.Errorf("expected coordinates shaped [N, 2], got %s", t.Shape())
	}
	var flat []float64
	switch t.DType() {
	case dtypes.Float64:
		flat = tensors.MustCopyFlatData[float64](t)
	case dtypes.Float32:
		flat = convertFlat[float32, float64](tensors.MustCopyFlatData[float32](t))
	case dtypes.Int32:
		flat = convertFlat[int32, float64](tensors.MustCopyFlatData[int32](t))
	case dtypes.Int64:
		flat = convertFlat[int64, float64](tensors.MustCopyFlatData[int64](t))
	case dtypes.Uint32:
		flat = convertFlat[uint32, float64](tensors.MustCopyFlatData[uint32](t))
	case dtypes.Uint64:
		flat = convertFlat[uint64, float64](tensors.MustCopyFlatData[uint64](t))
	default:
		return nil, errors.Errorf("unsupported dtype %s for coordinates", t.DType())
	}
	points := make([][2]float64, len(flat)/2)
	for i := range points {
		points[i] = [2]float64{flat[2*i], flat[2*i+1]}
	}
	return points, nil
}

type number interface {
	~float32 | ~float64 | ~int32 | ~int64 | ~uint32 | ~uint64
}

func convertFlat[From, To number](from []From) []To {
	to := make([]To, len(from))
	for i, v := range from {
		to[i] = To(v)
	}
	return to
}
