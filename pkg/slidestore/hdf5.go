// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slidestore

import (
	"os"

	"github.com/gomlx/slidegnn/internal/hdf5"
	"github.com/pkg/errors"
)

// Names of the datasets within per-slide HDF5 files written by patch extraction pipelines.
const (
	DefaultFeaturesDataset = "features"
	DefaultCoordsDataset   = "coords"
)

// HDF5Features reads the features dataset of "<Dir>/<slide_id>.h5" files.
type HDF5Features struct {
	Dir, Dataset string
}

// Features implements FeatureStore.
func (s *HDF5Features) Features(slideID string) ([]float32, int, error) {
	filePath := slidePath(s.Dir, slideID, FormatHDF5)
	if err := checkExists(filePath); err != nil {
		return nil, 0, err
	}
	t, err := hdf5.ReadTensor(filePath, s.Dataset)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "features of slide %q", slideID)
	}
	flat, featureDim, err := matrixToFloat32(t)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "features of slide %q in %q", slideID, filePath)
	}
	return flat, featureDim, nil
}

// HDF5Coordinates reads the coordinates dataset of "<Dir>/<slide_id>.h5" files.
type HDF5Coordinates struct {
	Dir, Dataset string
}

// Coordinates implements CoordinateStore.
func (s *HDF5Coordinates) Coordinates(slideID string) ([][2]float64, error) {
	filePath := slidePath(s.Dir, slideID, FormatHDF5)
	if err := checkExists(filePath); err != nil {
		return nil, err
	}
	t, err := hdf5.ReadTensor(filePath, s.Dataset)
	if err != nil {
		return nil, errors.WithMessagef(err, "coordinates of slide %q", slideID)
	}
	points, err := matrixToPoints(t)
	if err != nil {
		return nil, errors.WithMessagef(err, "coordinates of slide %q in %q", slideID, filePath)
	}
	return points, nil
}

func checkExists(filePath string) error {
	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrNotFound, "%q", filePath)
		}
		return errors.Wrapf(err, "cannot access %q", filePath)
	}
	return nil
}
