// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slidestore

import (
	"os"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
)

// NumpyFeatures reads "<Dir>/<slide_id>.npy" files holding a [numPatches, featureDim] matrix.
type NumpyFeatures struct {
	Dir string
}

// Features implements FeatureStore.
func (s *NumpyFeatures) Features(slideID string) ([]float32, int, error) {
	filePath := slidePath(s.Dir, slideID, FormatNumpy)
	t, err := readNpy(filePath)
	if err != nil {
		return nil, 0, err
	}
	flat, featureDim, err := matrixToFloat32(t)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "features of slide %q in %q", slideID, filePath)
	}
	return flat, featureDim, nil
}

// NumpyCoordinates reads "<Dir>/<slide_id>.npy" files holding a [numPatches, 2] matrix.
type NumpyCoordinates struct {
	Dir string
}

// Coordinates implements CoordinateStore.
func (s *NumpyCoordinates) Coordinates(slideID string) ([][2]float64, error) {
	filePath := slidePath(s.Dir, slideID, FormatNumpy)
	t, err := readNpy(filePath)
	if err != nil {
		return nil, err
	}
	points, err := matrixToPoints(t)
	if err != nil {
		return nil, errors.WithMessagef(err, "coordinates of slide %q in %q", slideID, filePath)
	}
	return points, nil
}

func readNpy(filePath string) (*tensors.Tensor, error) {
	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%q", filePath)
		}
		return nil, errors.Wrapf(err, "cannot access %q", filePath)
	}
	t, err := numpy.FromNpyFile(filePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", filePath)
	}
	return t, nil
}
