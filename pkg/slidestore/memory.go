// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slidestore

import (
	"sync"

	"github.com/pkg/errors"
)

// InMemory is a FeatureStore and CoordinateStore backed by maps. It is safe for concurrent use.
type InMemory struct {
	mu          sync.RWMutex
	featureDim  int
	features    map[string][]float32
	coordinates map[string][][2]float64
}

// NewInMemory creates an empty in-memory store for features of the given dimension.
func NewInMemory(featureDim int) *InMemory {
	return &InMemory{
		featureDim:  featureDim,
		features:    make(map[string][]float32),
		coordinates: make(map[string][][2]float64),
	}
}

// Add the patches of a slide. features is row-major [len(coords), featureDim].
func (s *InMemory) Add(slideID string, features []float32, coords [][2]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[slideID] = features
	s.coordinates[slideID] = coords
}

// Features implements FeatureStore.
func (s *InMemory) Features(slideID string) ([]float32, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	features, found := s.features[slideID]
	if !found {
		return nil, 0, errors.Wrapf(ErrNotFound, "features of slide %q", slideID)
	}
	return features, s.featureDim, nil
}

// Coordinates implements CoordinateStore.
func (s *InMemory) Coordinates(slideID string) ([][2]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coords, found := s.coordinates[slideID]
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "coordinates of slide %q", slideID)
	}
	return coords, nil
}
