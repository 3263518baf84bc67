// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"io"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/bucketing"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/slidegnn/pkg/slidegraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePadding(t *testing.T) {
	for spec, want := range map[string]bucketing.Strategy{
		"none":     bucketing.None(),
		"":         bucketing.None(),
		"pow2":     bucketing.Pow2(),
		"linear:8": bucketing.Linear(8),
		"exp:1.2":  bucketing.Exponential(1.2),
	} {
		got, err := ParsePadding(spec)
		require.NoError(t, err, "padding %q", spec)
		assert.Equal(t, want, got, "padding %q", spec)
	}
	for _, spec := range []string{"linear", "linear:0", "exp:1", "exp:x", "cubic"} {
		_, err := ParsePadding(spec)
		assert.Error(t, err, "padding %q", spec)
	}
}

func TestGraphTensors(t *testing.T) {
	g := &slidegraph.Graph{
		ID:          "s",
		Label:       slidegraph.LabelEndometrioid,
		FeatureDim:  2,
		Features:    []float32{1, 2, 3, 4, 5, 6},
		Coordinates: [][2]float64{{0, 0}, {1, 0}, {1e6, 0}},
		Edges:       [][2]int32{{0, 1}},
	}
	inputs, labels := GraphTensors(g, bucketing.Linear(4))
	require.Len(t, inputs, 3)
	require.Len(t, labels, 1)

	assert.Equal(t, dtypes.Float32, inputs[0].DType())
	assert.Equal(t, []int{4, 2}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 0, 0}, tensors.MustCopyFlatData[float32](inputs[0]))

	assert.Equal(t, []int{4, 4}, inputs[1].Shape().Dimensions)
	assert.Equal(t, []float32{
		0, 1, 0, 0,
		1, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
	}, tensors.MustCopyFlatData[float32](inputs[1]))

	assert.Equal(t, dtypes.Bool, inputs[2].DType())
	assert.Equal(t, []bool{true, true, true, false}, tensors.MustCopyFlatData[bool](inputs[2]))

	assert.Equal(t, dtypes.Int32, labels[0].DType())
	assert.Equal(t, []int{1, 1}, labels[0].Shape().Dimensions)
	assert.Equal(t, []int32{3}, tensors.MustCopyFlatData[int32](labels[0]))
}

func yieldEpoch(t *testing.T, l *Loader) []string {
	var ids []string
	for {
		spec, inputs, labels, err := l.Yield()
		if err == io.EOF {
			return ids
		}
		require.NoError(t, err)
		require.Nil(t, spec)
		require.Len(t, inputs, 3)
		require.Len(t, labels, 1)
		ids = append(ids, l.CurrentID())
	}
}

func TestLoader(t *testing.T) {
	split := NewSplit("train", graphsWithLabels(0, 1, 2, 3, 4, 0, 1, 2))
	for _, workers := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			sampler := RandomSampler{N: split.Len(), Seed: 3}
			l := NewLoader("train", split, sampler, LoaderOptions{Workers: workers})
			defer l.Close()
			assert.Equal(t, "train", l.Name())
			assert.Equal(t, 8, l.Len())

			for epoch := range 3 {
				assert.Equal(t, epoch, l.Epoch())
				var want []string
				for _, idx := range sampler.Order(epoch) {
					want = append(want, split.Graphs[idx].ID)
				}
				assert.Equal(t, want, yieldEpoch(t, l), "epoch %d", epoch)

				// Stays at EOF until Reset.
				_, _, _, err := l.Yield()
				assert.Equal(t, io.EOF, err)
				l.Reset()
			}
		})
	}
}

func TestLoaderResetMidEpoch(t *testing.T) {
	split := NewSplit("val", graphsWithLabels(0, 1, 2, 3, 4))
	l := NewLoader("val", split, SequentialSampler{N: split.Len()}, LoaderOptions{Workers: 2})
	defer l.Close()
	assert.Zero(t, l.Position())
	_, _, _, err := l.Yield()
	require.NoError(t, err)
	assert.Equal(t, "a", l.CurrentID())
	assert.Equal(t, 1, l.Position())
	l.Reset()
	assert.Equal(t, 1, l.Epoch())
	assert.Zero(t, l.Position())
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, yieldEpoch(t, l))
}

func TestLoaderEmptySplit(t *testing.T) {
	l := NewLoader("test", nil, SequentialSampler{}, LoaderOptions{Workers: 2})
	defer l.Close()
	assert.Zero(t, l.Len())
	_, _, _, err := l.Yield()
	assert.Equal(t, io.EOF, err)
	l.Reset()
	_, _, _, err = l.Yield()
	assert.Equal(t, io.EOF, err)
}
