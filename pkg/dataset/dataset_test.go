// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/gomlx/slidegnn/pkg/slidegraph"
	"github.com/gomlx/slidegnn/pkg/slidestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const labelsCSV = `case_id,slide_id,label
c1,0001,high_grade
c2,0002,low_grade
c3,0010,clear_cell
c4,0011,endometrioid
c5,0100,mucinous
c6,0101,high_grade
`

const splitsCSV = `fold,train,val,test
0,0001,0010,0100
1,0002,0011,
2,0101,,
`

func TestParseLabelTableKeepsIdentifiers(t *testing.T) {
	table, err := ParseLabelTable(strings.NewReader(labelsCSV))
	require.NoError(t, err)
	assert.Equal(t, []string{"0001", "0002", "0010", "0011", "0100", "0101"}, table.IDs)
	assert.Equal(t, []slidegraph.Label{0, 1, 2, 3, 4, 0}, table.Labels)

	label, err := table.Lookup("0010")
	require.NoError(t, err)
	assert.Equal(t, slidegraph.LabelClearCell, label)
	_, err = table.Lookup("10")
	require.ErrorIs(t, err, ErrUnknownSlide)
}

func TestParseLabelTableErrors(t *testing.T) {
	_, err := ParseLabelTable(strings.NewReader("slide_id,diagnosis\n01,high_grade\n"))
	require.ErrorIs(t, err, ErrMalformedTable)
	_, err = ParseLabelTable(strings.NewReader("slide_id,label\n01,serous\n"))
	require.ErrorIs(t, err, slidegraph.ErrUnknownLabel)
	_, err = ParseLabelTable(strings.NewReader("slide_id,label\n01,mucinous\n01,mucinous\n"))
	require.ErrorIs(t, err, ErrMalformedTable)
}

func TestParseSplitTableDropsBlanks(t *testing.T) {
	table, err := ParseSplitTable(strings.NewReader(splitsCSV))
	require.NoError(t, err)
	assert.Equal(t, []string{"0001", "0002", "0101"}, table.Train)
	assert.Equal(t, []string{"0010", "0011"}, table.Val)
	assert.Equal(t, []string{"0100"}, table.Test)

	_, err = ParseSplitTable(strings.NewReader("train,test\n1,2\n"))
	require.ErrorIs(t, err, ErrMalformedTable)
}

// newTestStore creates slides with numNodes nodes each, laid on a line 5000 apart, so each node
// is connected to its 2 closest neighbors on each side.
func newTestStore(ids []string, numNodes, featureDim int) *slidestore.InMemory {
	store := slidestore.NewInMemory(featureDim)
	for s, id := range ids {
		features := make([]float32, numNodes*featureDim)
		for i := range features {
			features[i] = float32(s*1000 + i)
		}
		coords := make([][2]float64, numNodes)
		for i := range coords {
			coords[i] = [2]float64{float64(i) * 5000, 0}
		}
		store.Add(id, features, coords)
	}
	return store
}

func processTestDataset(t *testing.T, workers int) *Dataset {
	labels, err := ParseLabelTable(strings.NewReader(labelsCSV))
	require.NoError(t, err)
	store := newTestStore(labels.IDs, 6, 3)
	ds, err := Process(context.Background(), labels, store, store, slidegraph.NewBuilder(4), ProcessOptions{Workers: workers})
	require.NoError(t, err)
	return ds
}

func TestProcess(t *testing.T) {
	for _, workers := range []int{0, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			ds := processTestDataset(t, workers)
			require.Equal(t, 6, ds.Len())
			assert.Equal(t, 3, ds.FeatureDim)
			assert.Equal(t, 4, ds.MaxNodesInDataset)
			assert.Equal(t, []string{"0001", "0002", "0010", "0011", "0100", "0101"}, ds.IDs())
			for i, g := range ds.Graphs {
				assert.Equal(t, ds.IDs()[i], g.ID)
				assert.Equal(t, 4, g.NumNodes())
				assert.Len(t, g.Features, 4*3)
				assert.Equal(t, float32(i*1000), g.Features[0])
				assert.Equal(t, [][2]int32{{0, 1}, {0, 2}, {1, 2}, {1, 3}, {2, 3}}, g.Edges)
			}
			assert.Equal(t, [][]int{{0, 5}, {1}, {2}, {3}, {4}}, ds.ClassIndices())
		})
	}
}

func TestProcessAbortsOnMissingSlide(t *testing.T) {
	labels, err := ParseLabelTable(strings.NewReader(labelsCSV))
	require.NoError(t, err)
	store := newTestStore(labels.IDs[:5], 3, 2)
	_, err = Process(context.Background(), labels, store, store, slidegraph.NewBuilder(10), ProcessOptions{Workers: 2})
	require.ErrorIs(t, err, slidestore.ErrNotFound)
	assert.Contains(t, err.Error(), "0101")
}

func TestProcessAbortsOnMismatch(t *testing.T) {
	labels, err := ParseLabelTable(strings.NewReader("slide_id,label\nA,low_grade\n"))
	require.NoError(t, err)
	store := slidestore.NewInMemory(2)
	store.Add("A", make([]float32, 6), make([][2]float64, 2))
	_, err = Process(context.Background(), labels, store, store, slidegraph.NewBuilder(10), ProcessOptions{})
	require.ErrorIs(t, err, slidegraph.ErrShapeMismatch)
}

func TestProcessCancelled(t *testing.T) {
	labels, err := ParseLabelTable(strings.NewReader(labelsCSV))
	require.NoError(t, err)
	store := newTestStore(labels.IDs, 2, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Process(ctx, labels, store, store, slidegraph.NewBuilder(10), ProcessOptions{Workers: 2})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBuildSplits(t *testing.T) {
	ds := processTestDataset(t, 0)
	table, err := ParseSplitTable(strings.NewReader(splitsCSV))
	require.NoError(t, err)
	train, val, test, err := ds.BuildSplits(table)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001", "0002", "0101"}, train.IDs())
	assert.Equal(t, []string{"0010", "0011"}, val.IDs())
	assert.Equal(t, []string{"0100"}, test.IDs())
	assert.Equal(t, [][]int{{0, 2}, {1}, nil, nil, nil}, train.ClassIndices())
	assert.Equal(t, [][]int{nil, nil, {0}, {1}, nil}, val.ClassIndices())

	// Union is a subset of the dataset, splits are pairwise disjoint.
	all := make(map[string]bool)
	for _, id := range ds.IDs() {
		all[id] = true
	}
	seen := make(map[string]bool)
	for _, split := range []*Split{train, val, test} {
		for _, id := range split.IDs() {
			assert.True(t, all[id], "%q not in dataset", id)
			assert.False(t, seen[id], "%q in more than one split", id)
			seen[id] = true
		}
	}
}

func TestBuildSplitsMissingAndUnknown(t *testing.T) {
	ds := processTestDataset(t, 0)
	table := &SplitTable{Train: []string{"0101", "9999", "0001"}, Test: []string{"8888"}}
	train, val, test, err := ds.BuildSplits(table)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001", "0101"}, train.IDs(), "dataset order is preserved")
	assert.Nil(t, val)
	assert.Nil(t, test)
	assert.Zero(t, val.Len())
	assert.Len(t, test.ClassIndices(), slidegraph.NumLabels)

	_, _, _, err = ds.BuildSplits(&SplitTable{Train: []string{"0001"}, Val: []string{"0001"}})
	require.ErrorIs(t, err, ErrOverlappingSplits)

	_, _, _, err = ds.BuildSplits(nil)
	require.ErrorIs(t, err, ErrMalformedTable)
}

func TestNewFromGraphs(t *testing.T) {
	g0 := &slidegraph.Graph{ID: "a", Label: slidegraph.LabelMucinous, FeatureDim: 1, Features: []float32{1}, Coordinates: make([][2]float64, 1)}
	g1 := &slidegraph.Graph{ID: "b", Label: slidegraph.LabelLowGrade, FeatureDim: 1, Features: []float32{1, 2}, Coordinates: make([][2]float64, 2)}
	ds, err := New([]*slidegraph.Graph{g0, g1})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.MaxNodesInDataset)
	assert.Equal(t, []slidegraph.Label{4, 1}, ds.Labels())
	_, err = New([]*slidegraph.Graph{g0, g0})
	require.ErrorIs(t, err, ErrMalformedTable)
}
