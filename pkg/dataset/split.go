// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"github.com/gomlx/slidegnn/pkg/slidegraph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrOverlappingSplits is returned when a slide is listed in more than one split.
var ErrOverlappingSplits = errors.New("slide listed in more than one split")

// Split is a read-only view of the slides of one partition (train, val or test) of a Dataset.
//
// A nil *Split represents a missing split (no slides listed for it): its methods can be called and
// behave as an empty split.
type Split struct {
	Name         string
	Graphs       []*slidegraph.Graph
	classIndices [][]int
}

// NewSplit creates a split over the given graphs.
func NewSplit(name string, graphs []*slidegraph.Graph) *Split {
	s := &Split{Name: name, Graphs: graphs}
	s.classIndices = classIndices(s.Labels())
	return s
}

// Len returns the number of slides in the split.
func (s *Split) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Graphs)
}

// IDs of the slides, in order.
func (s *Split) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, len(s.Graphs))
	for i, g := range s.Graphs {
		ids[i] = g.ID
	}
	return ids
}

// Labels of the slides, in order.
func (s *Split) Labels() []slidegraph.Label {
	if s == nil {
		return nil
	}
	labels := make([]slidegraph.Label, len(s.Graphs))
	for i, g := range s.Graphs {
		labels[i] = g.Label
	}
	return labels
}

// ClassIndices maps each class index to the positions (within the split) of the slides of that class.
func (s *Split) ClassIndices() [][]int {
	if s == nil {
		return make([][]int, slidegraph.NumLabels)
	}
	return s.classIndices
}

// BuildSplits partitions the dataset according to the split table.
//
// Each split keeps the dataset's slides whose id is listed in the corresponding column, in dataset
// order. A split left with no slides is returned as nil. Listed ids that are not in the dataset are
// ignored (with a warning), and an id listed in more than one column is an error.
func (ds *Dataset) BuildSplits(table *SplitTable) (train, val, test *Split, err error) {
	if table == nil {
		return nil, nil, nil, errors.Wrap(ErrMalformedTable, "nil split table")
	}
	seen := make(map[string]string)
	splits := make([]*Split, 3)
	for i, name := range []string{TrainColumn, ValColumn, TestColumn} {
		ids, _ := table.Column(name)
		for _, id := range ids {
			if other, found := seen[id]; found && other != name {
				return nil, nil, nil, errors.Wrapf(ErrOverlappingSplits, "slide %q is in splits %q and %q", id, other, name)
			}
			seen[id] = name
		}
		splits[i] = ds.splitFromIDs(name, ids)
	}
	return splits[0], splits[1], splits[2], nil
}

func (ds *Dataset) splitFromIDs(name string, ids []string) *Split {
	if len(ids) == 0 {
		return nil
	}
	members := make(map[string]bool, len(ids))
	for _, id := range ids {
		members[id] = true
	}
	graphs := make([]*slidegraph.Graph, 0, len(ids))
	for _, g := range ds.Graphs {
		if members[g.ID] {
			graphs = append(graphs, g)
			delete(members, g.ID)
		}
	}
	if len(members) > 0 {
		klog.Warningf("split %q lists %d slides that are not in the dataset, e.g. %q", name, len(members), anyKey(members))
	}
	if len(graphs) == 0 {
		return nil
	}
	return NewSplit(name, graphs)
}

func anyKey(m map[string]bool) string {
	for k := range m {
		return k
	}
	return ""
}
