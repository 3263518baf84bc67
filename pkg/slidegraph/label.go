// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slidegraph

import (
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Label is the subtype class of a slide.
type Label int32

const (
	LabelHighGrade Label = iota
	LabelLowGrade
	LabelClearCell
	LabelEndometrioid
	LabelMucinous
)

// NumLabels is the size of the fixed label vocabulary.
const NumLabels = 5

// ErrUnknownLabel is returned when a label name is not in the vocabulary.
var ErrUnknownLabel = errors.New("unknown label")

var labelNames = [NumLabels]string{"high_grade", "low_grade", "clear_cell", "endometrioid", "mucinous"}

// String returns the name used in the label tables, e.g. "clear_cell".
func (l Label) String() string {
	if !l.IsALabel() {
		return "Label(" + strconv.Itoa(int(l)) + ")"
	}
	return labelNames[l]
}

// IsALabel returns whether l is part of the vocabulary.
func (l Label) IsALabel() bool {
	return l >= 0 && int(l) < NumLabels
}

// LabelValues returns all labels, in class index order.
func LabelValues() []Label {
	values := make([]Label, NumLabels)
	for i := range values {
		values[i] = Label(i)
	}
	return values
}

// LabelNames returns the names of all labels, in class index order.
func LabelNames() []string {
	return slices.Clone(labelNames[:])
}

// ParseLabel converts a label name (as in the label table) to its Label.
// Surrounding spaces are ignored, case is not.
func ParseLabel(name string) (Label, error) {
	name = strings.TrimSpace(name)
	for i, n := range labelNames {
		if n == name {
			return Label(i), nil
		}
	}
	return -1, errors.Wrapf(ErrUnknownLabel, "%q is not one of %v", name, labelNames)
}
