// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"io"
	"os"
	"slices"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/slidegnn/pkg/slidegraph"
	"github.com/pkg/errors"
)

// Column names of the label and split tables.
const (
	SlideIDColumn = "slide_id"
	LabelColumn   = "label"
	TrainColumn   = "train"
	ValColumn     = "val"
	TestColumn    = "test"
)

var (
	// ErrUnknownSlide is returned when a slide id is not in the label table.
	ErrUnknownSlide = errors.New("unknown slide id")

	// ErrMalformedTable is returned when a label or split table misses required columns or values.
	ErrMalformedTable = errors.New("malformed table")
)

// readStringsCSV reads a CSV with a header into a DataFrame where every column is a string:
// identifiers like "0012" must not be coerced to numbers.
func readStringsCSV(r io.Reader, requiredColumns ...string) (dataframe.DataFrame, error) {
	df := dataframe.ReadCSV(r,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String))
	if df.Err != nil {
		return df, errors.Wrapf(df.Err, "failed to parse CSV")
	}
	names := df.Names()
	for _, col := range requiredColumns {
		if !slices.Contains(names, col) {
			return df, errors.Wrapf(ErrMalformedTable, "missing column %q (columns: %v)", col, names)
		}
	}
	return df, nil
}

// nonBlankValues returns the values of the column, in order, skipping missing or blank cells.
func nonBlankValues(df dataframe.DataFrame, column string) []string {
	col := df.Col(column)
	values := make([]string, 0, col.Len())
	for i := range col.Len() {
		elem := col.Elem(i)
		if elem.IsNA() {
			continue
		}
		value := strings.TrimSpace(elem.String())
		if value == "" {
			continue
		}
		values = append(values, value)
	}
	return values
}

// LabelTable maps slide ids to labels, in the order of the table.
type LabelTable struct {
	IDs    []string
	Labels []slidegraph.Label
	index  map[string]int
}

// ReadLabelTable reads the CSV file with (at least) the columns "slide_id" and "label".
func ReadLabelTable(filePath string) (*LabelTable, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open label table")
	}
	defer func() { _ = f.Close() }()
	table, err := ParseLabelTable(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "label table %q", filePath)
	}
	return table, nil
}

// ParseLabelTable parses a label table from CSV contents. See ReadLabelTable.
func ParseLabelTable(r io.Reader) (*LabelTable, error) {
	df, err := readStringsCSV(r, SlideIDColumn, LabelColumn)
	if err != nil {
		return nil, err
	}
	ids := df.Col(SlideIDColumn).Records()
	labelNames := df.Col(LabelColumn).Records()
	table := &LabelTable{
		IDs:    make([]string, 0, len(ids)),
		Labels: make([]slidegraph.Label, 0, len(ids)),
		index:  make(map[string]int, len(ids)),
	}
	for row, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, errors.Wrapf(ErrMalformedTable, "row %d has an empty %q", row+1, SlideIDColumn)
		}
		if _, found := table.index[id]; found {
			return nil, errors.Wrapf(ErrMalformedTable, "slide %q listed more than once", id)
		}
		label, err := slidegraph.ParseLabel(labelNames[row])
		if err != nil {
			return nil, errors.WithMessagef(err, "row %d, slide %q", row+1, id)
		}
		table.index[id] = len(table.IDs)
		table.IDs = append(table.IDs, id)
		table.Labels = append(table.Labels, label)
	}
	return table, nil
}

// Len returns the number of slides in the table.
func (t *LabelTable) Len() int {
	return len(t.IDs)
}

// Lookup returns the label of the slide.
func (t *LabelTable) Lookup(slideID string) (slidegraph.Label, error) {
	row, found := t.index[slideID]
	if !found {
		return -1, errors.Wrapf(ErrUnknownSlide, "slide %q not in label table", slideID)
	}
	return t.Labels[row], nil
}

// SplitTable lists the slide ids of each split.
type SplitTable struct {
	Train, Val, Test []string
}

// ReadSplitTable reads the CSV file with the columns "train", "val" and "test".
// Columns may have different lengths, with the shorter ones padded with blank cells.
func ReadSplitTable(filePath string) (*SplitTable, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open split table")
	}
	defer func() { _ = f.Close() }()
	table, err := ParseSplitTable(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "split table %q", filePath)
	}
	return table, nil
}

// ParseSplitTable parses a split table from CSV contents. See ReadSplitTable.
func ParseSplitTable(r io.Reader) (*SplitTable, error) {
	df, err := readStringsCSV(r, TrainColumn, ValColumn, TestColumn)
	if err != nil {
		return nil, err
	}
	return &SplitTable{
		Train: nonBlankValues(df, TrainColumn),
		Val:   nonBlankValues(df, ValColumn),
		Test:  nonBlankValues(df, TestColumn),
	}, nil
}

// Column returns the ids of the split with the given name ("train", "val" or "test").
func (t *SplitTable) Column(name string) ([]string, error) {
	switch name {
	case TrainColumn:
		return t.Train, nil
	case ValColumn:
		return t.Val, nil
	case TestColumn:
		return t.Test, nil
	}
	return nil, errors.Wrapf(ErrMalformedTable, "unknown split %q", name)
}
