// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slidegraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabels(t *testing.T) {
	wantIndices := map[string]Label{
		"high_grade":   0,
		"low_grade":    1,
		"clear_cell":   2,
		"endometrioid": 3,
		"mucinous":     4,
	}
	for name, want := range wantIndices {
		got, err := ParseLabel(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, name, got.String())
	}
	l, err := ParseLabel(" mucinous ")
	require.NoError(t, err)
	assert.Equal(t, LabelMucinous, l)

	_, err = ParseLabel("serous")
	require.ErrorIs(t, err, ErrUnknownLabel)
	_, err = ParseLabel("High_Grade")
	require.ErrorIs(t, err, ErrUnknownLabel)

	assert.Len(t, LabelValues(), NumLabels)

	names := LabelNames()
	names[0] = "overwritten"
	assert.Equal(t, "high_grade", LabelNames()[0])
	assert.Equal(t, "high_grade", LabelHighGrade.String())
	assert.Equal(t, "Label(9)", Label(9).String())
	assert.False(t, Label(-1).IsALabel())
}
