// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package evaluation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

// className returns the name of class c.
func (r *Report) className(c int) string {
	if c < len(r.ClassNames) {
		return r.ClassNames[c]
	}
	return strconv.Itoa(c)
}

// ConfusionTable renders the confusion matrix: one row per true class, one column per predicted class.
func (r *Report) ConfusionTable() string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow || col == 0 {
				return headerStyle
			}
			return cellStyle
		})

	headers := []string{"true \\ predicted"}
	for c := range r.NumClasses {
		headers = append(headers, r.className(c))
	}
	table.Headers(headers...)
	for c, counts := range r.Confusion {
		row := make([]string, 0, 1+len(counts))
		row = append(row, r.className(c))
		for _, count := range counts {
			row = append(row, strconv.Itoa(count))
		}
		table.Row(row...)
	}
	return table.String()
}

// Render returns the report of the named split: a title line, the confusion matrix and the metrics.
func (r *Report) Render(name string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%d samples):\n", name, r.NumSamples)
	sb.WriteString(r.ConfusionTable())
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Accuracy: %s, Balanced Accuracy: %s, Macro F1: %s, AUC (one-vs-rest): %s\n",
		r.Accuracy, r.BalancedAccuracy, r.MacroF1, r.AUC)
	return sb.String()
}
