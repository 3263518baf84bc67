// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluation computes the final classification metrics of a split: confusion matrix,
// accuracy, balanced accuracy, macro F1 and one-vs-rest ROC AUC.
//
// Metrics that can't be computed for a split (e.g. AUC when only one class is present) don't fail
// the report: their Metric.Err holds the reason, and errors.Is(err, ErrUnavailable) holds.
package evaluation

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// ErrUnavailable is wrapped by all metric failures.
var ErrUnavailable = errors.New("metric unavailable")

// unavailableError is a reason for a metric to be unavailable.
type unavailableError struct{ reason string }

func (e *unavailableError) Error() string { return e.reason }
func (e *unavailableError) Unwrap() error { return ErrUnavailable }

var (
	// ErrEmpty is the failure of all metrics of an empty split.
	ErrEmpty error = &unavailableError{"empty split"}

	// ErrTooFewClasses is the failure of AUC when fewer than two classes are present in the labels.
	ErrTooFewClasses error = &unavailableError{"fewer than two classes present"}

	// ErrClassMismatch is the failure of one-vs-rest AUC when the number of classes present in the
	// labels differs from the number of score columns.
	ErrClassMismatch error = &unavailableError{"classes present don't match the score columns"}
)

// Metric is the outcome of one metric: its Value if Err is nil.
type Metric struct {
	Value float64
	Err   error
}

// Ok returns whether the metric was computed.
func (m Metric) Ok() bool { return m.Err == nil }

// String implements fmt.Stringer.
func (m Metric) String() string {
	if m.Err != nil {
		return fmt.Sprintf("unavailable (%v)", m.Err)
	}
	return fmt.Sprintf("%.4f", m.Value)
}

func failed(err error) Metric { return Metric{Err: err} }

// Report holds the metrics of one split.
type Report struct {
	NumClasses int
	NumSamples int

	// ClassNames are used by Render, if set. Otherwise classes are shown by index.
	ClassNames []string

	// Confusion is the confusion matrix, with the true classes in the rows and the predicted ones in
	// the columns. It's always available, possibly all zeros.
	Confusion [][]int

	Accuracy         Metric
	BalancedAccuracy Metric
	MacroF1          Metric
	AUC              Metric
}

// Evaluate computes the report for the given labels and predicted class probabilities (one row
// per example, one column per class). The predicted class is the one with the highest probability.
func Evaluate(labels []int, probs [][]float64, numClasses int) *Report {
	r := &Report{
		NumClasses: numClasses,
		NumSamples: len(labels),
		Confusion:  make([][]int, numClasses),
	}
	for i := range r.Confusion {
		r.Confusion[i] = make([]int, numClasses)
	}
	if len(labels) != len(probs) {
		err := errors.Wrapf(ErrUnavailable, "%d labels but %d predictions", len(labels), len(probs))
		r.Accuracy, r.BalancedAccuracy, r.MacroF1, r.AUC = failed(err), failed(err), failed(err), failed(err)
		return r
	}
	if len(labels) == 0 {
		r.Accuracy, r.BalancedAccuracy, r.MacroF1, r.AUC = failed(ErrEmpty), failed(ErrEmpty), failed(ErrEmpty), failed(ErrEmpty)
		return r
	}
	for i, label := range labels {
		if label < 0 || label >= numClasses || len(probs[i]) != numClasses {
			err := errors.Wrapf(ErrUnavailable, "example %d: label %d or %d scores don't match %d classes",
				i, label, len(probs[i]), numClasses)
			r.Accuracy, r.BalancedAccuracy, r.MacroF1, r.AUC = failed(err), failed(err), failed(err), failed(err)
			return r
		}
		r.Confusion[label][ArgMax(probs[i])]++
	}
	r.Accuracy = Metric{Value: accuracy(r.Confusion)}
	r.BalancedAccuracy = Metric{Value: balancedAccuracy(r.Confusion)}
	r.MacroF1 = Metric{Value: macroF1(r.Confusion)}
	r.AUC = ovrAUC(labels, probs, numClasses)
	return r
}

// ArgMax returns the index of the largest value, the first one in case of ties.
func ArgMax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func accuracy(confusion [][]int) float64 {
	var correct, total int
	for i, row := range confusion {
		for j, count := range row {
			total += count
			if i == j {
				correct += count
			}
		}
	}
	return float64(correct) / float64(total)
}

// balancedAccuracy is the mean recall over the classes present in the labels.
func balancedAccuracy(confusion [][]int) float64 {
	var sum float64
	var numPresent int
	for c, row := range confusion {
		support := sumInts(row)
		if support == 0 {
			continue
		}
		sum += float64(row[c]) / float64(support)
		numPresent++
	}
	return sum / float64(numPresent)
}

// macroF1 is the mean F1 score over the classes present in the labels or in the predictions.
// A class with no true positives scores 0.
func macroF1(confusion [][]int) float64 {
	var sum float64
	var numClasses int
	for c := range confusion {
		truePositives := confusion[c][c]
		falseNegatives := sumInts(confusion[c]) - truePositives
		var falsePositives int
		for other := range confusion {
			if other != c {
				falsePositives += confusion[other][c]
			}
		}
		if truePositives+falseNegatives+falsePositives == 0 {
			continue
		}
		numClasses++
		sum += float64(2*truePositives) / float64(2*truePositives+falsePositives+falseNegatives)
	}
	return sum / float64(numClasses)
}

// ovrAUC is the macro average of the one-vs-rest ROC AUC of each class. It requires every score
// column to be a class present in the labels.
func ovrAUC(labels []int, probs [][]float64, numClasses int) Metric {
	present := make([]bool, numClasses)
	var numPresent int
	for _, label := range labels {
		if !present[label] {
			present[label] = true
			numPresent++
		}
	}
	if numPresent < 2 {
		return failed(ErrTooFewClasses)
	}
	if numPresent != numClasses {
		return failed(errors.WithMessagef(ErrClassMismatch, "%d of %d classes present", numPresent, numClasses))
	}
	var sum float64
	scores := make([]float64, len(labels))
	positives := make([]bool, len(labels))
	for c := range numClasses {
		for i, label := range labels {
			scores[i] = probs[i][c]
			positives[i] = label == c
		}
		sum += BinaryAUC(scores, positives)
	}
	return Metric{Value: sum / float64(numClasses)}
}

// BinaryAUC returns the area under the ROC curve of the scores for the given positive examples.
// Both positive and negative examples must be present.
func BinaryAUC(scores []float64, positives []bool) float64 {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })
	sortedScores := make([]float64, len(order))
	sortedClasses := make([]bool, len(order))
	for i, idx := range order {
		sortedScores[i] = scores[idx]
		sortedClasses[i] = positives[idx]
	}
	tpr, fpr, _ := stat.ROC(nil, sortedScores, sortedClasses, nil)
	return integrate.Trapezoidal(fpr, tpr)
}

func sumInts(values []int) int {
	var sum int
	for _, v := range values {
		sum += v
	}
	return sum
}
