// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/bucketing"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/slidegnn/pkg/slidegraph"
	"github.com/pkg/errors"
)

// DefaultPadding is the bucketing of node counts used when none is configured.
const DefaultPadding = "exp:1.4"

// ParsePadding converts a padding specification to a bucketing strategy: "none", "pow2",
// "linear:<step>" or "exp:<base>".
func ParsePadding(spec string) (bucketing.Strategy, error) {
	name, arg, hasArg := strings.Cut(strings.TrimSpace(spec), ":")
	switch name {
	case "none", "":
		return bucketing.None(), nil
	case "pow2":
		return bucketing.Pow2(), nil
	case "linear":
		step, err := strconv.Atoi(arg)
		if !hasArg || err != nil || step <= 0 {
			return nil, errors.Errorf("invalid padding %q: expected \"linear:<step>\" with a positive integer step", spec)
		}
		return bucketing.Linear(step), nil
	case "exp":
		base, err := strconv.ParseFloat(arg, 64)
		if !hasArg || err != nil || base <= 1 {
			return nil, errors.Errorf("invalid padding %q: expected \"exp:<base>\" with base > 1", spec)
		}
		return bucketing.Exponential(base), nil
	}
	return nil, errors.Errorf("invalid padding %q: valid values are \"none\", \"pow2\", \"linear:<step>\" or \"exp:<base>\"", spec)
}

// GraphTensors converts a graph to the model inputs, padded to padding.Bucket(numNodes) nodes:
//
//   - features: Float32[P, FeatureDim]
//   - adjacency: Float32[P, P]
//   - mask: Bool[P], true for real nodes.
//
// And the labels: Int32[1, 1].
func GraphTensors(g *slidegraph.Graph, padding bucketing.Strategy) (inputs, labels []*tensors.Tensor) {
	paddedSize := padding.Bucket(g.NumNodes())
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(g.PaddedFeatures(paddedSize), paddedSize, g.FeatureDim),
		tensors.FromFlatDataAndDimensions(g.DenseAdjacency(paddedSize), paddedSize, paddedSize),
		tensors.FromFlatDataAndDimensions(g.Mask(paddedSize), paddedSize),
	}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions([]int32{int32(g.Label)}, 1, 1)}
	return
}

// LoaderOptions configure a Loader.
type LoaderOptions struct {
	// Workers is the number of graphs converted to tensors ahead of consumption.
	// If 0, conversion happens synchronously in Yield.
	Workers int

	// Padding of the node count. If nil, DefaultPadding is used.
	Padding bucketing.Strategy
}

type example struct {
	id             string
	inputs, labels []*tensors.Tensor
}

// Loader yields the graphs of a split, one per Yield, in the order given by its Sampler.
// It implements train.Dataset.
//
// Yield returns io.EOF at the end of each epoch. Reset starts the next epoch, with the sampler's
// order for it.
//
// Loader is not safe for concurrent use, but it uses Workers goroutines to prepare the upcoming graphs
// ahead of time. The delivery order is never affected by prefetching.
type Loader struct {
	name    string
	split   *Split
	sampler Sampler
	padding bucketing.Strategy
	workers int

	epoch     int
	order     []int
	next      int
	currentID string

	pending chan chan example
	stop    chan struct{}
	wg      sync.WaitGroup
}

var _ train.Dataset = (*Loader)(nil)

// NewLoader creates a Loader over the split, starting at epoch 0.
func NewLoader(name string, split *Split, sampler Sampler, opts LoaderOptions) *Loader {
	l := &Loader{
		name:    name,
		split:   split,
		sampler: sampler,
		padding: opts.Padding,
		workers: opts.Workers,
	}
	if l.padding == nil {
		l.padding, _ = ParsePadding(DefaultPadding)
	}
	l.startEpoch()
	return l
}

// Name implements train.Dataset.
func (l *Loader) Name() string {
	return l.name
}

// Len returns the number of graphs yielded per epoch.
func (l *Loader) Len() int {
	return len(l.order)
}

// Epoch returns the current epoch number, starting from 0.
func (l *Loader) Epoch() int {
	return l.epoch
}

// Order returns the positions (within the split) of the graphs of the current epoch, in delivery order.
func (l *Loader) Order() []int {
	return append([]int(nil), l.order...)
}

// Position returns the number of graphs already yielded in the current epoch.
func (l *Loader) Position() int {
	return l.next
}

// CurrentID returns the slide id of the last yielded graph.
func (l *Loader) CurrentID() string {
	return l.currentID
}

// Reset implements train.Dataset. It moves to the next epoch.
func (l *Loader) Reset() {
	l.epoch++
	l.startEpoch()
}

// Yield implements train.Dataset. The spec is always nil: all graphs share the same model.
func (l *Loader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if l.next >= len(l.order) {
		return nil, nil, nil, io.EOF
	}
	var ex example
	if l.pending == nil {
		ex = l.makeExample(l.order[l.next])
	} else {
		ex = <-<-l.pending
	}
	l.next++
	l.currentID = ex.id
	return nil, ex.inputs, ex.labels, nil
}

// Close stops the prefetching goroutines. The Loader can't be used afterwards.
func (l *Loader) Close() {
	l.stopPrefetch()
	l.order = nil
}

func (l *Loader) makeExample(idx int) example {
	g := l.split.Graphs[idx]
	inputs, labels := GraphTensors(g, l.padding)
	return example{id: g.ID, inputs: inputs, labels: labels}
}

func (l *Loader) startEpoch() {
	l.stopPrefetch()
	l.next = 0
	l.currentID = ""
	if l.split.Len() == 0 {
		l.order = nil
		return
	}
	l.order = l.sampler.Order(l.epoch)
	if l.workers <= 0 {
		return
	}

	order := l.order
	pending := make(chan chan example, l.workers)
	stop := make(chan struct{})
	l.pending, l.stop = pending, stop
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(pending)
		slots := make(chan struct{}, l.workers)
		for _, idx := range order {
			result := make(chan example, 1)
			select {
			case pending <- result:
			case <-stop:
				return
			}
			select {
			case slots <- struct{}{}:
			case <-stop:
				return
			}
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				result <- l.makeExample(idx)
				<-slots
			}()
		}
	}()
}

func (l *Loader) stopPrefetch() {
	if l.pending == nil {
		return
	}
	close(l.stop)
	for range l.pending {
	}
	l.wg.Wait()
	l.pending, l.stop = nil, nil
}
