// Package data defines the batch contract between the trainer and its data
// sources, plus an in-memory source used by the binary and the tests.
package data

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// LabelFormat states how label tensors are laid out.
type LabelFormat int

const (
	// MultiHot labels are (batch, classes) float32 targets in {0, 1}.
	MultiHot LabelFormat = iota
	// ClassIndex labels are (batch) class indices stored as float32 or int.
	ClassIndex
)

func (f LabelFormat) String() string {
	switch f {
	case MultiHot:
		return "multi-hot"
	case ClassIndex:
		return "class-index"
	default:
		return "unknown"
	}
}

// Batch is one step of input: video (batch, time, channels, height, width)
// and the matching labels.
type Batch struct {
	Video  tensor.Tensor
	Labels tensor.Tensor
}

// Size is the number of samples in the batch.
func (b Batch) Size() int { return b.Video.Shape()[0] }

// Loader is a read-only, re-iterable source of batches.
type Loader interface {
	// SampleShape is the shape of one video sample: (time, channels, height, width).
	SampleShape() tensor.Shape
	// Iterate calls fn for every batch in order, stopping at the first error.
	Iterate(fn func(Batch) error) error
}

// SliceLoader serves pre-built batches from memory.
type SliceLoader struct {
	Batches []Batch
}

// SampleShape implements Loader.
func (l *SliceLoader) SampleShape() tensor.Shape {
	if len(l.Batches) == 0 {
		return nil
	}
	return l.Batches[0].Video.Shape()[1:].Clone()
}

// Iterate implements Loader.
func (l *SliceLoader) Iterate(fn func(Batch) error) error {
	for _, b := range l.Batches {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// Split cuts samples (videos: (n, t, c, h, w), labels: (n, ...)) into
// batches of at most size samples. The last batch may be smaller.
func Split(videos, labels *tensor.Dense, size int) (*SliceLoader, error) {
	if size <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", size)
	}
	n := videos.Shape()[0]
	if labels.Shape()[0] != n {
		return nil, errors.Errorf("%d videos but %d labels", n, labels.Shape()[0])
	}
	l := &SliceLoader{}
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		v, err := sliceRows(videos, start, end)
		if err != nil {
			return nil, err
		}
		y, err := sliceRows(labels, start, end)
		if err != nil {
			return nil, err
		}
		l.Batches = append(l.Batches, Batch{Video: v, Labels: y})
	}
	return l, nil
}

// sliceRows copies rows [start, end) of the leading axis into a new tensor.
func sliceRows(t *tensor.Dense, start, end int) (*tensor.Dense, error) {
	shape := t.Shape().Clone()
	row := shape.TotalSize() / shape[0]
	src, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("expected float32 data, got %v", t.Dtype())
	}
	data := make([]float32, (end-start)*row)
	copy(data, src[start*row:end*row])
	shape[0] = end - start
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}
