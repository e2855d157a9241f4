package nn

import (
	"encoding/gob"
	"io"
	"slices"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Tensor is the portable form of a parameter value.
type Tensor struct {
	Dims []int
	Data []float32
}

// TensorOf copies a dense float32 tensor into its portable form.
func TensorOf(t *tensor.Dense) Tensor {
	src := t.Data().([]float32)
	data := make([]float32, len(src))
	copy(data, src)
	return Tensor{Dims: append([]int(nil), t.Shape()...), Data: data}
}

// Shape returns the tensor shape.
func (t Tensor) Shape() tensor.Shape { return tensor.Shape(t.Dims) }

// Fits reports whether t has exactly the given dims and a matching number
// of values. Unlike tensor.Shape.Eq, (3) does not fit (3, 1).
func (t Tensor) Fits(shape tensor.Shape) bool {
	return slices.Equal(t.Dims, []int(shape)) && len(t.Data) == shape.TotalSize()
}

// Dense returns a fresh dense tensor holding a copy of the data.
func (t Tensor) Dense() *tensor.Dense {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return tensor.New(tensor.WithShape(t.Dims...), tensor.WithBacking(data))
}

// StateDict maps local parameter names to values.
type StateDict map[string]Tensor

// WriteStateDict gob-encodes sd to w.
func WriteStateDict(w io.Writer, sd StateDict) error {
	return errors.Wrap(gob.NewEncoder(w).Encode(sd), "encode state dict")
}

// ReadStateDict decodes a state dict written by WriteStateDict.
func ReadStateDict(r io.Reader) (StateDict, error) {
	var sd StateDict
	if err := gob.NewDecoder(r).Decode(&sd); err != nil {
		return nil, errors.Wrap(err, "decode state dict")
	}
	return sd, nil
}
