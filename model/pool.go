package model

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"vidclip/nn"
)

// AdaptivePoolMatrix returns the (out, in) averaging matrix of 1D adaptive
// average pooling: row i averages input positions
// [floor(i*in/out), ceil((i+1)*in/out)).
func AdaptivePoolMatrix(in, out int) []float32 {
	m := make([]float32, out*in)
	for i := 0; i < out; i++ {
		start := (i * in) / out
		end := ((i+1)*in + out - 1) / out
		w := 1 / float32(end-start)
		for j := start; j < end; j++ {
			m[i*in+j] = w
		}
	}
	return m
}

// AdaptiveAvgPool resamples x of shape (batch, seq, dim) to (batch, out, dim)
// along the sequence axis, keeping the channel layout.
func AdaptiveAvgPool(b *nn.Builder, x *gorgonia.Node, out int) (*gorgonia.Node, error) {
	shape := x.Shape()
	bs, seq := shape[0], shape[1]
	if seq == out {
		return x, nil
	}

	row := AdaptivePoolMatrix(seq, out)
	data := make([]float32, 0, bs*len(row))
	for i := 0; i < bs; i++ {
		data = append(data, row...)
	}
	pool := tensor.New(tensor.WithShape(bs, out, seq), tensor.WithBacking(data))
	return gorgonia.BatchedMatMul(b.Const("adaptive_pool", pool), x)
}
