package model

import (
	"math"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"vidclip/errs"
	"vidclip/nn"
)

// DefaultMaxLen is the positional table capacity used by the fusion model.
const DefaultMaxLen = 2000

// PositionalEncoding adds the fixed sinusoidal pattern of "Attention is all
// you need" to a (batch, seq, dim) sequence, then applies dropout.
type PositionalEncoding struct {
	Dim     int
	MaxLen  int
	Dropout float64

	table []float32 // (MaxLen, Dim), row-major
}

// NewPositionalEncoding precomputes the table for maxLen positions.
func NewPositionalEncoding(dim, maxLen int, dropout float64) *PositionalEncoding {
	table := make([]float32, maxLen*dim)
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < dim; i += 2 {
			div := math.Exp(float64(i) * (-math.Log(10000.0) / float64(dim)))
			angle := float64(pos) * div
			table[pos*dim+i] = float32(math.Sin(angle))
			if i+1 < dim {
				table[pos*dim+i+1] = float32(math.Cos(angle))
			}
		}
	}
	return &PositionalEncoding{Dim: dim, MaxLen: maxLen, Dropout: dropout, table: table}
}

// Table returns the first seqLen rows as a (1, seqLen, Dim) tensor.
func (pe *PositionalEncoding) Table(seqLen int) (*tensor.Dense, error) {
	if seqLen > pe.MaxLen {
		return nil, errs.Configuration("sequence length %d exceeds positional capacity %d", seqLen, pe.MaxLen)
	}
	data := make([]float32, seqLen*pe.Dim)
	copy(data, pe.table[:seqLen*pe.Dim])
	return tensor.New(tensor.WithShape(1, seqLen, pe.Dim), tensor.WithBacking(data)), nil
}

// Forward adds the table to x and applies dropout in training graphs.
func (pe *PositionalEncoding) Forward(b *nn.Builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	shape := x.Shape()
	if len(shape) != 3 || shape[2] != pe.Dim {
		return nil, errs.Configuration("positional encoding expects (batch, seq, %d), got %v", pe.Dim, shape)
	}
	table, err := pe.Table(shape[1])
	if err != nil {
		return nil, err
	}
	out, err := gorgonia.BroadcastAdd(x, b.Const("pos_table", table), nil, []byte{0})
	if err != nil {
		return nil, err
	}
	return b.Dropout(out, pe.Dropout)
}
