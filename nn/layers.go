package nn

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Linear is a dense projection applied to the last axis.
type Linear struct {
	In, Out int
	W       *Param // (In, Out)
	B       *Param // (Out), nil when the layer has no bias
}

// NewLinear registers name.weight (and name.bias) in ps. An empty name
// registers plain "weight" and "bias".
func NewLinear(ps *ParamSet, name string, in, out int, bias bool) *Linear {
	l := &Linear{In: in, Out: out}
	l.W = ps.Add(join(name, "weight"), Glorot(in, out))
	if bias {
		l.B = ps.Add(join(name, "bias"), Zeros(out))
	}
	return l
}

func join(prefix, leaf string) string {
	if prefix == "" {
		return leaf
	}
	return prefix + "." + leaf
}

// Forward projects x of shape (..., In) to (..., Out).
func (l *Linear) Forward(b *Builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	shape := x.Shape().Clone()
	if shape[len(shape)-1] != l.In {
		return nil, errors.Errorf("linear expects last dim %d, got %v", l.In, shape)
	}
	rows := shape.TotalSize() / l.In

	flat := x
	var err error
	if len(shape) != 2 {
		if flat, err = gorgonia.Reshape(x, tensor.Shape{rows, l.In}); err != nil {
			return nil, err
		}
	}
	out, err := gorgonia.Mul(flat, b.Param(l.W))
	if err != nil {
		return nil, err
	}
	if l.B != nil {
		bias, err := gorgonia.Reshape(b.Param(l.B), tensor.Shape{1, l.Out})
		if err != nil {
			return nil, err
		}
		if out, err = gorgonia.BroadcastAdd(out, bias, nil, []byte{0}); err != nil {
			return nil, err
		}
	}
	if len(shape) == 2 {
		return out, nil
	}
	shape[len(shape)-1] = l.Out
	return gorgonia.Reshape(out, shape)
}

// LayerNorm normalizes the last axis and applies a learned affine map.
type LayerNorm struct {
	Dim   int
	Eps   float32
	Gamma *Param
	Beta  *Param
}

// NewLayerNorm registers name.weight and name.bias in ps.
func NewLayerNorm(ps *ParamSet, name string, dim int) *LayerNorm {
	return &LayerNorm{
		Dim:   dim,
		Eps:   1e-5,
		Gamma: ps.Add(name+".weight", Ones(dim)),
		Beta:  ps.Add(name+".bias", Zeros(dim)),
	}
}

// Forward normalizes x of shape (..., Dim).
func (ln *LayerNorm) Forward(b *Builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	shape := x.Shape().Clone()
	rows := shape.TotalSize() / ln.Dim

	flat, err := gorgonia.Reshape(x, tensor.Shape{rows, ln.Dim})
	if err != nil {
		return nil, err
	}
	mean, err := gorgonia.Mean(flat, 1)
	if err != nil {
		return nil, err
	}
	if mean, err = gorgonia.Reshape(mean, tensor.Shape{rows, 1}); err != nil {
		return nil, err
	}
	centered, err := gorgonia.BroadcastSub(flat, mean, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	sq, err := gorgonia.Square(centered)
	if err != nil {
		return nil, err
	}
	variance, err := gorgonia.Mean(sq, 1)
	if err != nil {
		return nil, err
	}
	if variance, err = gorgonia.Reshape(variance, tensor.Shape{rows, 1}); err != nil {
		return nil, err
	}
	if variance, err = gorgonia.Add(variance, b.Scalar("ln_eps", ln.Eps)); err != nil {
		return nil, err
	}
	std, err := gorgonia.Sqrt(variance)
	if err != nil {
		return nil, err
	}
	normed, err := gorgonia.BroadcastHadamardDiv(centered, std, nil, []byte{1})
	if err != nil {
		return nil, err
	}

	gamma, err := gorgonia.Reshape(b.Param(ln.Gamma), tensor.Shape{1, ln.Dim})
	if err != nil {
		return nil, err
	}
	beta, err := gorgonia.Reshape(b.Param(ln.Beta), tensor.Shape{1, ln.Dim})
	if err != nil {
		return nil, err
	}
	if normed, err = gorgonia.BroadcastHadamardProd(normed, gamma, nil, []byte{0}); err != nil {
		return nil, err
	}
	if normed, err = gorgonia.BroadcastAdd(normed, beta, nil, []byte{0}); err != nil {
		return nil, err
	}
	return gorgonia.Reshape(normed, shape)
}

// MultiHeadAttention is scaled dot-product attention over Heads subspaces.
type MultiHeadAttention struct {
	Dim, Heads int
	Dropout    float64

	Query, Key, Value, Out *Linear
}

// NewMultiHeadAttention registers the four projections of an attention block.
func NewMultiHeadAttention(ps *ParamSet, name string, dim, heads int, dropout float64) *MultiHeadAttention {
	return &MultiHeadAttention{
		Dim:     dim,
		Heads:   heads,
		Dropout: dropout,
		Query:   NewLinear(ps, name+".q_proj", dim, dim, true),
		Key:     NewLinear(ps, name+".k_proj", dim, dim, true),
		Value:   NewLinear(ps, name+".v_proj", dim, dim, true),
		Out:     NewLinear(ps, name+".out_proj", dim, dim, true),
	}
}

// Forward attends from query (B, Lq, Dim) over memory (B, Lk, Dim).
// No mask is applied; every query position sees every memory position.
func (m *MultiHeadAttention) Forward(b *Builder, query, memory *gorgonia.Node) (*gorgonia.Node, error) {
	bs, lq := query.Shape()[0], query.Shape()[1]
	lk := memory.Shape()[1]
	dh := m.Dim / m.Heads

	Q, err := m.Query.Forward(b, query)
	if err != nil {
		return nil, err
	}
	K, err := m.Key.Forward(b, memory)
	if err != nil {
		return nil, err
	}
	V, err := m.Value.Forward(b, memory)
	if err != nil {
		return nil, err
	}
	if Q, err = m.splitHeads(Q, bs, lq); err != nil {
		return nil, err
	}
	if K, err = m.splitHeads(K, bs, lk); err != nil {
		return nil, err
	}
	if V, err = m.splitHeads(V, bs, lk); err != nil {
		return nil, err
	}

	// (B*H, Lk, dh) -> (B*H, dh, Lk)
	KT, err := gorgonia.Transpose(K, 0, 2, 1)
	if err != nil {
		return nil, err
	}
	scores, err := gorgonia.BatchedMatMul(Q, KT)
	if err != nil {
		return nil, err
	}
	scale := b.Scalar("attn_scale", float32(1.0/math.Sqrt(float64(dh))))
	if scores, err = gorgonia.HadamardProd(scores, scale); err != nil {
		return nil, err
	}

	flatScores, err := gorgonia.Reshape(scores, tensor.Shape{bs * m.Heads * lq, lk})
	if err != nil {
		return nil, err
	}
	probsFlat, err := gorgonia.SoftMax(flatScores)
	if err != nil {
		return nil, err
	}
	probs, err := gorgonia.Reshape(probsFlat, tensor.Shape{bs * m.Heads, lq, lk})
	if err != nil {
		return nil, err
	}
	if probs, err = b.Dropout(probs, m.Dropout); err != nil {
		return nil, err
	}

	ctx, err := gorgonia.BatchedMatMul(probs, V)
	if err != nil {
		return nil, err
	}
	if ctx, err = m.mergeHeads(ctx, bs, lq); err != nil {
		return nil, err
	}
	return m.Out.Forward(b, ctx)
}

// splitHeads turns (B, L, Dim) into (B*H, L, Dim/H).
func (m *MultiHeadAttention) splitHeads(x *gorgonia.Node, bs, l int) (*gorgonia.Node, error) {
	dh := m.Dim / m.Heads
	x, err := gorgonia.Reshape(x, tensor.Shape{bs, l, m.Heads, dh})
	if err != nil {
		return nil, err
	}
	if x, err = gorgonia.Transpose(x, 0, 2, 1, 3); err != nil {
		return nil, err
	}
	return gorgonia.Reshape(x, tensor.Shape{bs * m.Heads, l, dh})
}

// mergeHeads is the inverse of splitHeads.
func (m *MultiHeadAttention) mergeHeads(x *gorgonia.Node, bs, l int) (*gorgonia.Node, error) {
	dh := m.Dim / m.Heads
	x, err := gorgonia.Reshape(x, tensor.Shape{bs, m.Heads, l, dh})
	if err != nil {
		return nil, err
	}
	if x, err = gorgonia.Transpose(x, 0, 2, 1, 3); err != nil {
		return nil, err
	}
	return gorgonia.Reshape(x, tensor.Shape{bs, l, m.Dim})
}

// FeedForward is the position-wise two layer MLP of a transformer block.
type FeedForward struct {
	Dropout float64
	Up      *Linear
	Down    *Linear
}

// NewFeedForward registers name.linear1 and name.linear2 in ps.
func NewFeedForward(ps *ParamSet, name string, dim, hidden int, dropout float64) *FeedForward {
	return &FeedForward{
		Dropout: dropout,
		Up:      NewLinear(ps, name+".linear1", dim, hidden, true),
		Down:    NewLinear(ps, name+".linear2", hidden, dim, true),
	}
}

// Forward applies Down(dropout(relu(Up(x)))).
func (f *FeedForward) Forward(b *Builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	h, err := f.Up.Forward(b, x)
	if err != nil {
		return nil, err
	}
	if h, err = gorgonia.Rectify(h); err != nil {
		return nil, err
	}
	if h, err = b.Dropout(h, f.Dropout); err != nil {
		return nil, err
	}
	return f.Down.Forward(b, h)
}

// Residual returns norm(x + dropout(y)).
func Residual(b *Builder, norm *LayerNorm, x, y *gorgonia.Node, dropout float64) (*gorgonia.Node, error) {
	y, err := b.Dropout(y, dropout)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Add(x, y)
	if err != nil {
		return nil, err
	}
	return norm.Forward(b, sum)
}
