package nn

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Binding ties an owned parameter to the node that stands for it in one graph.
type Binding struct {
	Param *Param
	Node  *gorgonia.Node
}

// Builder constructs expression graphs over owned parameters.
// A graph is built once per (mode, batch size) and reused; parameters are
// re-bound before every run so in-place optimizer updates are always seen.
type Builder struct {
	G     *gorgonia.ExprGraph
	Train bool

	// Rand draws dropout masks.
	Rand *rand.Rand

	nodes    map[*Param]*gorgonia.Node
	bindings []Binding
	masks    []dropoutMask
	consts   int
}

type dropoutMask struct {
	node *gorgonia.Node
	p    float64
}

// NewBuilder returns a builder over a fresh graph.
func NewBuilder(train bool) *Builder {
	return &Builder{
		G:     gorgonia.NewGraph(),
		Train: train,
		Rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
		nodes: make(map[*Param]*gorgonia.Node),
	}
}

// Param returns the node for p, creating it on first use.
func (b *Builder) Param(p *Param) *gorgonia.Node {
	if n, ok := b.nodes[p]; ok {
		return n
	}
	shape := p.Shape()
	n := gorgonia.NewTensor(b.G, tensor.Float32, len(shape),
		gorgonia.WithShape(shape...),
		gorgonia.WithName(p.Name),
		gorgonia.WithValue(p.Value.Clone().(*tensor.Dense)))
	b.nodes[p] = n
	b.bindings = append(b.bindings, Binding{Param: p, Node: n})
	return n
}

// Bindings returns every parameter used by the graph, in first-use order.
func (b *Builder) Bindings() []Binding { return b.bindings }

// Learnables returns the parameter nodes of the graph.
func (b *Builder) Learnables() gorgonia.Nodes {
	nodes := make(gorgonia.Nodes, len(b.bindings))
	for i, bd := range b.bindings {
		nodes[i] = bd.Node
	}
	return nodes
}

// Input declares a float32 input placeholder.
func (b *Builder) Input(name string, shape ...int) *gorgonia.Node {
	return gorgonia.NewTensor(b.G, tensor.Float32, len(shape),
		gorgonia.WithShape(shape...),
		gorgonia.WithName(name))
}

// Const adds a constant tensor to the graph.
func (b *Builder) Const(name string, t tensor.Tensor) *gorgonia.Node {
	b.consts++
	return gorgonia.NodeFromAny(b.G, t, gorgonia.WithName(fmt.Sprintf("%s_%d", name, b.consts)))
}

// Scalar adds a float32 scalar constant.
func (b *Builder) Scalar(name string, v float32) *gorgonia.Node {
	b.consts++
	return gorgonia.NodeFromAny(b.G, v, gorgonia.WithName(fmt.Sprintf("%s_%d", name, b.consts)))
}

// Dropout applies inverted dropout in training graphs only. The keep mask
// is an input node scaled by 1/(1-p) and redrawn by every Rebind, so the
// backward pass is a plain Hadamard product.
func (b *Builder) Dropout(x *gorgonia.Node, p float64) (*gorgonia.Node, error) {
	if !b.Train || p <= 0 {
		return x, nil
	}
	if p >= 1 {
		return nil, errors.Errorf("dropout probability %v out of range [0, 1)", p)
	}
	shape := x.Shape().Clone()
	mask := gorgonia.NewTensor(b.G, tensor.Float32, len(shape),
		gorgonia.WithShape(shape...),
		gorgonia.WithName(fmt.Sprintf("dropout_mask_%d", len(b.masks))))
	b.masks = append(b.masks, dropoutMask{node: mask, p: p})
	if err := b.resample(b.masks[len(b.masks)-1]); err != nil {
		return nil, err
	}
	return gorgonia.HadamardProd(x, mask)
}

func (b *Builder) resample(m dropoutMask) error {
	shape := m.node.Shape()
	data := make([]float32, shape.TotalSize())
	scale := float32(1 / (1 - m.p))
	for i := range data {
		if b.Rand.Float64() >= m.p {
			data[i] = scale
		}
	}
	return gorgonia.Let(m.node, tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(data)))
}

// Rebind copies the owned parameter values into their graph nodes and draws
// fresh dropout masks. Nodes hold their own copies so graph ops never alias
// parameter memory.
func (b *Builder) Rebind() error {
	for _, m := range b.masks {
		if err := b.resample(m); err != nil {
			return errors.Wrap(err, "dropout mask")
		}
	}
	for _, bd := range b.bindings {
		if v := bd.Node.Value(); v != nil {
			if dst, ok := v.Data().([]float32); ok && len(dst) == len(bd.Param.Grad) {
				copy(dst, bd.Param.Data())
				continue
			}
		}
		if err := gorgonia.Let(bd.Node, bd.Param.Value.Clone().(*tensor.Dense)); err != nil {
			return errors.Wrapf(err, "rebind %s", bd.Param.Name)
		}
	}
	return nil
}

// CollectGrads adds node gradients into the owned parameters and clears the
// node gradients for the next run.
func (b *Builder) CollectGrads() error {
	for _, bd := range b.bindings {
		g, err := bd.Node.Grad()
		if err != nil {
			return errors.Wrapf(err, "grad of %s", bd.Param.Name)
		}
		src, ok := g.Data().([]float32)
		if !ok || len(src) != len(bd.Param.Grad) {
			return errors.Errorf("grad of %s: unexpected gradient shape %v", bd.Param.Name, g.Shape())
		}
		for i, v := range src {
			bd.Param.Grad[i] += v
		}
		if t, ok := g.(tensor.Tensor); ok {
			t.Zero()
		}
	}
	return nil
}
