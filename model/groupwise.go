package model

import (
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"vidclip/errs"
	"vidclip/nn"
)

// GroupWiseLinear maps (batch, classes, hidden) to (batch, classes) with one
// independent weight vector and bias per class. Classes never share
// parameters and never mix information.
type GroupWiseLinear struct {
	NumClasses int
	HiddenDim  int

	Params *nn.ParamSet
	W      *nn.Param // (NumClasses, HiddenDim)
	B      *nn.Param // (NumClasses), nil without bias
}

// NewGroupWiseLinear draws every class row from U(-1/sqrt(hidden), 1/sqrt(hidden)).
func NewGroupWiseLinear(rng *rand.Rand, numClasses, hiddenDim int, bias bool) *GroupWiseLinear {
	ps := nn.NewParamSet("group_linear")
	w, b := InitGroupWise(rng, numClasses, hiddenDim, bias)
	g := &GroupWiseLinear{
		NumClasses: numClasses,
		HiddenDim:  hiddenDim,
		Params:     ps,
		W:          ps.Add("W", w),
	}
	if b != nil {
		g.B = ps.Add("b", b)
	}
	return g
}

// InitGroupWise returns freshly drawn weight and bias tensors. Rows are drawn
// class by class so adding a class never perturbs earlier rows.
func InitGroupWise(rng *rand.Rand, numClasses, hiddenDim int, bias bool) (*tensor.Dense, *tensor.Dense) {
	stdv := 1.0 / math.Sqrt(float64(hiddenDim))
	w := make([]float32, numClasses*hiddenDim)
	for k := 0; k < numClasses; k++ {
		row := nn.Uniform(rng, stdv, hiddenDim).Data().([]float32)
		copy(w[k*hiddenDim:], row)
	}
	weight := tensor.New(tensor.WithShape(numClasses, hiddenDim), tensor.WithBacking(w))
	if !bias {
		return weight, nil
	}
	b := make([]float32, numClasses)
	for k := range b {
		b[k] = nn.Uniform(rng, stdv, 1).Data().([]float32)[0]
	}
	return weight, tensor.New(tensor.WithShape(numClasses), tensor.WithBacking(b))
}

// Forward computes out[:, k] = sum_d W[k, d] * x[:, k, d] + b[k].
func (g *GroupWiseLinear) Forward(b *nn.Builder, x *gorgonia.Node) (*gorgonia.Node, error) {
	shape := x.Shape()
	if len(shape) != 3 || shape[1] != g.NumClasses || shape[2] != g.HiddenDim {
		return nil, errs.Configuration("group-wise linear expects (batch, %d, %d), got %v", g.NumClasses, g.HiddenDim, shape)
	}

	w, err := gorgonia.Reshape(b.Param(g.W), tensor.Shape{1, g.NumClasses, g.HiddenDim})
	if err != nil {
		return nil, err
	}
	prod, err := gorgonia.BroadcastHadamardProd(x, w, nil, []byte{0})
	if err != nil {
		return nil, err
	}
	// Sum across hidden (dim 2) to get (Batch, Classes)
	out, err := gorgonia.Sum(prod, 2)
	if err != nil {
		return nil, err
	}
	if g.B == nil {
		return out, nil
	}
	bias, err := gorgonia.Reshape(b.Param(g.B), tensor.Shape{1, g.NumClasses})
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(out, bias, nil, []byte{0})
}
