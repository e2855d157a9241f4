package train

import (
	"gorgonia.org/gorgonia"
)

// LossFunc builds a scalar loss node from logits (batch, classes) and
// float32 targets of the same shape.
type LossFunc func(logits, targets *gorgonia.Node) (*gorgonia.Node, error)

// BCEWithLogits is the mean binary cross-entropy over every logit, computed
// as max(x, 0) - x*y + log(1 + exp(-|x|)) so large logits do not overflow.
func BCEWithLogits(logits, targets *gorgonia.Node) (*gorgonia.Node, error) {
	pos, err := gorgonia.Rectify(logits)
	if err != nil {
		return nil, err
	}
	xy, err := gorgonia.HadamardProd(logits, targets)
	if err != nil {
		return nil, err
	}
	abs, err := gorgonia.Abs(logits)
	if err != nil {
		return nil, err
	}
	negAbs, err := gorgonia.Neg(abs)
	if err != nil {
		return nil, err
	}
	exp, err := gorgonia.Exp(negAbs)
	if err != nil {
		return nil, err
	}
	soft, err := gorgonia.Log1p(exp)
	if err != nil {
		return nil, err
	}
	diff, err := gorgonia.Sub(pos, xy)
	if err != nil {
		return nil, err
	}
	elem, err := gorgonia.Add(diff, soft)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mean(elem)
}

// SoftmaxCrossEntropy is the mean categorical cross-entropy of softmax(logits)
// against one-hot targets.
func SoftmaxCrossEntropy(logits, targets *gorgonia.Node) (*gorgonia.Node, error) {
	probs, err := gorgonia.SoftMax(logits)
	if err != nil {
		return nil, err
	}
	eps := gorgonia.NodeFromAny(probs.Graph(), float32(1e-7), gorgonia.WithName("ce_eps"))
	safe, err := gorgonia.Add(probs, eps)
	if err != nil {
		return nil, err
	}
	logP, err := gorgonia.Log(safe)
	if err != nil {
		return nil, err
	}
	mul, err := gorgonia.HadamardProd(targets, logP)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Sum(mul, 1)
	if err != nil {
		return nil, err
	}
	mean, err := gorgonia.Mean(sum)
	if err != nil {
		return nil, err
	}
	return gorgonia.Neg(mean)
}
