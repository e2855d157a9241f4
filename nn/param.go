package nn

import (
	"math/rand"
	"slices"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"vidclip/errs"
)

// Param is a learnable tensor owned outside of any expression graph.
// Graphs copy Value in before every run; optimizers update it in place.
type Param struct {
	Name  string
	Value *tensor.Dense
	Grad  []float32
}

// Data returns the backing slice of the parameter value.
func (p *Param) Data() []float32 { return p.Value.Data().([]float32) }

// Shape returns the parameter shape.
func (p *Param) Shape() tensor.Shape { return p.Value.Shape() }

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// ParamSet is an ordered, name-addressed collection of parameters.
type ParamSet struct {
	prefix string
	params []*Param
	names  []string
	byName map[string]*Param
}

// NewParamSet returns an empty set whose names are qualified with prefix.
func NewParamSet(prefix string) *ParamSet {
	return &ParamSet{prefix: prefix, byName: make(map[string]*Param)}
}

// Add registers a parameter. The name is qualified with the set prefix;
// the local (unqualified) name is what StateDict keys use.
func (s *ParamSet) Add(name string, value *tensor.Dense) *Param {
	full := name
	if s.prefix != "" {
		full = s.prefix + "." + name
	}
	p := &Param{
		Name:  full,
		Value: value,
		Grad:  make([]float32, value.Shape().TotalSize()),
	}
	s.params = append(s.params, p)
	s.names = append(s.names, name)
	s.byName[name] = p
	return p
}

// Get looks a parameter up by its local name.
func (s *ParamSet) Get(name string) (*Param, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Params returns the parameters in registration order.
func (s *ParamSet) Params() []*Param { return s.params }

// Len is the number of parameters.
func (s *ParamSet) Len() int { return len(s.params) }

// Names returns local names in registration order.
func (s *ParamSet) Names() []string { return s.names }

// StateDict returns a deep copy of the current values keyed by local name.
func (s *ParamSet) StateDict() StateDict {
	sd := make(StateDict, len(s.params))
	for _, name := range s.Names() {
		sd[name] = TensorOf(s.byName[name].Value)
	}
	return sd
}

// CheckStateDict reports whether sd can be loaded without changing anything.
// Every live parameter must be present with an identical shape.
func (s *ParamSet) CheckStateDict(sd StateDict) error {
	for _, name := range s.Names() {
		t, ok := sd[name]
		if !ok {
			return errs.Corrupt("missing tensor %q", s.byName[name].Name)
		}
		if !slices.Equal(t.Dims, []int(s.byName[name].Shape())) {
			return errs.Corrupt("tensor %q has shape %v, want %v", s.byName[name].Name, t.Shape(), s.byName[name].Shape())
		}
		if len(t.Data) != t.Shape().TotalSize() {
			return errs.Corrupt("tensor %q carries %d values for shape %v", s.byName[name].Name, len(t.Data), t.Shape())
		}
	}
	return nil
}

// LoadStateDict copies sd into the live parameters after checking all of it.
func (s *ParamSet) LoadStateDict(sd StateDict) error {
	if err := s.CheckStateDict(sd); err != nil {
		return err
	}
	for name, p := range s.byName {
		copy(p.Data(), sd[name].Data)
	}
	return nil
}

// Fill returns a fresh tensor of the given shape whose values come from init.
func Fill(init gorgonia.InitWFn, shape ...int) *tensor.Dense {
	data := init(tensor.Float32, shape...).([]float32)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Glorot returns a Glorot-uniform initialized tensor.
func Glorot(shape ...int) *tensor.Dense { return Fill(gorgonia.GlorotU(1.0), shape...) }

// Zeros returns a zero tensor.
func Zeros(shape ...int) *tensor.Dense { return Fill(gorgonia.Zeroes(), shape...) }

// Ones returns a tensor filled with ones.
func Ones(shape ...int) *tensor.Dense { return Fill(gorgonia.Ones(), shape...) }

// Uniform draws every element from U(-bound, bound) using rng.
func Uniform(rng *rand.Rand, bound float64, shape ...int) *tensor.Dense {
	n := tensor.Shape(shape).TotalSize()
	data := make([]float32, n)
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}
