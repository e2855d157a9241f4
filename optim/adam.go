// Package optim holds the optimizer and learning-rate schedule. Unlike the
// solvers shipped with gorgonia, their state is plain data so it can be
// checkpointed and restored.
package optim

import (
	"math"

	"github.com/chewxy/math32"

	"vidclip/errs"
	"vidclip/nn"
)

// AdamConfig holds the Adam hyper-parameters.
type AdamConfig struct {
	LearnRate float64
	Beta1     float64
	Beta2     float64
	Eps       float64
}

// DefaultAdamConfig returns the usual betas with a fine-tuning learning rate.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{LearnRate: 1e-5, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// moments is the per-parameter Adam state.
type moments struct {
	step     int
	expAvg   []float32
	expAvgSq []float32
}

// Adam is a single parameter group Adam optimizer.
// Its state is keyed by parameter name, created lazily on the first step.
type Adam struct {
	cfg   AdamConfig
	lr    float64
	state map[string]*moments
}

// NewAdam returns an optimizer with empty state.
func NewAdam(cfg AdamConfig) *Adam {
	return &Adam{cfg: cfg, lr: cfg.LearnRate, state: make(map[string]*moments)}
}

// BaseLearnRate is the configured (initial) learning rate.
func (a *Adam) BaseLearnRate() float64 { return a.cfg.LearnRate }

// LearnRate is the learning rate used by the next step.
func (a *Adam) LearnRate() float64 { return a.lr }

// SetLearnRate is called by schedules.
func (a *Adam) SetLearnRate(lr float64) { a.lr = lr }

// Step applies one bias-corrected Adam update to every parameter using its Grad.
// p -= lr * mhat / (sqrt(vhat) + eps)
func (a *Adam) Step(params []*nn.Param) error {
	b1, b2 := float32(a.cfg.Beta1), float32(a.cfg.Beta2)
	eps := float32(a.cfg.Eps)
	for _, p := range params {
		st, ok := a.state[p.Name]
		if !ok {
			st = &moments{
				expAvg:   make([]float32, len(p.Grad)),
				expAvgSq: make([]float32, len(p.Grad)),
			}
			a.state[p.Name] = st
		}
		if len(st.expAvg) != len(p.Grad) {
			return errs.Configuration("optimizer state for %s has %d values, parameter has %d", p.Name, len(st.expAvg), len(p.Grad))
		}
		st.step++
		c1 := 1 - math.Pow(a.cfg.Beta1, float64(st.step))
		c2 := 1 - math.Pow(a.cfg.Beta2, float64(st.step))
		stepSize := float32(a.lr / c1)
		c2sqrt := float32(math.Sqrt(c2))

		w := p.Data()
		for i, g := range p.Grad {
			m := b1*st.expAvg[i] + (1-b1)*g
			v := b2*st.expAvgSq[i] + (1-b2)*g*g
			st.expAvg[i] = m
			st.expAvgSq[i] = v
			denom := math32.Sqrt(v)/c2sqrt + eps
			w[i] -= stepSize * m / denom
		}
	}
	return nil
}

// ParamState is the persisted Adam state of one parameter.
type ParamState struct {
	Step     int
	ExpAvg   []float32
	ExpAvgSq []float32
}

// State is the persisted optimizer, including the schedule position.
type State struct {
	BaseLearnRate float64
	LearnRate     float64
	Beta1, Beta2  float64
	Eps           float64
	Schedule      ScheduleState
	Params        map[string]ParamState
}

// State returns a deep copy of the optimizer state.
func (a *Adam) State() State {
	st := State{
		BaseLearnRate: a.cfg.LearnRate,
		LearnRate:     a.lr,
		Beta1:         a.cfg.Beta1,
		Beta2:         a.cfg.Beta2,
		Eps:           a.cfg.Eps,
		Params:        make(map[string]ParamState, len(a.state)),
	}
	for name, m := range a.state {
		st.Params[name] = ParamState{
			Step:     m.step,
			ExpAvg:   append([]float32(nil), m.expAvg...),
			ExpAvgSq: append([]float32(nil), m.expAvgSq...),
		}
	}
	return st
}

// CheckState verifies st against the live parameters without applying it.
func (a *Adam) CheckState(st State, params []*nn.Param) error {
	sizes := make(map[string]int, len(params))
	for _, p := range params {
		sizes[p.Name] = len(p.Grad)
	}
	for name, ps := range st.Params {
		n, ok := sizes[name]
		if !ok {
			return errs.Corrupt("optimizer state for unknown parameter %q", name)
		}
		if len(ps.ExpAvg) != n || len(ps.ExpAvgSq) != n {
			return errs.Corrupt("optimizer state for %q has %d/%d values, parameter has %d", name, len(ps.ExpAvg), len(ps.ExpAvgSq), n)
		}
	}
	return nil
}

// LoadState replaces the optimizer state after validating it.
func (a *Adam) LoadState(st State, params []*nn.Param) error {
	if err := a.CheckState(st, params); err != nil {
		return err
	}
	a.cfg = AdamConfig{LearnRate: st.BaseLearnRate, Beta1: st.Beta1, Beta2: st.Beta2, Eps: st.Eps}
	a.lr = st.LearnRate
	a.state = make(map[string]*moments, len(st.Params))
	for name, ps := range st.Params {
		a.state[name] = &moments{
			step:     ps.Step,
			expAvg:   append([]float32(nil), ps.ExpAvg...),
			expAvgSq: append([]float32(nil), ps.ExpAvgSq...),
		}
	}
	return nil
}
