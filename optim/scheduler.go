package optim

import "math"

// LearnRateSetter is what a schedule drives.
type LearnRateSetter interface {
	BaseLearnRate() float64
	SetLearnRate(lr float64)
}

// ScheduleState is the persisted position of a schedule.
type ScheduleState struct {
	Epoch int // completed Step calls
	TCur  int // epochs since the last restart
	TI    int // current period
}

// CosineWarmRestarts anneals the learning rate along a cosine from the base
// rate to EtaMin over T0 epochs, then restarts. Each period is TMult times the
// previous one.
type CosineWarmRestarts struct {
	T0     int
	TMult  int
	EtaMin float64

	opt   LearnRateSetter
	state ScheduleState
}

// NewCosineWarmRestarts attaches a schedule to opt, starting at epoch 0.
func NewCosineWarmRestarts(opt LearnRateSetter, t0, tMult int, etaMin float64) *CosineWarmRestarts {
	if t0 <= 0 {
		t0 = 10
	}
	if tMult < 1 {
		tMult = 1
	}
	s := &CosineWarmRestarts{T0: t0, TMult: tMult, EtaMin: etaMin, opt: opt}
	s.state = ScheduleState{TI: t0}
	opt.SetLearnRate(s.LR())
	return s
}

// CosineLR is the learning rate tCur epochs into a period of length ti.
func CosineLR(base, etaMin float64, tCur, ti int) float64 {
	return etaMin + (base-etaMin)*(1+math.Cos(math.Pi*float64(tCur)/float64(ti)))/2
}

// LR is the learning rate for the current position.
func (s *CosineWarmRestarts) LR() float64 {
	return CosineLR(s.opt.BaseLearnRate(), s.EtaMin, s.state.TCur, s.state.TI)
}

// Step advances one epoch and updates the optimizer.
func (s *CosineWarmRestarts) Step() {
	s.state.Epoch++
	s.state.TCur++
	if s.state.TCur >= s.state.TI {
		s.state.TCur -= s.state.TI
		s.state.TI *= s.TMult
	}
	s.opt.SetLearnRate(s.LR())
}

// State returns the schedule position.
func (s *CosineWarmRestarts) State() ScheduleState { return s.state }

// LoadState restores a position; the optimizer learning rate is not touched
// because it is restored together with the optimizer state.
func (s *CosineWarmRestarts) LoadState(st ScheduleState) {
	if st.TI <= 0 {
		st.TI = s.T0
	}
	s.state = st
}
