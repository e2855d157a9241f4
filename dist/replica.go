package dist

import (
	"github.com/pkg/errors"

	"vidclip/model"
	"vidclip/nn"
)

// Replica is the executor's view of a (possibly distributed) model.
// The executor calls these methods directly; there is no attribute
// forwarding to the wrapped model.
type Replica interface {
	// Build compiles the forward graph for a batch size and mode.
	Build(batch int, train bool) (*model.Graph, error)
	// Parameters returns every learnable parameter in a fixed order.
	Parameters() []*nn.Param
	// SyncGradients runs after the backward pass and before the optimizer step.
	SyncGradients() error
	// Model exposes the wrapped model for persistence.
	Model() *model.Fusion
	// Rank is the participant index, 0 when not distributed.
	Rank() int
}

// Local is a single-participant replica; gradient sync is a no-op.
type Local struct {
	M *model.Fusion
}

// NewLocal wraps m.
func NewLocal(m *model.Fusion) *Local { return &Local{M: m} }

func (l *Local) Build(batch int, train bool) (*model.Graph, error) { return l.M.Build(batch, train) }

func (l *Local) Parameters() []*nn.Param { return l.M.Parameters() }

func (l *Local) SyncGradients() error { return nil }

func (l *Local) Model() *model.Fusion { return l.M }

func (l *Local) Rank() int { return 0 }

// DataParallel keeps one replica per participant in lockstep. Construction
// copies rank 0's parameters to everyone; every SyncGradients averages all
// gradients across the group.
type DataParallel struct {
	M     *model.Fusion
	group *Group
	rank  int

	flat []float32
}

// NewDataParallel wraps m for rank and broadcasts rank 0's weights. Every
// participant must call it, since the broadcast is a collective.
func NewDataParallel(m *model.Fusion, g *Group, rank int) (*DataParallel, error) {
	dp := &DataParallel{M: m, group: g, rank: rank}
	n := 0
	for _, p := range m.Parameters() {
		n += len(p.Grad)
	}
	dp.flat = make([]float32, n)

	dp.gather(func(p *nn.Param) []float32 { return p.Data() })
	if err := g.Broadcast(rank, dp.flat); err != nil {
		return nil, errors.Wrap(err, "broadcast initial parameters")
	}
	dp.scatter(func(p *nn.Param) []float32 { return p.Data() })
	return dp, nil
}

func (dp *DataParallel) Build(batch int, train bool) (*model.Graph, error) {
	return dp.M.Build(batch, train)
}

func (dp *DataParallel) Parameters() []*nn.Param { return dp.M.Parameters() }

func (dp *DataParallel) Model() *model.Fusion { return dp.M }

func (dp *DataParallel) Rank() int { return dp.rank }

// SyncGradients all-reduces every gradient in one flat buffer.
func (dp *DataParallel) SyncGradients() error {
	dp.gather(func(p *nn.Param) []float32 { return p.Grad })
	if err := dp.group.AllReduceMean(dp.rank, dp.flat); err != nil {
		return errors.Wrap(err, "all-reduce gradients")
	}
	dp.scatter(func(p *nn.Param) []float32 { return p.Grad })
	return nil
}

func (dp *DataParallel) gather(field func(*nn.Param) []float32) {
	off := 0
	for _, p := range dp.M.Parameters() {
		off += copy(dp.flat[off:], field(p))
	}
}

func (dp *DataParallel) scatter(field func(*nn.Param) []float32) {
	off := 0
	for _, p := range dp.M.Parameters() {
		off += copy(field(p), dp.flat[off:])
	}
}
