// Package dist runs data-parallel training across in-process participants.
// Every participant owns a full replica; gradients are averaged with a
// barrier-style all-reduce so replicas stay bit-identical.
package dist

import (
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/vecf32"
)

// ErrAborted is returned to participants blocked in a collective after
// another participant failed.
var ErrAborted = errors.New("process group aborted")

// Group is a fixed-size set of participants that meet in collectives.
// Each collective is a barrier: nobody returns until every rank arrived.
type Group struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	gen     uint64
	arrived int
	bufs    [][]float32
	result  []float32
	err     error
}

// NewGroup returns a group of size participants, ranked 0..size-1.
func NewGroup(size int) *Group {
	g := &Group{size: size, bufs: make([][]float32, size)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Size is the number of participants.
func (g *Group) Size() int { return g.size }

// Abort wakes every waiting participant with err. Later collectives fail too.
func (g *Group) Abort(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil {
		if err == nil {
			err = ErrAborted
		}
		g.err = errors.Wrap(ErrAborted, err.Error())
	}
	g.cond.Broadcast()
}

// AllReduceMean replaces buf on every rank with the element-wise mean of all
// ranks' buffers. The sum is taken in rank order by a single participant and
// the same result is copied everywhere.
func (g *Group) AllReduceMean(rank int, buf []float32) error {
	return g.collective(rank, buf, func(bufs [][]float32) []float32 {
		out := make([]float32, len(bufs[0]))
		for _, b := range bufs {
			vecf32.Add(out, b)
		}
		vecf32.Scale(out, 1/float32(len(bufs)))
		return out
	})
}

// Broadcast overwrites buf on every rank with rank 0's buf.
func (g *Group) Broadcast(rank int, buf []float32) error {
	return g.collective(rank, buf, func(bufs [][]float32) []float32 {
		return append([]float32(nil), bufs[0]...)
	})
}

// Barrier blocks until every rank called it.
func (g *Group) Barrier(rank int) error {
	return g.collective(rank, nil, func([][]float32) []float32 { return nil })
}

func (g *Group) collective(rank int, buf []float32, reduce func([][]float32) []float32) error {
	if rank < 0 || rank >= g.size {
		return errors.Errorf("rank %d outside group of %d", rank, g.size)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}

	gen := g.gen
	g.bufs[rank] = buf
	g.arrived++
	if g.arrived == g.size {
		for i, b := range g.bufs {
			if len(b) != len(buf) {
				g.err = errors.Errorf("rank %d contributed %d values, rank %d has %d", i, len(b), rank, len(buf))
				g.cond.Broadcast()
				return g.err
			}
		}
		g.result = reduce(g.bufs)
		g.arrived = 0
		for i := range g.bufs {
			g.bufs[i] = nil
		}
		g.gen++
		g.cond.Broadcast()
	} else {
		for gen == g.gen && g.err == nil {
			g.cond.Wait()
		}
		if gen == g.gen {
			return g.err
		}
	}
	copy(buf, g.result)
	return nil
}
