// Package distributed provides the process group used for synchronous
// data-parallel training: collectives, worker launch and the gradient
// averaging optimizer.
package distributed

import (
	"context"
	"fmt"
	"sync"
)

// Group is one member's view of a set of cooperating workers. Every member
// must call the same collectives in the same order.
type Group interface {
	Rank() int
	Size() int
	// IsFirst reports whether this member owns non-idempotent side effects.
	IsFirst() bool
	// AllReduceMean returns the element-wise mean of values over all members.
	AllReduceMean(ctx context.Context, values []float64) ([]float64, error)
	// Broadcast overwrites data with root's data on every member.
	Broadcast(ctx context.Context, root int, data []float64) error
	// Barrier blocks until every member has reached it.
	Barrier(ctx context.Context) error
}

type opKind int

const (
	opAllReduce opKind = iota
	opBroadcast
	opBarrier
)

func (k opKind) String() string {
	switch k {
	case opAllReduce:
		return "all-reduce"
	case opBroadcast:
		return "broadcast"
	default:
		return "barrier"
	}
}

type result struct {
	data []float64
	err  error
}

// hub collects one contribution per member per round. The member completing
// a round computes the result and hands a private copy to each member.
type hub struct {
	size int

	mu       sync.Mutex
	op       opKind
	root     int
	mismatch bool
	count    int
	pending  [][]float64
	results  []chan result
}

// LocalGroup is an in-process Group whose members are goroutines.
type LocalGroup struct {
	rank int
	hub  *hub
}

// NewLocalGroup returns the size members of a new in-process group.
func NewLocalGroup(size int) ([]*LocalGroup, error) {
	if size < 1 {
		return nil, fmt.Errorf("group size must be at least 1, got %d", size)
	}
	h := &hub{size: size, pending: make([][]float64, size), results: make([]chan result, size)}
	members := make([]*LocalGroup, size)
	for r := range members {
		h.results[r] = make(chan result, 1)
		members[r] = &LocalGroup{rank: r, hub: h}
	}
	return members, nil
}

func (g *LocalGroup) Rank() int     { return g.rank }
func (g *LocalGroup) Size() int     { return g.hub.size }
func (g *LocalGroup) IsFirst() bool { return g.rank == 0 }

func (g *LocalGroup) AllReduceMean(ctx context.Context, values []float64) ([]float64, error) {
	return g.hub.collective(ctx, g.rank, opAllReduce, 0, values)
}

func (g *LocalGroup) Broadcast(ctx context.Context, root int, data []float64) error {
	if root < 0 || root >= g.hub.size {
		return fmt.Errorf("broadcast root %d outside group of size %d", root, g.hub.size)
	}
	out, err := g.hub.collective(ctx, g.rank, opBroadcast, root, data)
	if err != nil {
		return err
	}
	copy(data, out)
	return nil
}

func (g *LocalGroup) Barrier(ctx context.Context) error {
	_, err := g.hub.collective(ctx, g.rank, opBarrier, 0, nil)
	return err
}

// collective blocks until all members have contributed or ctx is done. A
// member whose collective was cancelled must not reuse the group.
func (h *hub) collective(ctx context.Context, rank int, op opKind, root int, data []float64) ([]float64, error) {
	h.mu.Lock()
	if h.count == 0 {
		h.op, h.root = op, root
	}
	if h.op != op || h.root != root {
		h.mismatch = true
	}
	h.pending[rank] = append([]float64(nil), data...)
	h.count++
	if h.count == h.size {
		res := h.reduce()
		for _, ch := range h.results {
			out := result{err: res.err}
			if res.data != nil {
				out.data = append([]float64(nil), res.data...)
			}
			ch <- out
		}
		h.count, h.mismatch = 0, false
		for i := range h.pending {
			h.pending[i] = nil
		}
	}
	h.mu.Unlock()

	select {
	case res := <-h.results[rank]:
		return res.data, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s on rank %d: %w", op, rank, ctx.Err())
	}
}

func (h *hub) reduce() result {
	if h.mismatch {
		return result{err: fmt.Errorf("members issued different collectives in the same round")}
	}
	switch h.op {
	case opAllReduce:
		n := len(h.pending[0])
		sum := make([]float64, n)
		for r, v := range h.pending {
			if len(v) != n {
				return result{err: fmt.Errorf("all-reduce length mismatch: rank 0 sent %d values, rank %d sent %d", n, r, len(v))}
			}
			for i, x := range v {
				sum[i] += x
			}
		}
		for i := range sum {
			sum[i] /= float64(h.size)
		}
		return result{data: sum}
	case opBroadcast:
		src := h.pending[h.root]
		for r, v := range h.pending {
			if len(v) != len(src) {
				return result{err: fmt.Errorf("broadcast length mismatch: root sent %d values, rank %d expects %d", len(src), r, len(v))}
			}
		}
		return result{data: src}
	default:
		return result{}
	}
}

// AllReduceScalar averages a single value across the group.
func AllReduceScalar(ctx context.Context, g Group, v float64) (float64, error) {
	out, err := g.AllReduceMean(ctx, []float64{v})
	if err != nil {
		return 0, err
	}
	return out[0], nil
}
