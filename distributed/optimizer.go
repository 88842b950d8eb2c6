package distributed

import (
	"context"
	"fmt"

	"github.com/tsawler/go-downscale/layers"
	"github.com/tsawler/go-downscale/optimizer"
)

// DistributedOptimizer averages gradients over the group before handing
// them to the wrapped optimizer, so every member applies the same update.
type DistributedOptimizer struct {
	inner optimizer.Optimizer
	group Group
}

// NewDistributedOptimizer wraps inner.
func NewDistributedOptimizer(inner optimizer.Optimizer, g Group) *DistributedOptimizer {
	return &DistributedOptimizer{inner: inner, group: g}
}

// Inner returns the wrapped optimizer.
func (d *DistributedOptimizer) Inner() optimizer.Optimizer { return d.inner }

// ApplyGradients all-reduces grads and steps the wrapped optimizer. A
// parameter without a local gradient contributes zeros.
func (d *DistributedOptimizer) ApplyGradients(ctx context.Context, grads layers.Gradients) error {
	params := d.inner.Params()
	flat := flatten(params, func(p *layers.Param) []float64 { return grads[p] })

	if d.group.Size() > 1 {
		var err error
		if flat, err = d.group.AllReduceMean(ctx, flat); err != nil {
			return fmt.Errorf("gradient all-reduce: %w", err)
		}
	}

	averaged := make(layers.Gradients, len(params))
	off := 0
	for _, p := range params {
		n := len(p.Value)
		averaged[p] = flat[off : off+n]
		off += n
	}
	return d.inner.Step(averaged)
}

func (d *DistributedOptimizer) LearningRate() float64 { return d.inner.LearningRate() }
func (d *DistributedOptimizer) GetStepCount() uint64  { return d.inner.GetStepCount() }

func (d *DistributedOptimizer) GetState() (*optimizer.OptimizerState, error) {
	return d.inner.GetState()
}

func (d *DistributedOptimizer) LoadState(state *optimizer.OptimizerState) error {
	return d.inner.LoadState(state)
}

// BroadcastParams overwrites params on every member with root's values.
func BroadcastParams(ctx context.Context, g Group, root int, params []*layers.Param) error {
	if g.Size() == 1 {
		return nil
	}
	flat := flatten(params, func(p *layers.Param) []float64 { return p.Value })
	if err := g.Broadcast(ctx, root, flat); err != nil {
		return fmt.Errorf("parameter broadcast: %w", err)
	}
	off := 0
	for _, p := range params {
		off += copy(p.Value, flat[off:off+len(p.Value)])
	}
	return nil
}

func flatten(params []*layers.Param, get func(*layers.Param) []float64) []float64 {
	flat := make([]float64, layers.CountParams(params))
	off := 0
	for _, p := range params {
		if v := get(p); v != nil {
			copy(flat[off:off+len(p.Value)], v)
		}
		off += len(p.Value)
	}
	return flat
}
