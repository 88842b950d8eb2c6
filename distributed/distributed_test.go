package distributed

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-downscale/layers"
	"github.com/tsawler/go-downscale/optimizer"
)

func TestNewLocalGroup(t *testing.T) {
	_, err := NewLocalGroup(0)
	assert.Error(t, err)

	members, err := NewLocalGroup(3)
	require.NoError(t, err)
	first := 0
	for i, m := range members {
		assert.Equal(t, i, m.Rank())
		assert.Equal(t, 3, m.Size())
		if m.IsFirst() {
			first++
		}
	}
	assert.Equal(t, 1, first, "exactly one first worker")
}

func TestAllReduceMean(t *testing.T) {
	results := make([][]float64, 4)
	err := Launch(context.Background(), 4, func(ctx context.Context, g Group) error {
		r := float64(g.Rank())
		for round := 0; round < 3; round++ {
			out, err := g.AllReduceMean(ctx, []float64{r, 10 * r, float64(round)})
			if err != nil {
				return err
			}
			results[g.Rank()] = out
		}
		return nil
	})
	require.NoError(t, err)
	for _, out := range results {
		assert.Equal(t, []float64{1.5, 15, 2}, out)
	}
}

func TestAllReduceScalar(t *testing.T) {
	var sum atomic.Int64
	err := Launch(context.Background(), 2, func(ctx context.Context, g Group) error {
		v, err := AllReduceScalar(ctx, g, float64(g.Rank()+1))
		if err != nil {
			return err
		}
		sum.Add(int64(v * 10))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), sum.Load())
}

func TestBroadcastAndBarrier(t *testing.T) {
	got := make([][]float64, 3)
	err := Launch(context.Background(), 3, func(ctx context.Context, g Group) error {
		data := []float64{float64(g.Rank()), float64(g.Rank())}
		if err := g.Broadcast(ctx, 2, data); err != nil {
			return err
		}
		got[g.Rank()] = data
		return g.Barrier(ctx)
	})
	require.NoError(t, err)
	for _, d := range got {
		assert.Equal(t, []float64{2, 2}, d)
	}

	members, err := NewLocalGroup(2)
	require.NoError(t, err)
	assert.Error(t, members[0].Broadcast(context.Background(), 5, nil))
}

func TestCollectiveMismatchIsReported(t *testing.T) {
	err := Launch(context.Background(), 2, func(ctx context.Context, g Group) error {
		if g.IsFirst() {
			_, err := g.AllReduceMean(ctx, []float64{1})
			return err
		}
		return g.Barrier(ctx)
	})
	assert.Error(t, err)

	err = Launch(context.Background(), 2, func(ctx context.Context, g Group) error {
		_, err := g.AllReduceMean(ctx, make([]float64, g.Rank()+1))
		return err
	})
	assert.Error(t, err)
}

func TestFailingWorkerUnblocksOthers(t *testing.T) {
	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		done <- Launch(context.Background(), 3, func(ctx context.Context, g Group) error {
			if g.Rank() == 1 {
				return boom
			}
			return g.Barrier(ctx)
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("workers stayed blocked after a peer failed")
	}
}

func TestCancelledContextAbortsCollective(t *testing.T) {
	members, err := NewLocalGroup(2)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = members[0].Barrier(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDistributedOptimizerAveragesGradients(t *testing.T) {
	values := make([][]float64, 2)
	err := Launch(context.Background(), 2, func(ctx context.Context, g Group) error {
		p := &layers.Param{Name: "w", Shape: []int{2}, Value: []float64{float64(g.Rank()), 5}}
		if err := BroadcastParams(ctx, g, 0, []*layers.Param{p}); err != nil {
			return err
		}
		sgd, err := optimizer.NewSGDOptimizer(optimizer.SGDConfig{LearningRate: 1}, []*layers.Param{p})
		if err != nil {
			return err
		}
		opt := NewDistributedOptimizer(sgd, g)
		grad := []float64{float64(g.Rank()) * 2, 1}
		if err := opt.ApplyGradients(ctx, layers.Gradients{p: grad}); err != nil {
			return err
		}
		values[g.Rank()] = p.Value
		return nil
	})
	require.NoError(t, err)
	// Both start from rank 0's [0, 5]; mean gradient is [1, 1].
	assert.Equal(t, []float64{-1, 4}, values[0])
	assert.Equal(t, values[0], values[1])
}

func TestDistributedOptimizerSingleMember(t *testing.T) {
	members, err := NewLocalGroup(1)
	require.NoError(t, err)
	a := &layers.Param{Name: "a", Shape: []int{1}, Value: []float64{1}}
	b := &layers.Param{Name: "b", Shape: []int{1}, Value: []float64{1}}
	sgd, err := optimizer.NewSGDOptimizer(optimizer.SGDConfig{LearningRate: 0.5}, []*layers.Param{a, b})
	require.NoError(t, err)

	opt := NewDistributedOptimizer(sgd, members[0])
	require.NoError(t, opt.ApplyGradients(context.Background(), layers.Gradients{a: {1}}))
	assert.Equal(t, 0.5, a.Value[0])
	assert.Equal(t, 1.0, b.Value[0])
	assert.Equal(t, uint64(1), opt.GetStepCount())
	assert.Equal(t, 0.5, opt.LearningRate())
	assert.Same(t, sgd, opt.Inner())

	state, err := opt.GetState()
	require.NoError(t, err)
	assert.NoError(t, opt.LoadState(state))
}
