package training

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-downscale/distributed"
	"github.com/tsawler/go-downscale/tensor"
)

func TestMetricTypeString(t *testing.T) {
	for metric, want := range map[MetricType]string{
		MAE: "MAE", MSE: "MSE", RMSE: "RMSE", R2: "R2", NMAE: "NMAE", MetricType(99): "Unknown(99)",
	} {
		assert.Equal(t, want, metric.String())
	}
}

func vec(values ...float64) *tensor.Tensor {
	t, _ := tensor.FromData(values, len(values))
	return t
}

func TestRegressionMetrics(t *testing.T) {
	acc := newRegressionAccumulator()
	require.NoError(t, acc.Add(vec(1, 2, 3, 5), vec(1, 2, 3, 4)))
	m, err := acc.Reduce(context.Background(), single(t))
	require.NoError(t, err)

	assert.Equal(t, 4, m.Count)
	assert.InDelta(t, 0.25, m.MAE, 1e-12)
	assert.InDelta(t, 0.25, m.MSE, 1e-12)
	assert.InDelta(t, 0.5, m.RMSE, 1e-12)
	// reference variance sum is 5, squared error sum is 1
	assert.InDelta(t, 0.8, m.R2, 1e-12)
	assert.InDelta(t, 0.25/3, m.NMAE, 1e-12)
	assert.Equal(t, m.RMSE, m.Get(RMSE))
	assert.True(t, math.IsNaN(m.Get(MetricType(42))))
}

func TestRegressionMetricsPerfectPrediction(t *testing.T) {
	acc := newRegressionAccumulator()
	require.NoError(t, acc.Add(vec(2, 4, 6), vec(2, 4, 6)))
	m, err := acc.Reduce(context.Background(), single(t))
	require.NoError(t, err)
	assert.Zero(t, m.MAE)
	assert.Equal(t, 1.0, m.R2)

	assert.Error(t, acc.Add(vec(1, 2), vec(1, 2, 3)))
}

func TestRegressionMetricsMergeAcrossGroup(t *testing.T) {
	whole := newRegressionAccumulator()
	require.NoError(t, whole.Add(vec(1, 2, 3, 5, 0, 9), vec(1, 2, 3, 4, -1, 7)))
	want, err := whole.Reduce(context.Background(), single(t))
	require.NoError(t, err)

	parts := [][2]*tensor.Tensor{
		{vec(1, 2, 3), vec(1, 2, 3)},
		{vec(5, 0, 9), vec(4, -1, 7)},
	}
	got := make([]RegressionMetrics, 2)
	err = distributed.Launch(context.Background(), 2, func(ctx context.Context, g distributed.Group) error {
		acc := newRegressionAccumulator()
		p := parts[g.Rank()]
		if err := acc.Add(p[0], p[1]); err != nil {
			return err
		}
		m, err := acc.Reduce(ctx, g)
		got[g.Rank()] = m
		return err
	})
	require.NoError(t, err)
	for _, m := range got {
		assert.Equal(t, want.Count, m.Count)
		assert.InDelta(t, want.MAE, m.MAE, 1e-12)
		assert.InDelta(t, want.R2, m.R2, 1e-12)
		assert.InDelta(t, want.NMAE, m.NMAE, 1e-12)
	}
}
