package optimizer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-downscale/layers"
)

func newParam(name string, values ...float64) *layers.Param {
	return &layers.Param{Name: name, Shape: []int{len(values)}, Value: values}
}

var (
	_ Optimizer = (*AdamOptimizerState)(nil)
	_ Optimizer = (*SGDOptimizerState)(nil)
)

func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()
	assert.Equal(t, 0.001, config.LearningRate)
	assert.Equal(t, 0.9, config.Beta1)
	assert.Equal(t, 0.999, config.Beta2)
	assert.Equal(t, 1e-7, config.Epsilon)
	assert.Zero(t, config.WeightDecay)
}

func TestAdamFirstStepMovesBySignTimesRate(t *testing.T) {
	p := newParam("w", 1, 1)
	adam, err := NewAdamOptimizer(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7}, []*layers.Param{p})
	require.NoError(t, err)

	require.NoError(t, adam.Step(layers.Gradients{p: {0.5, -2}}))
	assert.InDelta(t, 0.9, p.Value[0], 1e-5)
	assert.InDelta(t, 1.1, p.Value[1], 1e-5)
	assert.Equal(t, uint64(1), adam.GetStepCount())
}

func TestAdamSkipsParamsWithoutGradients(t *testing.T) {
	a, b := newParam("a", 1), newParam("b", 1)
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), []*layers.Param{a, b})
	require.NoError(t, err)

	require.NoError(t, adam.Step(layers.Gradients{a: {1}}))
	assert.NotEqual(t, 1.0, a.Value[0])
	assert.Equal(t, 1.0, b.Value[0])

	foreign := newParam("c", 1)
	assert.Error(t, adam.Step(layers.Gradients{foreign: {1}}))
	assert.Error(t, adam.Step(layers.Gradients{a: {1, 2}}))
}

func TestNewAdamValidation(t *testing.T) {
	p := newParam("w", 1)
	_, err := NewAdamOptimizer(DefaultAdamConfig(), nil)
	assert.Error(t, err)
	_, err = NewAdamOptimizer(DefaultAdamConfig(), []*layers.Param{p, p})
	assert.Error(t, err)
	_, err = NewAdamOptimizer(AdamConfig{LearningRate: 0, Beta1: 0.9, Beta2: 0.999}, []*layers.Param{p})
	assert.Error(t, err)
	_, err = NewAdamOptimizer(AdamConfig{LearningRate: 0.1, Beta1: 1.5, Beta2: 0.999}, []*layers.Param{p})
	assert.Error(t, err)
}

func TestAdamScheduleAndUpdateLearningRate(t *testing.T) {
	p := newParam("w", 0)
	cfg := DefaultAdamConfig()
	cfg.Schedule = PiecewiseConstantDecay{Boundary: 1, Initial: 1e-3, Decayed: 1e-4}
	adam, err := NewAdamOptimizer(cfg, []*layers.Param{p})
	require.NoError(t, err)

	rates := []float64{}
	for i := 0; i < 4; i++ {
		rates = append(rates, adam.LearningRate())
		require.NoError(t, adam.Step(layers.Gradients{p: {1}}))
	}
	assert.Equal(t, []float64{1e-3, 1e-3, 1e-4, 1e-4}, rates)

	adam.UpdateLearningRate(0.5)
	assert.Equal(t, 0.5, adam.LearningRate())
	assert.Equal(t, 0.5, adam.GetStats().LearningRate)
	assert.Equal(t, 2, adam.GetStats().TotalElements)
}

func TestAdamStateRoundTripThroughJSON(t *testing.T) {
	p := newParam("w", 1, 2, 3)
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), []*layers.Param{p})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, adam.Step(layers.Gradients{p: {0.1, -0.2, 0.3}}))
	}

	state, err := adam.GetState()
	require.NoError(t, err)
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	var decoded OptimizerState
	require.NoError(t, json.Unmarshal(raw, &decoded))

	q := newParam("w", 1, 2, 3)
	restored, err := NewAdamOptimizer(DefaultAdamConfig(), []*layers.Param{q})
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(&decoded))
	assert.Equal(t, adam.StepCount, restored.StepCount)
	assert.Equal(t, adam.MomentumBuffers, restored.MomentumBuffers)
	assert.Equal(t, adam.VarianceBuffers, restored.VarianceBuffers)

	// Identical state and weights produce identical next steps.
	copy(q.Value, p.Value)
	require.NoError(t, adam.Step(layers.Gradients{p: {1, 1, 1}}))
	require.NoError(t, restored.Step(layers.Gradients{q: {1, 1, 1}}))
	assert.Equal(t, p.Value, q.Value)
}

func TestAdamLoadStateErrors(t *testing.T) {
	p := newParam("w", 1)
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), []*layers.Param{p})
	require.NoError(t, err)

	assert.Error(t, adam.LoadState(nil))
	assert.Error(t, adam.LoadState(&OptimizerState{Type: "SGD"}))

	state, err := adam.GetState()
	require.NoError(t, err)
	state.StateData[0].Name = "momentum_7"
	assert.Error(t, adam.LoadState(state))

	state, err = adam.GetState()
	require.NoError(t, err)
	state.StateData[1].Data = []float64{1, 2}
	assert.Error(t, adam.LoadState(state))
}

func TestSGD(t *testing.T) {
	tests := []struct {
		name   string
		config SGDConfig
		want   []float64
	}{
		{"vanilla", SGDConfig{LearningRate: 0.1}, []float64{0.9, 0.8}},
		{"momentum", SGDConfig{LearningRate: 0.1, Momentum: 0.5}, []float64{0.9, 0.75}},
		{"nesterov", SGDConfig{LearningRate: 0.1, Momentum: 0.5, Nesterov: true}, []float64{0.85, 0.675}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newParam("w", 1)
			sgd, err := NewSGDOptimizer(tt.config, []*layers.Param{p})
			require.NoError(t, err)
			got := []float64{}
			for i := 0; i < 2; i++ {
				require.NoError(t, sgd.Step(layers.Gradients{p: {1}}))
				got = append(got, p.Value[0])
			}
			assert.InDeltaSlice(t, tt.want, got, 1e-12)
		})
	}
}

func TestSGDValidationAndState(t *testing.T) {
	p := newParam("w", 1, 1)
	for _, cfg := range []SGDConfig{
		{LearningRate: -1},
		{LearningRate: 0.1, Momentum: -0.1},
		{LearningRate: 0.1, Momentum: 1.5},
		{LearningRate: 0.1, WeightDecay: -1},
	} {
		_, err := NewSGDOptimizer(cfg, []*layers.Param{p})
		assert.Error(t, err, "%+v", cfg)
	}

	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, []*layers.Param{p})
	require.NoError(t, err)
	require.NoError(t, sgd.Step(layers.Gradients{p: {1, 2}}))

	state, err := sgd.GetState()
	require.NoError(t, err)
	assert.Equal(t, "SGD", state.Type)
	require.Len(t, state.StateData, 1)

	other, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, []*layers.Param{newParam("w", 0, 0)})
	require.NoError(t, err)
	require.NoError(t, other.LoadState(state))
	assert.Equal(t, sgd.MomentumBuffers, other.MomentumBuffers)
	assert.Equal(t, uint64(1), other.GetStepCount())

	vanilla, err := NewSGDOptimizer(DefaultSGDConfig(), []*layers.Param{newParam("w", 0, 0)})
	require.NoError(t, err)
	assert.Error(t, vanilla.LoadState(state))
}

func TestExtractBufferIndex(t *testing.T) {
	assert.Equal(t, 0, extractBufferIndex("momentum_0"))
	assert.Equal(t, 12, extractBufferIndex("variance_12"))
	assert.Equal(t, -1, extractBufferIndex("momentum"))
	assert.Equal(t, -1, extractBufferIndex("momentum_x"))
}

func TestStateParamExtraction(t *testing.T) {
	params := map[string]interface{}{"a": 1.5, "b": float32(2), "n": 3.0, "u": uint64(4), "flag": true}
	assert.Equal(t, 1.5, extractFloat64Param(params, "a", 0))
	assert.Equal(t, 2.0, extractFloat64Param(params, "b", 0))
	assert.Equal(t, 9.0, extractFloat64Param(params, "missing", 9))
	assert.Equal(t, uint64(3), extractUint64Param(params, "n", 0))
	assert.Equal(t, uint64(4), extractUint64Param(params, "u", 0))
	assert.True(t, extractBoolParam(params, "flag", false))
	assert.False(t, extractBoolParam(params, "a", false))
}

func TestPiecewiseConstantDecay(t *testing.T) {
	s := PiecewiseConstantDecay{Boundary: 10, Initial: 1, Decayed: 0.1}
	assert.Equal(t, 1.0, s.At(0))
	assert.Equal(t, 1.0, s.At(10))
	assert.Equal(t, 0.1, s.At(11))
	assert.Contains(t, s.String(), "step 10")
	assert.Equal(t, 0.3, Constant(0.3).At(1000))
}
