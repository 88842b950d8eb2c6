package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-downscale/checkpoints"
	"github.com/tsawler/go-downscale/layers"
)

// AdamOptimizerState holds Adam moments for a fixed parameter list.
type AdamOptimizerState struct {
	// Hyperparameters
	Schedule    Schedule
	Beta1       float64 // Momentum decay (typically 0.9)
	Beta2       float64 // Variance decay (typically 0.999)
	Epsilon     float64 // Small constant to prevent division by zero (typically 1e-7)
	WeightDecay float64 // L2 regularization coefficient

	// One moment buffer per parameter, in params order.
	MomentumBuffers [][]float64
	VarianceBuffers [][]float64

	// Step tracking for bias correction
	StepCount uint64

	params []*layers.Param
	index  map[*layers.Param]int
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	// Schedule overrides LearningRate when set.
	Schedule    Schedule
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer over params.
func NewAdamOptimizer(config AdamConfig, params []*layers.Param) (*AdamOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	schedule := config.Schedule
	if schedule == nil {
		if config.LearningRate <= 0 {
			return nil, fmt.Errorf("learning rate must be positive: %g", config.LearningRate)
		}
		schedule = Constant(config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1): beta1=%g beta2=%g", config.Beta1, config.Beta2)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %g", config.WeightDecay)
	}

	adam := &AdamOptimizerState{
		Schedule:        schedule,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([][]float64, len(params)),
		VarianceBuffers: make([][]float64, len(params)),
		params:          params,
		index:           make(map[*layers.Param]int, len(params)),
	}
	for i, p := range params {
		adam.MomentumBuffers[i] = make([]float64, len(p.Value))
		adam.VarianceBuffers[i] = make([]float64, len(p.Value))
		adam.index[p] = i
	}
	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(grads layers.Gradients) error {
	for p := range grads {
		if _, ok := adam.index[p]; !ok {
			return fmt.Errorf("gradient for parameter %s not managed by this optimizer", p.Name)
		}
	}

	lr := adam.Schedule.At(adam.StepCount)
	adam.StepCount++
	t := float64(adam.StepCount)
	bc1 := 1 - math.Pow(adam.Beta1, t)
	bc2 := 1 - math.Pow(adam.Beta2, t)
	alpha := lr * math.Sqrt(bc2) / bc1

	for i, p := range adam.params {
		g, ok := grads[p]
		if !ok {
			continue
		}
		if len(g) != len(p.Value) {
			return fmt.Errorf("gradient for %s has %d elements, expected %d", p.Name, len(g), len(p.Value))
		}
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]
		for j, gj := range g {
			if adam.WeightDecay != 0 {
				gj += adam.WeightDecay * p.Value[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*gj
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*gj*gj
			p.Value[j] -= alpha * m[j] / (math.Sqrt(v[j]) + adam.Epsilon)
		}
	}
	return nil
}

// LearningRate returns the rate applied by the next step.
func (adam *AdamOptimizerState) LearningRate() float64 {
	return adam.Schedule.At(adam.StepCount)
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.Schedule = Constant(newLR)
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

func (adam *AdamOptimizerState) Params() []*layers.Param { return adam.params }

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	return AdamStats{
		StepCount:     adam.StepCount,
		LearningRate:  adam.LearningRate(),
		Beta1:         adam.Beta1,
		Beta2:         adam.Beta2,
		Epsilon:       adam.Epsilon,
		WeightDecay:   adam.WeightDecay,
		NumParameters: len(adam.params),
		TotalElements: 2 * int(layers.CountParams(adam.params)),
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount     uint64
	LearningRate  float64
	Beta1         float64
	Beta2         float64
	Epsilon       float64
	WeightDecay   float64
	NumParameters int
	TotalElements int
}

// GetState extracts optimizer state for checkpointing. The schedule itself
// is configuration and is not persisted, only the rate it currently yields.
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))
	for i := range adam.params {
		stateData = append(stateData,
			extractBufferState(adam.MomentumBuffers[i], fmt.Sprintf("momentum_%d", i), "momentum"),
			extractBufferState(adam.VarianceBuffers[i], fmt.Sprintf("variance_%d", i), "variance"),
		)
	}
	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate(),
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.Beta1 = extractFloat64Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat64Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat64Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	for _, tensor := range state.StateData {
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(adam.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		var err error
		switch tensor.StateType {
		case "momentum":
			err = restoreBufferState(adam.MomentumBuffers[idx], tensor.Data, tensor.Name)
		case "variance":
			err = restoreBufferState(adam.VarianceBuffers[idx], tensor.Data, tensor.Name)
		default:
			err = fmt.Errorf("unknown Adam state type %q", tensor.StateType)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
