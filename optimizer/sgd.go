package optimizer

import (
	"fmt"

	"github.com/tsawler/go-downscale/checkpoints"
	"github.com/tsawler/go-downscale/layers"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum.
type SGDOptimizerState struct {
	// Hyperparameters
	Schedule    Schedule
	Momentum    float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay float64 // L2 regularization coefficient
	Nesterov    bool    // Whether to use Nesterov momentum

	// Momentum buffers (only if momentum > 0)
	MomentumBuffers [][]float64

	// Step tracking
	StepCount uint64

	params []*layers.Param
	index  map[*layers.Param]int
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Schedule     Schedule
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer over params.
func NewSGDOptimizer(config SGDConfig, params []*layers.Param) (*SGDOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	schedule := config.Schedule
	if schedule == nil {
		schedule = Constant(config.LearningRate)
	}

	sgd := &SGDOptimizerState{
		Schedule:    schedule,
		Momentum:    config.Momentum,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
		params:      params,
		index:       make(map[*layers.Param]int, len(params)),
	}
	for i, p := range params {
		sgd.index[p] = i
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = make([][]float64, len(params))
		for i, p := range params {
			sgd.MomentumBuffers[i] = make([]float64, len(p.Value))
		}
	}
	return sgd, nil
}

// Step performs a single SGD step.
func (sgd *SGDOptimizerState) Step(grads layers.Gradients) error {
	for p := range grads {
		if _, ok := sgd.index[p]; !ok {
			return fmt.Errorf("gradient for parameter %s not managed by this optimizer", p.Name)
		}
	}
	lr := sgd.Schedule.At(sgd.StepCount)
	sgd.StepCount++

	for i, p := range sgd.params {
		g, ok := grads[p]
		if !ok {
			continue
		}
		if len(g) != len(p.Value) {
			return fmt.Errorf("gradient for %s has %d elements, expected %d", p.Name, len(g), len(p.Value))
		}
		for j, gj := range g {
			if sgd.WeightDecay != 0 {
				gj += sgd.WeightDecay * p.Value[j]
			}
			if sgd.MomentumBuffers != nil {
				buf := sgd.MomentumBuffers[i]
				buf[j] = sgd.Momentum*buf[j] + gj
				if sgd.Nesterov {
					gj += sgd.Momentum * buf[j]
				} else {
					gj = buf[j]
				}
			}
			p.Value[j] -= lr * gj
		}
	}
	return nil
}

func (sgd *SGDOptimizerState) LearningRate() float64 { return sgd.Schedule.At(sgd.StepCount) }

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.Schedule = Constant(newLR)
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

func (sgd *SGDOptimizerState) Params() []*layers.Param { return sgd.params }

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.MomentumBuffers))
	for i, buffer := range sgd.MomentumBuffers {
		stateData = append(stateData, extractBufferState(buffer, fmt.Sprintf("momentum_%d", i), "momentum"))
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate(),
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.Momentum = extractFloat64Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(sgd.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if sgd.MomentumBuffers == nil {
			return fmt.Errorf("momentum buffer %d not allocated", idx)
		}
		if err := restoreBufferState(sgd.MomentumBuffers[idx], tensor.Data, tensor.Name); err != nil {
			return err
		}
	}
	return nil
}
