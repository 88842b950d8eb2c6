package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/go-downscale/checkpoints"
	"github.com/tsawler/go-downscale/layers"
)

// Optimizer defines the common interface for all optimizers.
// State save/restore backs checkpointing.
type Optimizer interface {
	// Step applies grads to the parameters the optimizer was built with.
	// Parameters absent from grads are left untouched.
	Step(grads layers.Gradients) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// LearningRate returns the rate the next Step will apply.
	LearningRate() float64

	// UpdateLearningRate replaces the schedule with a constant rate.
	UpdateLearningRate(lr float64)

	// Params returns the parameters updated by Step.
	Params() []*layers.Param
}

// OptimizerState is the serialized form stored in checkpoints.
type OptimizerState = checkpoints.OptimizerState

// extractBufferIndex extracts the parameter index from state tensor names
// like "momentum_0" or "variance_12".
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil || idx < 0 {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func validateParams(params []*layers.Param) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	seen := make(map[*layers.Param]bool, len(params))
	for _, p := range params {
		if p == nil {
			return fmt.Errorf("nil parameter")
		}
		if seen[p] {
			return fmt.Errorf("parameter %s listed twice", p.Name)
		}
		seen[p] = true
	}
	return nil
}
