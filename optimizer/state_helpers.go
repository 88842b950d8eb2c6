package optimizer

import (
	"fmt"

	"github.com/tsawler/go-downscale/checkpoints"
)

// extractBufferState copies one state buffer for checkpointing.
func extractBufferState(buffer []float64, name string, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(buffer)},
		Data:      append([]float64(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferState copies checkpointed data into buffer.
func restoreBufferState(buffer []float64, data []float64, name string) error {
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// extractFloat64Param reads a float parameter that may have been through JSON.
func extractFloat64Param(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param reads a counter that is a float64 after a JSON round trip.
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case float64:
		return uint64(v)
	}
	return defaultValue
}
