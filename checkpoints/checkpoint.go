package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-downscale/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatSavedModel
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatSavedModel:
		return "SavedModel"
	default:
		return "Unknown"
	}
}

// Checkpoint is a snapshot of one or more networks with their optimizer
// state and the training progress at the time it was taken.
type Checkpoint struct {
	Networks []Network `json:"networks"`

	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// Network is the persisted state of a single model.
type Network struct {
	Role           string            `json:"role"` // "model", "generator", "discriminator"
	ModelSpec      *layers.ModelSpec `json:"model_spec"`
	Weights        []WeightTensor    `json:"weights"`
	OptimizerState *OptimizerState   `json:"optimizer_state,omitempty"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (moments, step count).
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents one optimizer state tensor.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Network returns the network stored under role.
func (c *Checkpoint) Network(role string) (*Network, error) {
	for i := range c.Networks {
		if c.Networks[i].Role == role {
			return &c.Networks[i], nil
		}
	}
	return nil, fmt.Errorf("checkpoint has no %q network", role)
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// SaveCheckpoint writes checkpoint to path. For FormatSavedModel, path is a
// directory and only the first network is written.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	stampMetadata(&checkpoint.Metadata)
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatSavedModel:
		if len(checkpoint.Networks) == 0 {
			return fmt.Errorf("checkpoint has no networks to save")
		}
		return WriteSavedModel(path, &checkpoint.Networks[0], checkpoint.Metadata)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatSavedModel:
		net, meta, err := ReadSavedModel(path)
		if err != nil {
			return nil, err
		}
		return &Checkpoint{Networks: []Network{*net}, Metadata: meta}, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func stampMetadata(m *CheckpointMetadata) {
	if m.Framework == "" {
		m.Framework = "go-downscale"
		m.Version = "1.0.0"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
}

// saveJSON writes to a temporary file in the same directory and renames it
// over path so a crash never leaves a truncated checkpoint.
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	file, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmp := file.Name()
	defer os.Remove(tmp)

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// ExtractWeights copies parameter values into weight tensors.
func ExtractWeights(params []*layers.Param) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		weights[i] = WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Value...),
		}
	}
	return weights
}

// LoadWeights copies weight data back into params. Weights are matched by
// position and must agree in name and shape.
func LoadWeights(weights []WeightTensor, params []*layers.Param) error {
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d params", len(weights), len(params))
	}
	for i, p := range params {
		w := weights[i]
		if w.Name != p.Name {
			return fmt.Errorf("weight %d: name %q does not match parameter %q", i, w.Name, p.Name)
		}
		if len(w.Shape) != len(p.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: param %v vs weight %v", w.Name, p.Shape, w.Shape)
		}
		for j, dim := range p.Shape {
			if dim != w.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: param %d vs weight %d",
					w.Name, j, dim, w.Shape[j])
			}
		}
		if len(w.Data) != len(p.Value) {
			return fmt.Errorf("data size mismatch for weight %s: expected %d, got %d", w.Name, len(p.Value), len(w.Data))
		}
		copy(p.Value, w.Data)
	}
	return nil
}
