package layers

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-downscale/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	LeakyReLU
	Residual
	PixelShuffle
	UpsampleNearest
	TimeDistributed
	TemporalMean
	GlobalAvgPool
	Sequence
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case LeakyReLU:
		return "LeakyReLU"
	case Residual:
		return "Residual"
	case PixelShuffle:
		return "PixelShuffle"
	case UpsampleNearest:
		return "UpsampleNearest"
	case TimeDistributed:
		return "TimeDistributed"
	case TemporalMean:
		return "TemporalMean"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case Sequence:
		return "Sequential"
	default:
		return "Unknown"
	}
}

// LayerSpec describes a layer's configuration and parameter layout. It is
// pure metadata: used for summaries and persisted next to saved weights.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count"`
}

// ModelSpec describes a complete network as a list of top-level layers.
type ModelSpec struct {
	Name            string      `json:"name"`
	Layers          []LayerSpec `json:"layers"`
	TotalParameters int64       `json:"total_parameters"`
	InputChannels   []int       `json:"input_channels"`
	OutputChannels  int         `json:"output_channels"`
	Scale           int         `json:"scale"`
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", ms.Name)
	fmt.Fprintf(&b, "Input channels: %v, output channels: %d, scale: %d\n", ms.InputChannels, ms.OutputChannels, ms.Scale)
	fmt.Fprintf(&b, "%-4s %-28s %-16s %12s\n", "#", "Layer", "Type", "Params")
	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "%-4d %-28s %-16s %12d\n", i+1, layer.Name, layer.Type, layer.ParameterCount)
	}
	fmt.Fprintf(&b, "Total parameters: %d\n", ms.TotalParameters)
	return b.String()
}

// Param is a trainable parameter tensor owned by exactly one layer.
type Param struct {
	Name  string
	Shape []int
	Value []float64
}

func newParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{Name: name, Shape: append([]int(nil), shape...), Value: make([]float64, n)}
}

// Layer is a differentiable operation. When tape is non-nil, Forward records
// the backward function for the pass on it; a nil tape runs in inference mode.
type Layer interface {
	Spec() LayerSpec
	Params() []*Param
	Forward(tape *Tape, x *tensor.Tensor) (*tensor.Tensor, error)
}

// Seq chains layers in order.
type Seq struct {
	name   string
	Layers []Layer
}

// NewSequential returns a Seq over the given layers.
func NewSequential(name string, layers ...Layer) *Seq {
	return &Seq{name: name, Layers: layers}
}

// Add appends a layer.
func (s *Seq) Add(l Layer) *Seq {
	s.Layers = append(s.Layers, l)
	return s
}

func (s *Seq) Spec() LayerSpec {
	spec := LayerSpec{Type: Sequence, Name: s.name}
	for _, l := range s.Layers {
		ls := l.Spec()
		spec.ParameterShapes = append(spec.ParameterShapes, ls.ParameterShapes...)
		spec.ParameterCount += ls.ParameterCount
	}
	return spec
}

func (s *Seq) Params() []*Param {
	var ps []*Param
	for _, l := range s.Layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}

func (s *Seq) Forward(tape *Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, l := range s.Layers {
		x, err = l.Forward(tape, x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.Spec().Name, err)
		}
	}
	return x, nil
}

// CountParams returns the number of scalar parameters in ps.
func CountParams(ps []*Param) int64 {
	var n int64
	for _, p := range ps {
		n += int64(len(p.Value))
	}
	return n
}

func paramSpec(t LayerType, name string, config map[string]interface{}, ps ...*Param) LayerSpec {
	spec := LayerSpec{Type: t, Name: name, Parameters: config}
	for _, p := range ps {
		spec.ParameterShapes = append(spec.ParameterShapes, append([]int(nil), p.Shape...))
		spec.ParameterCount += int64(len(p.Value))
	}
	return spec
}
