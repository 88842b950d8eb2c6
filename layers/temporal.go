package layers

import (
	"fmt"

	"github.com/tsawler/go-downscale/tensor"
)

// TimeDistributedLayer applies an inner 4-D layer to every frame of a
// [N, T, H, W, C] input with shared weights.
type TimeDistributedLayer struct {
	name  string
	Inner Layer
}

// NewTimeDistributed wraps inner so it runs once per time step.
func NewTimeDistributed(name string, inner Layer) *TimeDistributedLayer {
	return &TimeDistributedLayer{name: name, Inner: inner}
}

func (t *TimeDistributedLayer) Spec() LayerSpec {
	spec := t.Inner.Spec()
	spec.Type = TimeDistributed
	spec.Name = t.name
	return spec
}

func (t *TimeDistributedLayer) Params() []*Param { return t.Inner.Params() }

func (t *TimeDistributedLayer) Forward(tape *Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dim() != 5 {
		return nil, fmt.Errorf("%s: expected [N, T, H, W, C] input, got %v", t.name, x.Shape)
	}
	n, steps := x.Shape[0], x.Shape[1]
	folded, err := x.Reshape(n*steps, x.Shape[2], x.Shape[3], x.Shape[4])
	if err != nil {
		return nil, err
	}
	tape.Record(func(dy *tensor.Tensor, _ Gradients) (*tensor.Tensor, error) {
		return dy.Reshape(x.Shape...)
	})

	y, err := t.Inner.Forward(tape, folded)
	if err != nil {
		return nil, err
	}
	foldedShape := y.Shape
	out, err := y.Reshape(n, steps, y.Shape[1], y.Shape[2], y.Shape[3])
	if err != nil {
		return nil, err
	}
	tape.Record(func(dy *tensor.Tensor, _ Gradients) (*tensor.Tensor, error) {
		return dy.Reshape(foldedShape...)
	})
	return out, nil
}

// TemporalMeanLayer averages a [N, T, H, W, C] input over T.
type TemporalMeanLayer struct {
	name string
}

// NewTemporalMean returns a layer that collapses the time axis.
func NewTemporalMean(name string) *TemporalMeanLayer { return &TemporalMeanLayer{name: name} }

func (m *TemporalMeanLayer) Spec() LayerSpec { return LayerSpec{Type: TemporalMean, Name: m.name} }

func (m *TemporalMeanLayer) Params() []*Param { return nil }

func (m *TemporalMeanLayer) Forward(tape *Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dim() != 5 {
		return nil, fmt.Errorf("%s: expected [N, T, H, W, C] input, got %v", m.name, x.Shape)
	}
	n, steps := x.Shape[0], x.Shape[1]
	frame := x.Shape[2] * x.Shape[3] * x.Shape[4]
	out := tensor.New(n, x.Shape[2], x.Shape[3], x.Shape[4])
	inv := 1 / float64(steps)
	for b := 0; b < n; b++ {
		dst := out.Data[b*frame : (b+1)*frame]
		for s := 0; s < steps; s++ {
			src := x.Data[(b*steps+s)*frame : (b*steps+s+1)*frame]
			for i, v := range src {
				dst[i] += v * inv
			}
		}
	}
	tape.Record(func(dy *tensor.Tensor, _ Gradients) (*tensor.Tensor, error) {
		dx := tensor.New(x.Shape...)
		for b := 0; b < n; b++ {
			g := dy.Data[b*frame : (b+1)*frame]
			for s := 0; s < steps; s++ {
				dst := dx.Data[(b*steps+s)*frame : (b*steps+s+1)*frame]
				for i, v := range g {
					dst[i] = v * inv
				}
			}
		}
		return dx, nil
	})
	return out, nil
}
