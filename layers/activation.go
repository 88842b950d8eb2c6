package layers

import (
	"fmt"

	"github.com/tsawler/go-downscale/tensor"
)

// ReLULayer applies max(x, alpha*x) element-wise. Alpha 0 is a plain ReLU;
// a positive alpha gives the leaky variant used by the discriminator.
type ReLULayer struct {
	name  string
	Alpha float64
}

// NewReLU returns a plain ReLU.
func NewReLU(name string) *ReLULayer { return &ReLULayer{name: name} }

// NewLeakyReLU returns a leaky ReLU with the given negative slope.
func NewLeakyReLU(name string, alpha float64) *ReLULayer {
	return &ReLULayer{name: name, Alpha: alpha}
}

func (r *ReLULayer) Spec() LayerSpec {
	if r.Alpha != 0 {
		return LayerSpec{Type: LeakyReLU, Name: r.name, Parameters: map[string]interface{}{"negative_slope": r.Alpha}}
	}
	return LayerSpec{Type: ReLU, Name: r.name}
}

func (r *ReLULayer) Params() []*Param { return nil }

func (r *ReLULayer) Forward(tape *Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		} else {
			out.Data[i] = r.Alpha * v
		}
	}
	tape.Record(func(dy *tensor.Tensor, _ Gradients) (*tensor.Tensor, error) {
		if len(dy.Data) != len(x.Data) {
			return nil, fmt.Errorf("%s: gradient shape %v does not match %v", r.name, dy.Shape, x.Shape)
		}
		dx := tensor.New(x.Shape...)
		for i, v := range x.Data {
			if v > 0 {
				dx.Data[i] = dy.Data[i]
			} else {
				dx.Data[i] = r.Alpha * dy.Data[i]
			}
		}
		return dx, nil
	})
	return out, nil
}
