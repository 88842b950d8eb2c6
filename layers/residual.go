package layers

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-downscale/tensor"
)

// ResidualLayer computes body(x) + x. The body must preserve the shape of x.
type ResidualLayer struct {
	name string
	Body *Seq
}

// NewResidual wraps body layers with an identity skip connection.
func NewResidual(name string, body ...Layer) *ResidualLayer {
	return &ResidualLayer{name: name, Body: NewSequential(name+".body", body...)}
}

// NewResidualBlock returns the conv-relu-conv block used by every generator.
func NewResidualBlock(name string, filters int, rng *rand.Rand) *ResidualLayer {
	return NewResidual(name,
		NewConv2D(name+".conv1", filters, filters, 3, rng),
		NewReLU(name+".relu"),
		NewConv2D(name+".conv2", filters, filters, 3, rng),
	)
}

func (r *ResidualLayer) Spec() LayerSpec {
	spec := r.Body.Spec()
	spec.Type = Residual
	spec.Name = r.name
	spec.Parameters = map[string]interface{}{"layers": len(r.Body.Layers)}
	return spec
}

func (r *ResidualLayer) Params() []*Param { return r.Body.Params() }

func (r *ResidualLayer) Forward(tape *Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
	sub := tape.sub()
	y, err := r.Body.Forward(sub, x)
	if err != nil {
		return nil, err
	}
	if !tensor.SameShape(x, y) {
		return nil, fmt.Errorf("%s: body changed shape %v -> %v", r.name, x.Shape, y.Shape)
	}
	out := y.Clone()
	floats.Add(out.Data, x.Data)

	tape.Record(func(dy *tensor.Tensor, grads Gradients) (*tensor.Tensor, error) {
		dx, err := sub.BackwardInto(dy, grads)
		if err != nil {
			return nil, err
		}
		floats.Add(dx.Data, dy.Data)
		return dx, nil
	})
	return out, nil
}
