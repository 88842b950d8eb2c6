package layers

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-downscale/tensor"
)

// GlobalAvgPoolLayer reduces [N, H, W, C] to [N, C].
type GlobalAvgPoolLayer struct {
	name string
}

// NewGlobalAvgPool returns a spatial mean pooling layer.
func NewGlobalAvgPool(name string) *GlobalAvgPoolLayer { return &GlobalAvgPoolLayer{name: name} }

func (g *GlobalAvgPoolLayer) Spec() LayerSpec { return LayerSpec{Type: GlobalAvgPool, Name: g.name} }

func (g *GlobalAvgPoolLayer) Params() []*Param { return nil }

func (g *GlobalAvgPoolLayer) Forward(tape *Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
	n, h, w, c, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	pixels := h * w
	inv := 1 / float64(pixels)
	out := tensor.New(n, c)
	for b := 0; b < n; b++ {
		dst := out.Data[b*c : (b+1)*c]
		for p := 0; p < pixels; p++ {
			floats.AddScaled(dst, inv, x.Data[(b*pixels+p)*c:(b*pixels+p+1)*c])
		}
	}
	tape.Record(func(dy *tensor.Tensor, _ Gradients) (*tensor.Tensor, error) {
		dx := tensor.New(x.Shape...)
		for b := 0; b < n; b++ {
			src := dy.Data[b*c : (b+1)*c]
			for p := 0; p < pixels; p++ {
				floats.AddScaled(dx.Data[(b*pixels+p)*c:(b*pixels+p+1)*c], inv, src)
			}
		}
		return dx, nil
	})
	return out, nil
}

// DenseLayer is a fully connected layer over [N, In] input.
type DenseLayer struct {
	name   string
	In     int
	Out    int
	Weight *Param
	Bias   *Param
}

// NewDense creates a dense layer with He-uniform weights.
func NewDense(name string, in, out int, rng *rand.Rand) *DenseLayer {
	d := &DenseLayer{
		name:   name,
		In:     in,
		Out:    out,
		Weight: newParam(name+".weight", in, out),
		Bias:   newParam(name+".bias", out),
	}
	heUniform(d.Weight.Value, float64(in), rng)
	return d
}

func (d *DenseLayer) Spec() LayerSpec {
	return paramSpec(Dense, d.name, map[string]interface{}{"in": d.In, "out": d.Out}, d.Weight, d.Bias)
}

func (d *DenseLayer) Params() []*Param { return []*Param{d.Weight, d.Bias} }

func (d *DenseLayer) Forward(tape *Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dim() != 2 || x.Shape[1] != d.In {
		return nil, fmt.Errorf("%s: expected [N, %d] input, got %v", d.name, d.In, x.Shape)
	}
	n := x.Shape[0]
	xm := mat.NewDense(n, d.In, x.Data)
	wm := mat.NewDense(d.In, d.Out, d.Weight.Value)

	out := tensor.New(n, d.Out)
	om := mat.NewDense(n, d.Out, out.Data)
	om.Mul(xm, wm)
	for b := 0; b < n; b++ {
		floats.Add(out.Data[b*d.Out:(b+1)*d.Out], d.Bias.Value)
	}

	tape.Record(func(dy *tensor.Tensor, grads Gradients) (*tensor.Tensor, error) {
		gm := mat.NewDense(n, d.Out, dy.Data)

		var dw mat.Dense
		dw.Mul(xm.T(), gm)
		floats.Add(grads.Buffer(d.Weight), dw.RawMatrix().Data)

		db := grads.Buffer(d.Bias)
		for b := 0; b < n; b++ {
			floats.Add(db, dy.Data[b*d.Out:(b+1)*d.Out])
		}

		dx := tensor.New(n, d.In)
		dxm := mat.NewDense(n, d.In, dx.Data)
		dxm.Mul(gm, wm.T())
		return dx, nil
	})
	return out, nil
}
