package layers

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tsawler/go-downscale/tensor"
)

// Conv2DLayer is a stride-1, same-padded 2-D convolution over NHWC input.
// Weights are laid out [k, k, in, out].
type Conv2DLayer struct {
	name        string
	KernelSize  int
	InChannels  int
	OutChannels int
	Weight      *Param
	Bias        *Param
}

// NewConv2D creates a convolution with He-uniform initialised weights and
// zero bias. The kernel size must be odd.
func NewConv2D(name string, inChannels, outChannels, kernelSize int, rng *rand.Rand) *Conv2DLayer {
	c := &Conv2DLayer{
		name:        name,
		KernelSize:  kernelSize,
		InChannels:  inChannels,
		OutChannels: outChannels,
		Weight:      newParam(name+".weight", kernelSize, kernelSize, inChannels, outChannels),
		Bias:        newParam(name+".bias", outChannels),
	}
	fanIn := float64(kernelSize * kernelSize * inChannels)
	heUniform(c.Weight.Value, fanIn, rng)
	return c
}

// heUniform fills v from U(-l, l) with l = sqrt(6/fanIn).
func heUniform(v []float64, fanIn float64, rng *rand.Rand) {
	limit := math.Sqrt(6 / fanIn)
	dist := distuv.Uniform{Min: -limit, Max: limit}
	for i := range v {
		v[i] = dist.Quantile(rng.Float64())
	}
}

func (c *Conv2DLayer) Spec() LayerSpec {
	return paramSpec(Conv2D, c.name, map[string]interface{}{
		"kernel_size":  c.KernelSize,
		"in_channels":  c.InChannels,
		"out_channels": c.OutChannels,
		"padding":      "same",
	}, c.Weight, c.Bias)
}

func (c *Conv2DLayer) Params() []*Param { return []*Param{c.Weight, c.Bias} }

func (c *Conv2DLayer) Forward(tape *Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
	n, h, w, cin, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	if cin != c.InChannels {
		return nil, fmt.Errorf("expected %d input channels, got %d", c.InChannels, cin)
	}
	k, pad, cout := c.KernelSize, c.KernelSize/2, c.OutChannels
	wt, bias := c.Weight.Value, c.Bias.Value

	out := tensor.New(n, h, w, cout)
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				outOff := ((b*h+y)*w + xx) * cout
				dst := out.Data[outOff : outOff+cout]
				copy(dst, bias)
				for ky := 0; ky < k; ky++ {
					iy := y + ky - pad
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < k; kx++ {
						ix := xx + kx - pad
						if ix < 0 || ix >= w {
							continue
						}
						inOff := ((b*h+iy)*w + ix) * cin
						wOff := (ky*k + kx) * cin * cout
						for ci := 0; ci < cin; ci++ {
							v := x.Data[inOff+ci]
							if v == 0 {
								continue
							}
							row := wt[wOff+ci*cout : wOff+(ci+1)*cout]
							for co, wv := range row {
								dst[co] += v * wv
							}
						}
					}
				}
			}
		}
	}

	tape.Record(func(dy *tensor.Tensor, grads Gradients) (*tensor.Tensor, error) {
		if !tensor.SameShape(dy, out) {
			return nil, fmt.Errorf("%s: gradient shape %v does not match output %v", c.name, dy.Shape, out.Shape)
		}
		dw := grads.Buffer(c.Weight)
		db := grads.Buffer(c.Bias)
		dx := tensor.New(x.Shape...)
		for b := 0; b < n; b++ {
			for y := 0; y < h; y++ {
				for xx := 0; xx < w; xx++ {
					outOff := ((b*h+y)*w + xx) * cout
					g := dy.Data[outOff : outOff+cout]
					for co, gv := range g {
						db[co] += gv
					}
					for ky := 0; ky < k; ky++ {
						iy := y + ky - pad
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < k; kx++ {
							ix := xx + kx - pad
							if ix < 0 || ix >= w {
								continue
							}
							inOff := ((b*h+iy)*w + ix) * cin
							wOff := (ky*k + kx) * cin * cout
							for ci := 0; ci < cin; ci++ {
								v := x.Data[inOff+ci]
								row := wt[wOff+ci*cout : wOff+(ci+1)*cout]
								drow := dw[wOff+ci*cout : wOff+(ci+1)*cout]
								sum := 0.0
								for co, gv := range g {
									drow[co] += v * gv
									sum += row[co] * gv
								}
								dx.Data[inOff+ci] += sum
							}
						}
					}
				}
			}
		}
		return dx, nil
	})
	return out, nil
}
