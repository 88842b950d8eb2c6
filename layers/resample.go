package layers

import (
	"fmt"

	"github.com/tsawler/go-downscale/tensor"
)

// PixelShuffleLayer rearranges [N, H, W, C*r*r] into [N, H*r, W*r, C]
// (depth-to-space, the sub-pixel convolution upsampler).
type PixelShuffleLayer struct {
	name  string
	Scale int
}

// NewPixelShuffle returns a depth-to-space layer with factor scale.
func NewPixelShuffle(name string, scale int) *PixelShuffleLayer {
	return &PixelShuffleLayer{name: name, Scale: scale}
}

func (p *PixelShuffleLayer) Spec() LayerSpec {
	return LayerSpec{Type: PixelShuffle, Name: p.name, Parameters: map[string]interface{}{"scale": p.Scale}}
}

func (p *PixelShuffleLayer) Params() []*Param { return nil }

// shuffleIndex maps an output position to its input offset.
func (p *PixelShuffleLayer) shuffleIndex(b, oy, ox, c, h, w, cin, cout int) (int, int) {
	r := p.Scale
	y, i := oy/r, oy%r
	x, j := ox/r, ox%r
	in := ((b*h+y)*w+x)*cin + (i*r+j)*cout + c
	out := ((b*h*r+oy)*w*r+ox)*cout + c
	return in, out
}

func (p *PixelShuffleLayer) Forward(tape *Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
	n, h, w, cin, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	r := p.Scale
	if cin%(r*r) != 0 {
		return nil, fmt.Errorf("%s: %d channels not divisible by scale^2=%d", p.name, cin, r*r)
	}
	cout := cin / (r * r)
	out := tensor.New(n, h*r, w*r, cout)
	for b := 0; b < n; b++ {
		for oy := 0; oy < h*r; oy++ {
			for ox := 0; ox < w*r; ox++ {
				for c := 0; c < cout; c++ {
					in, o := p.shuffleIndex(b, oy, ox, c, h, w, cin, cout)
					out.Data[o] = x.Data[in]
				}
			}
		}
	}
	tape.Record(func(dy *tensor.Tensor, _ Gradients) (*tensor.Tensor, error) {
		dx := tensor.New(x.Shape...)
		for b := 0; b < n; b++ {
			for oy := 0; oy < h*r; oy++ {
				for ox := 0; ox < w*r; ox++ {
					for c := 0; c < cout; c++ {
						in, o := p.shuffleIndex(b, oy, ox, c, h, w, cin, cout)
						dx.Data[in] = dy.Data[o]
					}
				}
			}
		}
		return dx, nil
	})
	return out, nil
}

// UpsampleLayer repeats every pixel Scale times along both spatial axes.
type UpsampleLayer struct {
	name  string
	Scale int
}

// NewUpsampleNearest returns a nearest-neighbour upsampler.
func NewUpsampleNearest(name string, scale int) *UpsampleLayer {
	return &UpsampleLayer{name: name, Scale: scale}
}

func (u *UpsampleLayer) Spec() LayerSpec {
	return LayerSpec{Type: UpsampleNearest, Name: u.name, Parameters: map[string]interface{}{"scale": u.Scale}}
}

func (u *UpsampleLayer) Params() []*Param { return nil }

func (u *UpsampleLayer) Forward(tape *Tape, x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := UpsampleNearestTensor(x, u.Scale)
	if err != nil {
		return nil, err
	}
	n, h, w, c, _ := x.Dims4()
	r := u.Scale
	tape.Record(func(dy *tensor.Tensor, _ Gradients) (*tensor.Tensor, error) {
		dx := tensor.New(x.Shape...)
		for b := 0; b < n; b++ {
			for oy := 0; oy < h*r; oy++ {
				for ox := 0; ox < w*r; ox++ {
					o := ((b*h*r+oy)*w*r + ox) * c
					i := ((b*h+oy/r)*w + ox/r) * c
					for ch := 0; ch < c; ch++ {
						dx.Data[i+ch] += dy.Data[o+ch]
					}
				}
			}
		}
		return dx, nil
	})
	return out, nil
}

// UpsampleNearestTensor is the untracked nearest-neighbour upsampler.
func UpsampleNearestTensor(x *tensor.Tensor, scale int) (*tensor.Tensor, error) {
	n, h, w, c, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	if scale < 1 {
		return nil, fmt.Errorf("invalid upsampling factor %d", scale)
	}
	out := tensor.New(n, h*scale, w*scale, c)
	for b := 0; b < n; b++ {
		for oy := 0; oy < h*scale; oy++ {
			for ox := 0; ox < w*scale; ox++ {
				o := ((b*h*scale+oy)*w*scale + ox) * c
				i := ((b*h+oy/scale)*w + ox/scale) * c
				copy(out.Data[o:o+c], x.Data[i:i+c])
			}
		}
	}
	return out, nil
}
