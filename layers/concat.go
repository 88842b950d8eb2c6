package layers

import (
	"github.com/tsawler/go-downscale/tensor"
)

// ConcatConstant appends the channels of c after those of x. c is treated as
// a constant: the recorded backward returns only the gradient w.r.t. x.
func ConcatConstant(tape *Tape, x, c *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.ConcatChannels(x, c)
	if err != nil {
		return nil, err
	}
	cx, cc := x.Shape[x.Dim()-1], c.Shape[c.Dim()-1]
	tape.Record(func(dy *tensor.Tensor, _ Gradients) (*tensor.Tensor, error) {
		parts, err := tensor.SplitChannels(dy, cx, cc)
		if err != nil {
			return nil, err
		}
		return parts[0], nil
	})
	return out, nil
}

// PrependConstant is ConcatConstant with the constant channels first.
func PrependConstant(tape *Tape, c, x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.ConcatChannels(c, x)
	if err != nil {
		return nil, err
	}
	cc, cx := c.Shape[c.Dim()-1], x.Shape[x.Dim()-1]
	tape.Record(func(dy *tensor.Tensor, _ Gradients) (*tensor.Tensor, error) {
		parts, err := tensor.SplitChannels(dy, cc, cx)
		if err != nil {
			return nil, err
		}
		return parts[1], nil
	})
	return out, nil
}
