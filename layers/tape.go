package layers

import (
	"fmt"

	"github.com/tsawler/go-downscale/tensor"
)

// Gradients accumulates parameter gradients for one backward pass. Keys are
// the parameters that received a gradient; nothing else is ever present.
type Gradients map[*Param][]float64

// Buffer returns the accumulation buffer for p, allocating it on first use.
func (g Gradients) Buffer(p *Param) []float64 {
	buf, ok := g[p]
	if !ok {
		buf = make([]float64, len(p.Value))
		g[p] = buf
	}
	return buf
}

// Restrict drops every entry whose parameter is not in ps.
func (g Gradients) Restrict(ps []*Param) Gradients {
	keep := make(map[*Param]bool, len(ps))
	for _, p := range ps {
		keep[p] = true
	}
	out := make(Gradients, len(g))
	for p, v := range g {
		if keep[p] {
			out[p] = v
		}
	}
	return out
}

// BackwardFunc maps the gradient w.r.t. an operation's output to the gradient
// w.r.t. its input, accumulating parameter gradients into grads. It must not
// mutate the activations it closes over so a tape can be replayed.
type BackwardFunc func(dy *tensor.Tensor, grads Gradients) (*tensor.Tensor, error)

// Tape records one forward pass. Each network gets its own tape so that two
// networks evaluated in the same step never share gradient state.
type Tape struct {
	steps []BackwardFunc
}

// NewTape returns an empty tape.
func NewTape() *Tape { return &Tape{} }

// Record appends fn. Recording on a nil tape is a no-op (inference mode).
func (t *Tape) Record(fn BackwardFunc) {
	if t == nil {
		return
	}
	t.steps = append(t.steps, fn)
}

// Recording reports whether forward passes are being recorded.
func (t *Tape) Recording() bool { return t != nil }

// Len returns the number of recorded operations.
func (t *Tape) Len() int {
	if t == nil {
		return 0
	}
	return len(t.steps)
}

// sub returns a fresh tape for a composite layer, or nil in inference mode.
func (t *Tape) sub() *Tape {
	if t == nil {
		return nil
	}
	return NewTape()
}

// Gradient replays the tape backwards from dy and returns the parameter
// gradients together with the gradient w.r.t. the recorded pass's input.
func (t *Tape) Gradient(dy *tensor.Tensor) (Gradients, *tensor.Tensor, error) {
	grads := make(Gradients)
	dx, err := t.BackwardInto(dy, grads)
	if err != nil {
		return nil, nil, err
	}
	return grads, dx, nil
}

// BackwardInto replays the tape, accumulating into grads.
func (t *Tape) BackwardInto(dy *tensor.Tensor, grads Gradients) (*tensor.Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("backward on a nil tape")
	}
	var err error
	for i := len(t.steps) - 1; i >= 0; i-- {
		dy, err = t.steps[i](dy, grads)
		if err != nil {
			return nil, err
		}
	}
	return dy, nil
}
