package optimizer

import "fmt"

// Schedule maps the optimizer step count to a learning rate.
type Schedule interface {
	At(step uint64) float64
}

// Constant is a fixed learning rate.
type Constant float64

func (c Constant) At(uint64) float64 { return float64(c) }

// PiecewiseConstantDecay applies Initial while step <= Boundary and Decayed
// afterwards.
type PiecewiseConstantDecay struct {
	Boundary uint64
	Initial  float64
	Decayed  float64
}

func (p PiecewiseConstantDecay) At(step uint64) float64 {
	if step <= p.Boundary {
		return p.Initial
	}
	return p.Decayed
}

func (p PiecewiseConstantDecay) String() string {
	return fmt.Sprintf("piecewise(%g until step %d, then %g)", p.Initial, p.Boundary, p.Decayed)
}
