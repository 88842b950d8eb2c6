// Package training runs supervised and adversarial super-resolution training
// across a process group.
package training

import (
	"context"
	"strings"
	"time"

	"github.com/tsawler/go-downscale/errdefs"
)

// Kind tags the trainer variants.
type Kind int

const (
	Supervised Kind = iota
	Adversarial
)

func (k Kind) String() string {
	switch k {
	case Supervised:
		return "supervised"
	case Adversarial:
		return "adversarial"
	default:
		return "unknown"
	}
}

// Trainer is the setup contract shared by both variants. Run performs any
// setup step that has not been called explicitly.
type Trainer interface {
	Kind() Kind
	SetupData() error
	SetupModel() error
	Run(ctx context.Context) (*Result, error)
}

var (
	_ Trainer = (*SupervisedTrainer)(nil)
	_ Trainer = (*AdversarialTrainer)(nil)
)

// Result summarizes a finished run.
type Result struct {
	Kind Kind
	// Score is the test-split loss of a supervised run.
	Score float64
	// Metrics compares test-split predictions with the reference fields.
	Metrics RegressionMetrics
	// History holds one value per epoch for each metric.
	History map[string][]float64
	// Epochs is the number of epochs actually run.
	Epochs      int
	Checkpoints []string
	// SavedModel is the saved model directory, empty when not saved.
	SavedModel string
	Runtime    time.Duration
}

// State is a position in the supervised lifecycle.
type State int

const (
	Constructed State = iota
	DataReady
	ModelReady
	Compiled
	Fitting
	Evaluated
	Saved
	Done
)

var stateNames = [...]string{"constructed", "data_ready", "model_ready", "compiled", "fitting", "evaluated", "saved", "done"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// lifecycle enforces the order of trainer operations.
type lifecycle struct {
	state State
}

func (l *lifecycle) expect(op string, allowed ...State) error {
	for _, s := range allowed {
		if l.state == s {
			return nil
		}
	}
	return &errdefs.StateError{Operation: op, Current: l.state, Expected: states(allowed)}
}

type states []State

func (ss states) String() string {
	names := make([]string, len(ss))
	for i, s := range ss {
		names[i] = s.String()
	}
	return strings.Join(names, " or ")
}
