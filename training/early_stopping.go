package training

import "math"

// EarlyStopping stops training once the monitored loss has not improved by
// more than MinDelta for Patience consecutive epochs.
type EarlyStopping struct {
	Patience int
	MinDelta float64

	best    float64
	wait    int
	stopped int
}

// NewEarlyStopping returns a monitor for a loss to minimize.
func NewEarlyStopping(patience int, minDelta float64) *EarlyStopping {
	return &EarlyStopping{Patience: patience, MinDelta: math.Abs(minDelta), best: math.Inf(1), stopped: -1}
}

// Update records the loss of epoch and reports whether training should stop.
func (e *EarlyStopping) Update(epoch int, loss float64) bool {
	e.wait++
	if loss < e.best-e.MinDelta {
		e.best = loss
		e.wait = 0
		return false
	}
	if e.wait >= e.Patience && epoch > 0 {
		e.stopped = epoch
		return true
	}
	return false
}

// StoppedEpoch returns the epoch training stopped at, or -1.
func (e *EarlyStopping) StoppedEpoch() int { return e.stopped }

// Best returns the lowest loss seen.
func (e *EarlyStopping) Best() float64 { return e.best }
