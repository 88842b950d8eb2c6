package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ProgressBar renders a single-line, carriage-return updated epoch progress
// bar. In compact mode only the final line of each epoch is printed.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	compact     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		metrics:     make(map[string]float64),
	}
}

// newEpochBar returns the bar for verbosity level verbose, or nil when
// nothing should be printed.
func newEpochBar(s *Session, description string, total int) *ProgressBar {
	if !s.FirstWorker() || s.Options.Verbose <= 0 {
		return nil
	}
	pb := NewProgressBar(s.Options.Out, description, total)
	pb.compact = s.Options.Verbose > 1
	return pb
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	if pb == nil {
		return
	}
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	if !pb.compact {
		pb.render()
	}
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish(metrics map[string]float64) {
	if pb == nil {
		return
	}
	pb.current = pb.total
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("=", filled) + strings.Repeat(".", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	line := fmt.Sprintf("\r%s %d/%d [%s] - %s", pb.description, pb.current, pb.total, bar, formatDuration(elapsed))
	if pb.current > 0 && pb.current < pb.total {
		eta := time.Duration(float64(elapsed) / percentage * (1 - percentage))
		line += fmt.Sprintf(" ETA %s", formatDuration(eta))
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(" - %s: %.4f", k, pb.metrics[k])
	}
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// dots prints one '.' for every `every` samples processed.
type dots struct {
	out io.Writer
	s   rate.Sometimes
}

func newDots(out io.Writer, every int) *dots {
	return &dots{out: out, s: rate.Sometimes{Every: every}}
}

func (d *dots) Tick() {
	if d == nil {
		return
	}
	d.s.Do(func() { fmt.Fprint(d.out, ".") })
}
