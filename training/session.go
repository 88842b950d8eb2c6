package training

import (
	"context"
	"fmt"
	"math"
	"strings"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-downscale/dataloader"
	"github.com/tsawler/go-downscale/device"
	"github.com/tsawler/go-downscale/distributed"
	"github.com/tsawler/go-downscale/errdefs"
	"github.com/tsawler/go-downscale/layers"
	"github.com/tsawler/go-downscale/losses"
	"github.com/tsawler/go-downscale/models"
	"github.com/tsawler/go-downscale/optimizer"
)

// Session is the resolved state of one run on one group member. It is built
// once by NewSession; afterwards only History changes.
type Session struct {
	Options      Options
	Group        distributed.Group
	Devices      []device.Device
	Architecture models.Architecture
	Loss         losses.Func

	// ReplicaBatchSize is the number of samples one member draws per step:
	// the per-replica batch size times this member's devices.
	ReplicaBatchSize int
	// GlobalBatchSize is ReplicaBatchSize summed over the group.
	GlobalBatchSize int
	Schedule        optimizer.Schedule

	Train, Val, Test *dataloader.Generator

	// History holds one value per finished epoch for each metric.
	History map[string][]float64
}

// NewSession validates opts, resolves names, and configures this member's
// devices. allowed restricts the architectures when opts.ModelList is nil.
func NewSession(opts Options, g distributed.Group, allowed []models.Architecture) (*Session, error) {
	opts = opts.withDefaults()
	if g == nil {
		return nil, fmt.Errorf("training session requires a process group")
	}
	if opts.Scale < 1 {
		return nil, errdefs.Configuration("scale", opts.Scale, "must be a positive integer")
	}
	if opts.BatchSize < 1 {
		return nil, errdefs.Configuration("batch_size", opts.BatchSize, "must be a positive integer")
	}
	if opts.Epochs < 1 {
		return nil, errdefs.Configuration("epochs", opts.Epochs, "must be a positive integer")
	}
	if opts.TimeWindow < 0 {
		return nil, errdefs.Configuration("time_window", opts.TimeWindow, "must be a positive integer when set")
	}
	if opts.EarlyStopping && opts.Patience < 0 {
		return nil, errdefs.Configuration("patience", opts.Patience, "cannot be negative")
	}
	if _, err := dataloader.ParseInterpolation(opts.Interpolation); err != nil {
		return nil, err
	}

	list := opts.ModelList
	if list == nil {
		list = allowed
	}
	arch, err := models.ParseArchitectureIn(opts.Architecture, list)
	if err != nil {
		return nil, err
	}
	loss, err := losses.Lookup(opts.Loss)
	if err != nil {
		return nil, err
	}
	schedule, err := resolveSchedule(opts.LearningRate, opts.LRDecayAfter, g.Size())
	if err != nil {
		return nil, err
	}
	if _, err := newOptimizer(opts.Optimizer, schedule, nil); err != nil {
		return nil, err
	}

	mgr := opts.DeviceManager
	if mgr == nil {
		mgr = device.Default()
	}
	devices, err := mgr.Configure(opts.Device, opts.MemoryGrowth, g.Rank(), g.Size())
	if err != nil {
		return nil, err
	}

	replica := opts.BatchSize * len(devices)
	s := &Session{
		Options:          opts,
		Group:            g,
		Devices:          devices,
		Architecture:     arch,
		Loss:             loss,
		ReplicaBatchSize: replica,
		GlobalBatchSize:  replica * g.Size(),
		Schedule:         schedule,
		History:          make(map[string][]float64),
	}
	if s.FirstWorker() && opts.Verbose > 0 {
		fmt.Fprintln(opts.Out, "List of devices:")
		for _, d := range devices {
			fmt.Fprintf(opts.Out, "  %s\n", d)
		}
		fmt.Fprintf(opts.Out, "Number of devices: %d\n", len(devices)*g.Size())
		fmt.Fprintf(opts.Out, "Global batch size: %d, per replica: %d\n", s.GlobalBatchSize, s.ReplicaBatchSize)
	}
	return s, nil
}

// newOptimizer builds the named optimizer over params. With nil params it
// only checks the name.
func newOptimizer(name string, schedule optimizer.Schedule, params []*layers.Param) (optimizer.Optimizer, error) {
	switch strings.ToLower(name) {
	case "adam":
		if params == nil {
			return nil, nil
		}
		return optimizer.NewAdamOptimizer(optimizer.AdamConfig{
			Schedule: schedule,
			Beta1:    0.9,
			Beta2:    0.999,
			Epsilon:  1e-7,
		}, params)
	case "sgd":
		if params == nil {
			return nil, nil
		}
		return optimizer.NewSGDOptimizer(optimizer.SGDConfig{
			Schedule: schedule,
			Momentum: 0.9,
			Nesterov: true,
		}, params)
	}
	return nil, errdefs.Configuration("optimizer", name, "expected adam or sgd")
}

// resolveSchedule turns a learning-rate option into a schedule. A single
// rate grows linearly with the group size; a pair is used as given.
func resolveSchedule(lr []float64, decayAfter uint64, groupSize int) (optimizer.Schedule, error) {
	for _, r := range lr {
		if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			return nil, errdefs.Configuration("learning_rate", lr, "rates must be positive")
		}
	}
	switch len(lr) {
	case 1:
		return optimizer.Constant(lr[0] * float64(groupSize)), nil
	case 2:
		return optimizer.PiecewiseConstantDecay{Boundary: decayAfter, Initial: lr[0], Decayed: lr[1]}, nil
	}
	return nil, errdefs.Configuration("learning_rate", lr, "expected a rate or an (initial, decayed) pair")
}

// FirstWorker reports whether this member owns the run's side effects.
func (s *Session) FirstWorker() bool { return s.Group.IsFirst() }

// printf writes progress text on the first worker only.
func (s *Session) printf(format string, args ...interface{}) {
	if s.FirstWorker() && s.Options.Verbose > 0 {
		fmt.Fprintf(s.Options.Out, format, args...)
	}
}

func (s *Session) record(metric string, v float64) {
	s.History[metric] = append(s.History[metric], v)
}

// channelSpec derives the model input layout from the training split.
func (s *Session) channelSpec(split dataloader.Split) models.ChannelSpec {
	return models.ChannelSpec{Var: split.VarChannels(), Static: len(split.Static())}
}

// generatorOptions returns the data generator options shared by all splits.
func (s *Session) generatorOptions(batchSize int, shuffle bool) (dataloader.Options, error) {
	interp, err := dataloader.ParseInterpolation(s.Options.Interpolation)
	if err != nil {
		return dataloader.Options{}, err
	}
	return dataloader.Options{
		Scale:         s.Options.Scale,
		BatchSize:     batchSize,
		PatchSize:     s.Options.PatchSize,
		Interpolation: interp,
		TimeWindow:    s.Options.TimeWindow,
		Upsample:      s.Architecture.Upsampling() == models.Interpolated,
		Shuffle:       shuffle,
		Seed:          s.Options.Seed,
		Rank:          s.Group.Rank(),
		Size:          s.Group.Size(),
	}, nil
}

// checkShapeOptions validates the patch and time-window settings against
// the architecture.
func (s *Session) checkShapeOptions() error {
	o := s.Options
	if o.PatchSize < 0 || o.PatchSize%o.Scale != 0 {
		return errdefs.Configuration("patch_size", o.PatchSize, "must be divisible by scale %d", o.Scale)
	}
	if s.Architecture.Recurrent() && o.TimeWindow == 0 {
		return errdefs.Configuration("time_window", o.TimeWindow,
			"architecture %s needs a positive time window", s.Architecture)
	}
	if !s.Architecture.Recurrent() && o.TimeWindow != 0 {
		return errdefs.Configuration("time_window", o.TimeWindow,
			"architecture %s does not take samples with a temporal dimension", s.Architecture)
	}
	return nil
}

// broadcast copies rank 0's parameters to every member.
func (s *Session) broadcast(ctx context.Context, params []*layers.Param) error {
	if err := distributed.BroadcastParams(ctx, s.Group, 0, params); err != nil {
		return err
	}
	if s.FirstWorker() {
		klog.V(1).InfoS("Broadcast initial parameters", "params", layers.CountParams(params), "workers", s.Group.Size())
	}
	return nil
}

// stepsFor returns the number of batches to draw from gen. An explicit
// count is a group-wide total split evenly across members.
func (s *Session) stepsFor(gen *dataloader.Generator, explicit int) int {
	if explicit > 0 {
		if n := explicit / s.Group.Size(); n > 0 {
			return n
		}
		return 1
	}
	return gen.Steps()
}

func checkFinite(what string, epoch, step int, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("non-finite %s (%v) at epoch %d step %d", what, v, epoch+1, step)
	}
	return nil
}
