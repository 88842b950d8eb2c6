package training

import (
	"io"
	"os"

	"github.com/tsawler/go-downscale/checkpoints"
	"github.com/tsawler/go-downscale/device"
	"github.com/tsawler/go-downscale/models"
)

// Options holds the hyperparameters of a training run. Fields left at their
// zero value fall back to DefaultOptions where a zero would be invalid.
type Options struct {
	// Architecture is resolved against ModelList (all architectures when nil).
	Architecture       string
	ModelList          []models.Architecture
	ArchitectureParams models.Params

	Loss          string
	Scale         int
	PatchSize     int // 0 trains on the whole grid
	Interpolation string
	TimeWindow    int // required by, and only allowed for, recurrent architectures

	BatchSize       int // per replica
	Epochs          int
	StepsPerEpoch   int // 0 derives steps from the training split
	ValidationSteps int
	TestSteps       int

	// LearningRate is a single rate (scaled by the group size) or an
	// (initial, decayed) pair switched after LRDecayAfter steps.
	LearningRate []float64
	LRDecayAfter uint64
	// Optimizer is "adam" or "sgd" (Nesterov momentum 0.9). Supervised only.
	Optimizer string

	EarlyStopping bool
	Patience      int
	MinDelta      float64

	// CheckpointDir enables checkpoints when non-empty.
	CheckpointDir    string
	CheckpointFormat checkpoints.CheckpointFormat

	Save     bool
	SavePath string
	SavePlot bool
	PlotPath string

	// Adversarial training. Lambda weights the L1 term of the generator
	// loss and is used as given; 0 trains on the adversarial term alone.
	Lambda               float64
	SamplesPerEpoch      int // 0 uses every training sample
	CheckpointsFrequency int // 0 disables periodic snapshots
	LogDir               string
	LossesPath           string

	Device        device.Kind
	MemoryGrowth  bool
	DeviceManager *device.Manager

	Seed    int64
	Verbose int
	Out     io.Writer
}

// DefaultOptions returns the defaults of a supervised run.
func DefaultOptions() Options {
	return Options{
		Architecture:         models.ResNetSPC.String(),
		ArchitectureParams:   models.DefaultParams(),
		Loss:                 "mae",
		Scale:                5,
		PatchSize:            50,
		Interpolation:        "bilinear",
		BatchSize:            64,
		Epochs:               60,
		LearningRate:         []float64{1e-4},
		LRDecayAfter:         100000,
		Optimizer:            "adam",
		Patience:             6,
		CheckpointDir:        "./checkpoints/",
		SavePath:             "./saved_model/",
		PlotPath:             "learning_curve.html",
		Lambda:               100,
		CheckpointsFrequency: 5,
		LogDir:               "cgan_logs",
		LossesPath:           "./losses.npy",
		Device:               device.CPU,
		MemoryGrowth:         true,
		Seed:                 42,
		Verbose:              1,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Architecture == "" {
		o.Architecture = d.Architecture
	}
	if o.Loss == "" {
		o.Loss = d.Loss
	}
	if len(o.LearningRate) == 0 {
		o.LearningRate = d.LearningRate
	}
	if o.LRDecayAfter == 0 {
		o.LRDecayAfter = d.LRDecayAfter
	}
	if o.Optimizer == "" {
		o.Optimizer = d.Optimizer
	}
	if o.SavePath == "" {
		o.SavePath = d.SavePath
	}
	if o.PlotPath == "" {
		o.PlotPath = d.PlotPath
	}
	if o.LossesPath == "" {
		o.LossesPath = d.LossesPath
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	return o
}
