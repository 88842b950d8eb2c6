// Package config reads and writes the TOML file describing a training run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/tsawler/go-downscale/checkpoints"
	"github.com/tsawler/go-downscale/dataloader"
	"github.com/tsawler/go-downscale/device"
	"github.com/tsawler/go-downscale/errdefs"
	"github.com/tsawler/go-downscale/models"
	"github.com/tsawler/go-downscale/training"
)

// Config represents a training run.
type Config struct {
	Model       ModelConfig       `toml:"model"`
	Data        DataConfig        `toml:"data"`
	Train       TrainConfig       `toml:"train"`
	Adversarial AdversarialConfig `toml:"adversarial"`
	Output      OutputConfig      `toml:"output"`
	Runtime     RuntimeConfig     `toml:"runtime"`
}

// ModelConfig selects the generator architecture.
type ModelConfig struct {
	Architecture string   `toml:"architecture"`         // e.g. "resnet_spc"
	ModelList    []string `toml:"model_list,omitempty"` // allowed architectures, empty = all
	NFilters     int      `toml:"n_filters"`
	NResBlocks   int      `toml:"n_res_blocks"`
	NChannelsOut int      `toml:"n_channels_out"`
	Seed         int64    `toml:"seed"` // weight initialisation
}

// SplitFiles lists the .npy arrays of one dataset split.
type SplitFiles struct {
	HR         string   `toml:"hr"`
	Predictors []string `toml:"predictors,omitempty"`
	Topography string   `toml:"topography"`
	LandOcean  string   `toml:"land_ocean"`
}

// DataConfig describes the inputs and how samples are cut from them.
type DataConfig struct {
	Scale         int        `toml:"scale"`
	PatchSize     int        `toml:"patch_size"` // 0 = whole grid
	Interpolation string     `toml:"interpolation"`
	TimeWindow    int        `toml:"time_window"` // recurrent architectures only
	Train         SplitFiles `toml:"train"`
	Validation    SplitFiles `toml:"validation"`
	Test          SplitFiles `toml:"test"`
}

// TrainConfig holds the optimisation settings.
type TrainConfig struct {
	Mode            string    `toml:"mode"` // "supervised" or "adversarial"
	Loss            string    `toml:"loss"`
	BatchSize       int       `toml:"batch_size"`
	Epochs          int       `toml:"epochs"`
	StepsPerEpoch   int       `toml:"steps_per_epoch"`
	ValidationSteps int       `toml:"validation_steps"`
	TestSteps       int       `toml:"test_steps"`
	LearningRate    []float64 `toml:"learning_rate"` // one rate, or [initial, decayed]
	LRDecayAfter    uint64    `toml:"lr_decay_after"`
	Optimizer       string    `toml:"optimizer"` // "adam" or "sgd"
	EarlyStopping   bool      `toml:"early_stopping"`
	Patience        int       `toml:"patience"`
	MinDelta        float64   `toml:"min_delta"`
}

// AdversarialConfig holds the cGAN settings.
type AdversarialConfig struct {
	Lambda               float64 `toml:"lambda"`
	SamplesPerEpoch      int     `toml:"samples_per_epoch"`
	CheckpointsFrequency int     `toml:"checkpoints_frequency"`
	LogDir               string  `toml:"log_dir"`
	LossesPath           string  `toml:"losses_path"`
}

// OutputConfig says where artifacts go.
type OutputConfig struct {
	CheckpointDir    string `toml:"checkpoint_dir"`
	CheckpointFormat string `toml:"checkpoint_format"` // "json" or "savedmodel"
	Save             bool   `toml:"save"`
	SavePath         string `toml:"save_path"`
	SavePlot         bool   `toml:"save_plot"`
	PlotPath         string `toml:"plot_path"`
}

// RuntimeConfig places the workers.
type RuntimeConfig struct {
	Device       string `toml:"device"` // "CPU" or "GPU"
	MemoryGrowth bool   `toml:"memory_growth"`
	Workers      int    `toml:"workers"`
	Seed         int64  `toml:"seed"` // data sampling
	Verbose      int    `toml:"verbose"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	o := training.DefaultOptions()
	return &Config{
		Model: ModelConfig{
			Architecture: o.Architecture,
			NFilters:     o.ArchitectureParams.NFilters,
			NResBlocks:   o.ArchitectureParams.NResBlocks,
			NChannelsOut: o.ArchitectureParams.NChannelsOut,
			Seed:         o.ArchitectureParams.Seed,
		},
		Data: DataConfig{
			Scale:         o.Scale,
			PatchSize:     o.PatchSize,
			Interpolation: o.Interpolation,
		},
		Train: TrainConfig{
			Mode:         training.Supervised.String(),
			Loss:         o.Loss,
			BatchSize:    o.BatchSize,
			Epochs:       o.Epochs,
			LearningRate: o.LearningRate,
			LRDecayAfter: o.LRDecayAfter,
			Optimizer:    o.Optimizer,
			Patience:     o.Patience,
		},
		Adversarial: AdversarialConfig{
			Lambda:               o.Lambda,
			CheckpointsFrequency: o.CheckpointsFrequency,
			LogDir:               o.LogDir,
			LossesPath:           o.LossesPath,
		},
		Output: OutputConfig{
			CheckpointDir:    o.CheckpointDir,
			CheckpointFormat: "json",
			Save:             true,
			SavePath:         o.SavePath,
			SavePlot:         true,
			PlotPath:         o.PlotPath,
		},
		Runtime: RuntimeConfig{
			Device:       o.Device.String(),
			MemoryGrowth: o.MemoryGrowth,
			Workers:      1,
			Seed:         o.Seed,
			Verbose:      o.Verbose,
		},
	}
}

// Load reads path over the defaults. A missing file yields DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Mode returns the trainer kind named by Train.Mode.
func (c *Config) Mode() (training.Kind, error) {
	switch strings.ToLower(c.Train.Mode) {
	case "", "supervised":
		return training.Supervised, nil
	case "adversarial", "cgan":
		return training.Adversarial, nil
	}
	return 0, errdefs.Configuration("mode", c.Train.Mode, "expected supervised or adversarial")
}

func parseCheckpointFormat(s string) (checkpoints.CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return checkpoints.FormatJSON, nil
	case "savedmodel", "saved_model":
		return checkpoints.FormatSavedModel, nil
	}
	return 0, errdefs.Configuration("checkpoint_format", s, "expected json or savedmodel")
}

// Validate checks the values that can be judged without the data. The
// trainers validate the rest.
func (c *Config) Validate() error {
	if _, err := c.Mode(); err != nil {
		return err
	}
	if c.Runtime.Workers < 1 {
		return errdefs.Configuration("workers", c.Runtime.Workers, "must be at least 1")
	}
	if n := len(c.Train.LearningRate); n < 1 || n > 2 {
		return errdefs.Configuration("learning_rate", c.Train.LearningRate, "expected one rate or an (initial, decayed) pair")
	}
	if _, err := device.ParseKind(c.Runtime.Device); err != nil {
		return err
	}
	if _, err := parseCheckpointFormat(c.Output.CheckpointFormat); err != nil {
		return err
	}
	if _, err := c.modelList(); err != nil {
		return err
	}
	if _, err := models.ParseArchitecture(c.Model.Architecture); err != nil {
		return err
	}
	if _, err := dataloader.ParseInterpolation(c.Data.Interpolation); err != nil {
		return err
	}
	if c.Data.Train.HR == "" {
		return errdefs.Configuration("data.train.hr", c.Data.Train.HR, "training data is required")
	}
	return nil
}

func (c *Config) modelList() ([]models.Architecture, error) {
	var list []models.Architecture
	for _, name := range c.Model.ModelList {
		a, err := models.ParseArchitecture(name)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, nil
}

// Options converts the configuration into trainer options.
func (c *Config) Options() (training.Options, error) {
	if err := c.Validate(); err != nil {
		return training.Options{}, err
	}
	kind, _ := device.ParseKind(c.Runtime.Device)
	format, _ := parseCheckpointFormat(c.Output.CheckpointFormat)
	list, _ := c.modelList()
	return training.Options{
		Architecture: c.Model.Architecture,
		ModelList:    list,
		ArchitectureParams: models.Params{
			NFilters:     c.Model.NFilters,
			NResBlocks:   c.Model.NResBlocks,
			NChannelsOut: c.Model.NChannelsOut,
			Seed:         c.Model.Seed,
		},
		Loss:                 c.Train.Loss,
		Scale:                c.Data.Scale,
		PatchSize:            c.Data.PatchSize,
		Interpolation:        c.Data.Interpolation,
		TimeWindow:           c.Data.TimeWindow,
		BatchSize:            c.Train.BatchSize,
		Epochs:               c.Train.Epochs,
		StepsPerEpoch:        c.Train.StepsPerEpoch,
		ValidationSteps:      c.Train.ValidationSteps,
		TestSteps:            c.Train.TestSteps,
		LearningRate:         append([]float64(nil), c.Train.LearningRate...),
		LRDecayAfter:         c.Train.LRDecayAfter,
		Optimizer:            c.Train.Optimizer,
		EarlyStopping:        c.Train.EarlyStopping,
		Patience:             c.Train.Patience,
		MinDelta:             c.Train.MinDelta,
		CheckpointDir:        c.Output.CheckpointDir,
		CheckpointFormat:     format,
		Save:                 c.Output.Save,
		SavePath:             c.Output.SavePath,
		SavePlot:             c.Output.SavePlot,
		PlotPath:             c.Output.PlotPath,
		Lambda:               c.Adversarial.Lambda,
		SamplesPerEpoch:      c.Adversarial.SamplesPerEpoch,
		CheckpointsFrequency: c.Adversarial.CheckpointsFrequency,
		LogDir:               c.Adversarial.LogDir,
		LossesPath:           c.Adversarial.LossesPath,
		Device:               kind,
		MemoryGrowth:         c.Runtime.MemoryGrowth,
		Seed:                 c.Runtime.Seed,
		Verbose:              c.Runtime.Verbose,
	}, nil
}

// LoadData reads the configured splits. Validation and test are skipped in
// adversarial mode.
func (c *Config) LoadData() (training.Data, error) {
	var d training.Data
	load := func(name string, f SplitFiles) (dataloader.Split, error) {
		if f.HR == "" {
			return dataloader.Split{}, errdefs.Configuration("data."+name+".hr", f.HR, "no reference array given")
		}
		return dataloader.LoadSplit(name, f.HR, f.Predictors, f.Topography, f.LandOcean)
	}
	var err error
	if d.Train, err = load("train", c.Data.Train); err != nil {
		return d, err
	}
	if mode, _ := c.Mode(); mode == training.Adversarial {
		return d, nil
	}
	if d.Val, err = load("validation", c.Data.Validation); err != nil {
		return d, err
	}
	if d.Test, err = load("test", c.Data.Test); err != nil {
		return d, err
	}
	return d, nil
}
