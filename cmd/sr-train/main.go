// Command sr-train trains a super-resolution network on .npy climate fields,
// either supervised or as a conditional GAN.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-downscale/config"
	"github.com/tsawler/go-downscale/device"
	"github.com/tsawler/go-downscale/distributed"
	"github.com/tsawler/go-downscale/training"
)

var (
	flagConfig      = flag.String("config", "sr-train.toml", "TOML run configuration. Missing files fall back to the defaults.")
	flagWriteConfig = flag.String("write-config", "", "Write the effective configuration to this path and exit.")
	flagMode        = flag.String("mode", "", "Trainer: supervised or adversarial. Overrides the configuration.")
	flagArch        = flag.String("model", "", "Generator architecture, e.g. resnet_spc. Overrides the configuration.")
	flagEpochs      = flag.Int("epochs", 0, "Number of epochs. Overrides the configuration when positive.")
	flagWorkers     = flag.Int("workers", 0, "Number of data-parallel workers. Overrides the configuration when positive.")
	flagVerbosity   = flag.Int("verbosity", -1, "Progress output: 0 silent, 1 progress bar, 2 one line per epoch.")
	flagTrain       = flag.String("train", "", "Training reference array (.npy). Overrides the configuration.")
	flagVal         = flag.String("val", "", "Validation reference array (.npy). Overrides the configuration.")
	flagTest        = flag.String("test", "", "Test reference array (.npy). Overrides the configuration.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg := check1(config.Load(*flagConfig))
	applyFlags(cfg)

	if *flagWriteConfig != "" {
		check(cfg.Save(*flagWriteConfig))
		klog.InfoS("Wrote configuration", "path", *flagWriteConfig)
		return
	}

	opts := check1(cfg.Options())
	mode := check1(cfg.Mode())
	data := check1(cfg.LoadData())

	// Device visibility is process-wide, so it is settled once here. Each
	// worker's session gets the same devices back from device.Default.
	devices := check1(device.Default().Configure(opts.Device, opts.MemoryGrowth, 0, cfg.Runtime.Workers))
	for _, d := range devices {
		klog.V(1).InfoS("Using device", "device", d.String(), "cores", d.Cores)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	klog.InfoS("Starting training", "mode", mode, "model", opts.Architecture, "workers", cfg.Runtime.Workers)
	err := distributed.Launch(ctx, cfg.Runtime.Workers, func(ctx context.Context, g distributed.Group) error {
		tr, err := newTrainer(mode, data, opts, g)
		if err != nil {
			return err
		}
		res, err := tr.Run(ctx)
		if err != nil {
			return err
		}
		if g.IsFirst() {
			klog.InfoS("Training finished", "mode", res.Kind, "epochs", res.Epochs, "score", res.Score,
				"checkpoints", len(res.Checkpoints), "runtime", res.Runtime)
		}
		return nil
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func newTrainer(mode training.Kind, data training.Data, opts training.Options, g distributed.Group) (training.Trainer, error) {
	switch mode {
	case training.Supervised:
		return training.NewSupervisedTrainer(data, opts, g)
	case training.Adversarial:
		return training.NewAdversarialTrainer(data.Train, opts, g)
	}
	return nil, fmt.Errorf("unknown trainer %v", mode)
}

func applyFlags(cfg *config.Config) {
	if *flagMode != "" {
		cfg.Train.Mode = *flagMode
	}
	if *flagArch != "" {
		cfg.Model.Architecture = *flagArch
	}
	if *flagEpochs > 0 {
		cfg.Train.Epochs = *flagEpochs
	}
	if *flagWorkers > 0 {
		cfg.Runtime.Workers = *flagWorkers
	}
	if *flagVerbosity >= 0 {
		cfg.Runtime.Verbose = *flagVerbosity
	}
	if *flagTrain != "" {
		cfg.Data.Train.HR = *flagTrain
	}
	if *flagVal != "" {
		cfg.Data.Validation.HR = *flagVal
	}
	if *flagTest != "" {
		cfg.Data.Test.HR = *flagTest
	}
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
