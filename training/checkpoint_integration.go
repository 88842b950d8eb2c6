package training

import (
	"fmt"
	"math"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-downscale/checkpoints"
	"github.com/tsawler/go-downscale/distributed"
	"github.com/tsawler/go-downscale/layers"
	"github.com/tsawler/go-downscale/optimizer"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory string
	// FilenamePattern is formatted with the epoch (best-only checkpoints)
	// or the snapshot counter (periodic snapshots).
	FilenamePattern string
	Format          checkpoints.CheckpointFormat
}

// SupervisedCheckpointConfig names best-only checkpoints by epoch.
func SupervisedCheckpointConfig(dir string) CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   dir,
		FilenamePattern: "checkpoint_epoch-%02d.json",
		Format:          checkpoints.FormatJSON,
	}
}

// AdversarialCheckpointConfig numbers snapshots in the order they are taken.
func AdversarialCheckpointConfig(dir string) CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   dir,
		FilenamePattern: "ckpt-%d.json",
		Format:          checkpoints.FormatJSON,
	}
}

// CheckpointManager writes checkpoints from the first worker of a group.
// Other members keep the same bookkeeping but never touch the filesystem
// and never wait for the writer.
type CheckpointManager struct {
	config   CheckpointConfig
	group    distributed.Group
	saver    *checkpoints.CheckpointSaver
	bestLoss float64
	counter  int
	saved    []string
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig, g distributed.Group) *CheckpointManager {
	if config.SaveDirectory == "" {
		config.SaveDirectory = "./checkpoints"
	}
	return &CheckpointManager{
		config:   config,
		group:    g,
		saver:    checkpoints.NewCheckpointSaver(config.Format),
		bestLoss: math.Inf(1),
	}
}

// SnapshotFunc builds the checkpoint to write. It is only invoked on the
// first worker.
type SnapshotFunc func() (*checkpoints.Checkpoint, error)

// SaveBest writes a checkpoint for epoch when loss improves on every loss
// seen so far. It reports whether loss was a new best.
func (cm *CheckpointManager) SaveBest(epoch int, loss float64, snapshot SnapshotFunc) (bool, error) {
	if !(loss < cm.bestLoss) {
		return false, nil
	}
	cm.bestLoss = loss
	if _, err := cm.write(fmt.Sprintf(cm.config.FilenamePattern, epoch), snapshot); err != nil {
		return true, err
	}
	return true, nil
}

// SaveNext writes the next numbered snapshot and returns its path, or ""
// on members other than the first worker.
func (cm *CheckpointManager) SaveNext(snapshot SnapshotFunc) (string, error) {
	cm.counter++
	return cm.write(fmt.Sprintf(cm.config.FilenamePattern, cm.counter), snapshot)
}

func (cm *CheckpointManager) write(filename string, snapshot SnapshotFunc) (string, error) {
	if !cm.group.IsFirst() {
		return "", nil
	}
	ckpt, err := snapshot()
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint: %w", err)
	}
	path := filepath.Join(cm.config.SaveDirectory, filename)
	if err := cm.saver.SaveCheckpoint(ckpt, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	cm.saved = append(cm.saved, path)
	klog.V(1).InfoS("Saved checkpoint", "path", path, "epoch", ckpt.TrainingState.Epoch)
	return path, nil
}

// BestLoss returns the lowest loss passed to SaveBest.
func (cm *CheckpointManager) BestLoss() float64 { return cm.bestLoss }

// Saved returns the paths written so far, oldest first.
func (cm *CheckpointManager) Saved() []string { return append([]string(nil), cm.saved...) }

// LoadCheckpoint reads a checkpoint written by this manager's format.
func (cm *CheckpointManager) LoadCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	return cm.saver.LoadCheckpoint(path)
}

// networkState captures one network with its optimizer.
func networkState(role string, spec *layers.ModelSpec, params []*layers.Param, opt optimizer.Optimizer) (checkpoints.Network, error) {
	net := checkpoints.Network{
		Role:      role,
		ModelSpec: spec,
		Weights:   checkpoints.ExtractWeights(params),
	}
	if opt != nil {
		state, err := opt.GetState()
		if err != nil {
			return checkpoints.Network{}, fmt.Errorf("%s optimizer state: %w", role, err)
		}
		net.OptimizerState = state
	}
	return net, nil
}

// RestoreNetwork loads weights and optimizer state for role from ckpt.
func RestoreNetwork(ckpt *checkpoints.Checkpoint, role string, params []*layers.Param, opt optimizer.Optimizer) error {
	net, err := ckpt.Network(role)
	if err != nil {
		return err
	}
	if err := checkpoints.LoadWeights(net.Weights, params); err != nil {
		return fmt.Errorf("%s weights: %w", role, err)
	}
	if opt != nil && net.OptimizerState != nil {
		if err := opt.LoadState(net.OptimizerState); err != nil {
			return fmt.Errorf("%s optimizer state: %w", role, err)
		}
	}
	return nil
}
