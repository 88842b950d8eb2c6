package training

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-downscale/checkpoints"
	"github.com/tsawler/go-downscale/dataloader"
	"github.com/tsawler/go-downscale/device"
	"github.com/tsawler/go-downscale/distributed"
	"github.com/tsawler/go-downscale/errdefs"
	"github.com/tsawler/go-downscale/models"
	"github.com/tsawler/go-downscale/optimizer"
	"github.com/tsawler/go-downscale/tensor"
)

func field(seed int64, shape ...int) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.Float64()
	}
	return t
}

func split(name string, seed int64, n, h, w int) dataloader.Split {
	return dataloader.Split{Name: name, HR: field(seed, n, h, w, 1)}
}

type fakeGPUs []string

func (f fakeGPUs) GPUs() ([]string, error) { return f, nil }

func testData(n int) Data {
	return Data{
		Train: split("train", 1, n, 20, 20),
		Val:   split("validation", 2, 20, 20, 20),
		Test:  split("test", 3, 10, 20, 20),
	}
}

func single(t *testing.T) distributed.Group {
	t.Helper()
	g, err := distributed.NewLocalGroup(1)
	require.NoError(t, err)
	return g[0]
}

// quickOptions keeps the networks and batches small enough for unit tests.
func quickOptions(t *testing.T) Options {
	opts := DefaultOptions()
	opts.Architecture = "resnet_spc"
	opts.ArchitectureParams = models.Params{NFilters: 4, NResBlocks: 1, NChannelsOut: 1, Seed: 7}
	opts.Scale = 4
	opts.PatchSize = 16
	opts.BatchSize = 8
	opts.Epochs = 2
	opts.CheckpointDir = filepath.Join(t.TempDir(), "checkpoints")
	opts.SavePath = filepath.Join(t.TempDir(), "saved_model")
	opts.PlotPath = filepath.Join(t.TempDir(), "learning_curve.html")
	opts.Verbose = 0
	opts.Out = io.Discard
	return opts
}

func TestPatchSizeMustBeDivisibleByScale(t *testing.T) {
	for _, tc := range []struct{ patch, scale int }{{10, 4}, {15, 2}, {7, 3}} {
		opts := quickOptions(t)
		opts.PatchSize, opts.Scale = tc.patch, tc.scale
		tr, err := NewSupervisedTrainer(testData(10), opts, single(t))
		require.NoError(t, err)
		err = tr.SetupData()
		require.Error(t, err)
		assert.True(t, errors.Is(err, errdefs.ErrConfiguration), "patch %d scale %d: %v", tc.patch, tc.scale, err)
		assert.Contains(t, err.Error(), "patch_size")
	}
}

func TestTimeWindowMatchesArchitecture(t *testing.T) {
	for _, arch := range models.All() {
		opts := quickOptions(t)
		opts.Architecture = arch.String()
		if arch.Recurrent() {
			opts.TimeWindow = 0
		} else {
			opts.TimeWindow = 3
		}
		tr, err := NewSupervisedTrainer(testData(10), opts, single(t))
		require.NoError(t, err)
		err = tr.SetupData()
		assert.True(t, errors.Is(err, errdefs.ErrConfiguration), "%s: %v", arch, err)
		assert.Contains(t, err.Error(), "time_window")
	}
}

func TestGlobalBatchSizeAndLearningRateScaling(t *testing.T) {
	const workers = 4
	global := make([]int, workers)
	rates := make([]float64, workers)
	err := distributed.Launch(context.Background(), workers, func(ctx context.Context, g distributed.Group) error {
		opts := quickOptions(t)
		opts.BatchSize = 64
		opts.LearningRate = []float64{1e-4}
		tr, err := NewSupervisedTrainer(testData(100), opts, g)
		if err != nil {
			return err
		}
		if err := tr.SetupData(); err != nil {
			return err
		}
		if err := tr.SetupModel(); err != nil {
			return err
		}
		if err := tr.Compile(); err != nil {
			return err
		}
		global[g.Rank()] = tr.Session().GlobalBatchSize
		rates[g.Rank()] = tr.Optimizer().LearningRate()
		return nil
	})
	require.NoError(t, err)
	for r := 0; r < workers; r++ {
		assert.Equal(t, 256, global[r])
		assert.InDelta(t, 4e-4, rates[r], 1e-15)
	}
}

func TestEachReplicaDrawsItsOwnBatch(t *testing.T) {
	const workers = 4
	type view struct{ replica, global, batch, shard, steps int }
	views := make([]view, workers)
	err := distributed.Launch(context.Background(), workers, func(ctx context.Context, g distributed.Group) error {
		opts := quickOptions(t)
		opts.BatchSize = 8
		tr, err := NewSupervisedTrainer(testData(100), opts, g)
		if err != nil {
			return err
		}
		if err := tr.SetupData(); err != nil {
			return err
		}
		s := tr.Session()
		b, err := s.Train.Batch(0, 0)
		if err != nil {
			return err
		}
		views[g.Rank()] = view{s.ReplicaBatchSize, s.GlobalBatchSize, b.Len(), s.Train.Len(), s.Train.Steps()}
		return nil
	})
	require.NoError(t, err)
	for r, v := range views {
		assert.Equal(t, view{replica: 8, global: 32, batch: 8, shard: 25, steps: 3}, v, "rank %d", r)
	}
}

func TestGPUWithInProcessWorkersIsDeviceError(t *testing.T) {
	var (
		mu     sync.Mutex
		writes []string
	)
	mgr := &device.Manager{
		Enumerator: fakeGPUs{"A100", "V100"},
		Setenv: func(k, v string) error {
			mu.Lock()
			defer mu.Unlock()
			writes = append(writes, k+"="+v)
			return nil
		},
	}
	errs := make([]error, 2)
	_ = distributed.Launch(context.Background(), 2, func(ctx context.Context, g distributed.Group) error {
		opts := quickOptions(t)
		opts.Device = device.GPU
		opts.DeviceManager = mgr
		_, errs[g.Rank()] = NewSupervisedTrainer(testData(10), opts, g)
		return nil
	})
	for rank, err := range errs {
		require.Error(t, err, "rank %d", rank)
		assert.True(t, errors.Is(err, errdefs.ErrDevice))
		assert.Contains(t, err.Error(), "workers")
	}
	assert.Empty(t, writes)
}

func TestSessionUsesProcessDeviceManager(t *testing.T) {
	tr, err := NewSupervisedTrainer(testData(10), quickOptions(t), single(t))
	require.NoError(t, err)
	devices, err := device.Default().Configure(device.CPU, false, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, devices, tr.Session().Devices)
}

func TestLearningRatePairIsNotScaled(t *testing.T) {
	s, err := resolveSchedule([]float64{1e-3, 1e-4}, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, 1e-3, s.At(0))
	assert.Equal(t, 1e-3, s.At(10))
	assert.Equal(t, 1e-4, s.At(11))

	for _, bad := range [][]float64{{1, 2, 3}, {-1}, {0, 1e-4}} {
		_, err := resolveSchedule(bad, 10, 1)
		assert.True(t, errors.Is(err, errdefs.ErrConfiguration), "%v", bad)
	}
}

func TestUnknownNamesAreConfigurationErrors(t *testing.T) {
	opts := quickOptions(t)
	opts.Loss = "huber"
	_, err := NewSupervisedTrainer(testData(10), opts, single(t))
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
	assert.Contains(t, err.Error(), "huber")

	opts = quickOptions(t)
	opts.Architecture = "unet"
	_, err = NewSupervisedTrainer(testData(10), opts, single(t))
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
	assert.Contains(t, err.Error(), "unet")

	opts = quickOptions(t)
	opts.ModelList = []models.Architecture{models.ResNetRC}
	_, err = NewSupervisedTrainer(testData(10), opts, single(t))
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))

	opts = quickOptions(t)
	opts.Interpolation = "lanczos"
	_, err = NewSupervisedTrainer(testData(10), opts, single(t))
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))

	opts = quickOptions(t)
	opts.Optimizer = "lbfgs"
	_, err = NewSupervisedTrainer(testData(10), opts, single(t))
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
	assert.Contains(t, err.Error(), "optimizer")
}

func TestSGDOptimizerOption(t *testing.T) {
	opts := quickOptions(t)
	opts.Optimizer = "sgd"
	opts.Epochs = 1
	opts.CheckpointDir = ""
	tr, err := NewSupervisedTrainer(testData(16), opts, single(t))
	require.NoError(t, err)
	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	_, isSGD := tr.Optimizer().Inner().(*optimizer.SGDOptimizerState)
	assert.True(t, isSGD)
	assert.Len(t, res.History["loss"], 1)
	assert.Greater(t, res.Metrics.Count, 0)
}

func TestEmptySplitIsDataError(t *testing.T) {
	data := testData(10)
	data.Val = dataloader.Split{}
	tr, err := NewSupervisedTrainer(data, quickOptions(t), single(t))
	require.NoError(t, err)
	err = tr.SetupData()
	assert.True(t, errors.Is(err, errdefs.ErrData))
	assert.Contains(t, err.Error(), "validation")
}

func TestLifecycleOrder(t *testing.T) {
	tr, err := NewSupervisedTrainer(testData(10), quickOptions(t), single(t))
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, errors.Is(tr.SetupModel(), errdefs.ErrState))
	assert.True(t, errors.Is(tr.Compile(), errdefs.ErrState))
	_, err = tr.Fit(ctx)
	assert.True(t, errors.Is(err, errdefs.ErrState))
	_, err = tr.Evaluate(ctx)
	assert.True(t, errors.Is(err, errdefs.ErrState))
	_, err = tr.Save()
	assert.True(t, errors.Is(err, errdefs.ErrState))

	require.NoError(t, tr.SetupData())
	assert.Equal(t, DataReady, tr.State())
	err = tr.SetupData()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data_ready")
}

func TestEvaluateIsIdempotent(t *testing.T) {
	opts := quickOptions(t)
	opts.Epochs = 1
	tr, err := NewSupervisedTrainer(testData(16), opts, single(t))
	require.NoError(t, err)
	require.NoError(t, tr.SetupData())
	require.NoError(t, tr.SetupModel())
	require.NoError(t, tr.Compile())
	ctx := context.Background()
	_, err = tr.Fit(ctx)
	require.NoError(t, err)

	first, err := tr.Evaluate(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := tr.Evaluate(ctx)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, Evaluated, tr.State())
}

func TestSupervisedEndToEnd(t *testing.T) {
	opts := quickOptions(t)
	opts.Save = true
	opts.SavePlot = true
	tr, err := NewSupervisedTrainer(Data{
		Train: split("train", 1, 100, 20, 20),
		Val:   split("validation", 2, 20, 20, 20),
		Test:  split("test", 3, 10, 20, 20),
	}, opts, single(t))
	require.NoError(t, err)

	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Done, tr.State())
	assert.Equal(t, Supervised, res.Kind)
	assert.Equal(t, 2, res.Epochs)
	assert.False(t, math.IsNaN(res.Score) || math.IsInf(res.Score, 0))
	assert.Len(t, res.History["loss"], 2)
	assert.Len(t, res.History["val_loss"], 2)

	assert.Equal(t, opts.SavePath, res.SavedModel)
	assert.FileExists(t, filepath.Join(opts.SavePath, checkpoints.SavedModelFile))
	assert.FileExists(t, filepath.Join(opts.SavePath, checkpoints.ModelSpecFile))
	net, _, err := checkpoints.ReadSavedModel(opts.SavePath)
	require.NoError(t, err)
	assert.Len(t, net.Weights, len(tr.Model().Params()))

	assert.FileExists(t, opts.PlotPath)
	require.NotEmpty(t, res.Checkpoints)
	assert.Equal(t, "checkpoint_epoch-01.json", filepath.Base(res.Checkpoints[0]))
	for _, p := range res.Checkpoints {
		assert.FileExists(t, p)
	}
}

func TestBestOnlyCheckpointsFollowValidationLoss(t *testing.T) {
	dir := t.TempDir()
	cm := NewCheckpointManager(SupervisedCheckpointConfig(dir), single(t))
	snap := func(epoch int) SnapshotFunc {
		return func() (*checkpoints.Checkpoint, error) {
			return &checkpoints.Checkpoint{TrainingState: checkpoints.TrainingState{Epoch: epoch}}, nil
		}
	}
	for epoch, loss := range []float64{3, 2, 2.5, 1, 1} {
		_, err := cm.SaveBest(epoch+1, loss, snap(epoch+1))
		require.NoError(t, err)
	}
	var names []string
	for _, p := range cm.Saved() {
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, []string{"checkpoint_epoch-01.json", "checkpoint_epoch-02.json", "checkpoint_epoch-04.json"}, names)
	assert.Equal(t, 1.0, cm.BestLoss())

	ckpt, err := cm.LoadCheckpoint(cm.Saved()[2])
	require.NoError(t, err)
	assert.Equal(t, 4, ckpt.TrainingState.Epoch)
}

func TestOnlyFirstWorkerWritesCheckpoints(t *testing.T) {
	members, err := distributed.NewLocalGroup(2)
	require.NoError(t, err)
	dir := t.TempDir()
	cm := NewCheckpointManager(AdversarialCheckpointConfig(dir), members[1])
	called := false
	path, err := cm.SaveNext(func() (*checkpoints.Checkpoint, error) {
		called = true
		return &checkpoints.Checkpoint{}, nil
	})
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.False(t, called)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReplicasStayInSync(t *testing.T) {
	const workers = 2
	params := make([][]float64, workers)
	err := distributed.Launch(context.Background(), workers, func(ctx context.Context, g distributed.Group) error {
		opts := quickOptions(t)
		opts.Epochs = 1
		opts.BatchSize = 2
		opts.CheckpointDir = ""
		opts.ArchitectureParams.Seed = int64(100 + g.Rank())
		tr, err := NewSupervisedTrainer(testData(16), opts, g)
		if err != nil {
			return err
		}
		if err := tr.SetupData(); err != nil {
			return err
		}
		if err := tr.SetupModel(); err != nil {
			return err
		}
		if err := tr.Compile(); err != nil {
			return err
		}
		if _, err := tr.Fit(ctx); err != nil {
			return err
		}
		var flat []float64
		for _, p := range tr.Model().Params() {
			flat = append(flat, p.Value...)
		}
		params[g.Rank()] = flat
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, params[0], params[1])
}

func TestEarlyStopping(t *testing.T) {
	es := NewEarlyStopping(2, 0)
	stops := []bool{}
	for epoch, loss := range []float64{1, 0.9, 0.95, 0.96, 0.5} {
		stops = append(stops, es.Update(epoch, loss))
	}
	assert.Equal(t, []bool{false, false, false, true, false}, stops)
	assert.Equal(t, 3, es.StoppedEpoch())

	es = NewEarlyStopping(1, 0.1)
	assert.False(t, es.Update(0, 1))
	assert.True(t, es.Update(1, 0.95))
}
