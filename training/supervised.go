package training

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-downscale/checkpoints"
	"github.com/tsawler/go-downscale/dataloader"
	"github.com/tsawler/go-downscale/distributed"
	"github.com/tsawler/go-downscale/layers"
	"github.com/tsawler/go-downscale/models"
)

// Data bundles the three disjoint splits of a supervised run.
type Data struct {
	Train, Val, Test dataloader.Split
}

// SupervisedTrainer fits a single network to reconstruct HR fields with a
// pixel loss. Its methods follow the lifecycle
// SetupData, SetupModel, Compile, Fit, Evaluate, then optionally Save.
type SupervisedTrainer struct {
	lifecycle
	session *Session
	data    Data

	model       models.Model
	opt         *distributed.DistributedOptimizer
	checkpoints *CheckpointManager
	stopper     *EarlyStopping

	score      float64
	metrics    RegressionMetrics
	savedModel string
	started    time.Time
}

// NewSupervisedTrainer validates opts for member g of the process group.
func NewSupervisedTrainer(data Data, opts Options, g distributed.Group) (*SupervisedTrainer, error) {
	s, err := NewSession(opts, g, nil)
	if err != nil {
		return nil, err
	}
	names := []*string{&data.Train.Name, &data.Val.Name, &data.Test.Name}
	for i, n := range []string{"train", "validation", "test"} {
		if *names[i] == "" {
			*names[i] = n
		}
	}
	return &SupervisedTrainer{session: s, data: data, started: time.Now()}, nil
}

func (t *SupervisedTrainer) Kind() Kind { return Supervised }

// State returns the current lifecycle state.
func (t *SupervisedTrainer) State() State { return t.state }

// Session returns the resolved run state.
func (t *SupervisedTrainer) Session() *Session { return t.session }

// Model returns the network, nil before SetupModel.
func (t *SupervisedTrainer) Model() models.Model { return t.model }

// Optimizer returns the distributed optimizer, nil before Compile.
func (t *SupervisedTrainer) Optimizer() *distributed.DistributedOptimizer { return t.opt }

// Metrics returns the test-split metrics of the last Evaluate.
func (t *SupervisedTrainer) Metrics() RegressionMetrics { return t.metrics }

// SetupData checks the patch and time-window settings and builds the three
// data generators. Each member draws ReplicaBatchSize samples per step from
// its own shard.
func (t *SupervisedTrainer) SetupData() error {
	if err := t.expect("set up data", Constructed); err != nil {
		return err
	}
	s := t.session
	if err := s.checkShapeOptions(); err != nil {
		return err
	}
	trainOpts, err := s.generatorOptions(s.ReplicaBatchSize, true)
	if err != nil {
		return err
	}
	evalOpts := trainOpts
	evalOpts.Shuffle = false

	if s.Train, err = dataloader.NewGenerator(t.data.Train, trainOpts); err != nil {
		return err
	}
	if s.Val, err = dataloader.NewGenerator(t.data.Val, evalOpts); err != nil {
		return err
	}
	if s.Test, err = dataloader.NewGenerator(t.data.Test, evalOpts); err != nil {
		return err
	}
	t.state = DataReady
	return nil
}

// SetupModel builds the network for the training split's channel layout.
func (t *SupervisedTrainer) SetupModel() error {
	if err := t.expect("set up model", DataReady); err != nil {
		return err
	}
	s := t.session
	ch := s.channelSpec(t.data.Train)
	model, err := models.Build(s.Architecture, s.Options.Scale, ch, s.Options.ArchitectureParams)
	if err != nil {
		return err
	}
	t.model = model
	if s.FirstWorker() && s.Options.Verbose == 1 {
		fmt.Fprint(s.Options.Out, model.Spec().Summary())
	}
	t.state = ModelReady
	return nil
}

// Compile creates the optimizer, checkpointing and early stopping.
func (t *SupervisedTrainer) Compile() error {
	if err := t.expect("compile", ModelReady); err != nil {
		return err
	}
	s := t.session
	opt, err := newOptimizer(s.Options.Optimizer, s.Schedule, t.model.Params())
	if err != nil {
		return err
	}
	t.opt = distributed.NewDistributedOptimizer(opt, s.Group)
	if dir := s.Options.CheckpointDir; dir != "" {
		cfg := SupervisedCheckpointConfig(dir)
		cfg.Format = s.Options.CheckpointFormat
		if cfg.Format == checkpoints.FormatSavedModel {
			cfg.FilenamePattern = "checkpoint_epoch-%02d"
		}
		t.checkpoints = NewCheckpointManager(cfg, s.Group)
	}
	if s.Options.EarlyStopping {
		t.stopper = NewEarlyStopping(s.Options.Patience, s.Options.MinDelta)
	}
	t.state = Compiled
	return nil
}

// Fit broadcasts rank 0's initial weights, then trains for the configured
// epochs, validating after each one.
func (t *SupervisedTrainer) Fit(ctx context.Context) (map[string][]float64, error) {
	if err := t.expect("fit", Compiled); err != nil {
		return nil, err
	}
	t.state = Fitting
	s := t.session
	if err := s.broadcast(ctx, t.model.Params()); err != nil {
		return nil, err
	}

	steps := s.stepsFor(s.Train, s.Options.StepsPerEpoch)
	valSteps := s.stepsFor(s.Val, s.Options.ValidationSteps)
	epochs := s.Options.Epochs
	for epoch := 0; epoch < epochs; epoch++ {
		bar := newEpochBar(s, fmt.Sprintf("Epoch %d/%d", epoch+1, epochs), steps)
		sum, err := t.trainEpoch(ctx, epoch, steps, bar)
		if err != nil {
			return nil, err
		}

		loss, err := distributed.AllReduceScalar(ctx, s.Group, sum/float64(steps))
		if err != nil {
			return nil, err
		}
		valLoss, err := t.meanLoss(ctx, s.Val, valSteps, nil)
		if err != nil {
			return nil, err
		}
		if err := checkFinite("val_loss", epoch, steps, valLoss); err != nil {
			return nil, err
		}
		s.record("loss", loss)
		s.record("val_loss", valLoss)
		bar.Finish(map[string]float64{"loss": loss, "val_loss": valLoss})
		if s.FirstWorker() {
			klog.V(1).InfoS("Epoch finished", "epoch", epoch+1, "loss", loss, "val_loss", valLoss,
				"lr", t.opt.LearningRate())
		}

		if t.checkpoints != nil {
			improved, err := t.checkpoints.SaveBest(epoch+1, valLoss, func() (*checkpoints.Checkpoint, error) {
				return t.snapshot(epoch+1, valLoss)
			})
			if err != nil {
				return nil, err
			}
			if improved {
				s.printf("Epoch %d: val_loss improved to %.5f, checkpoint saved\n", epoch+1, valLoss)
			}
		}
		if t.stopper != nil && t.stopper.Update(epoch, valLoss) {
			s.printf("Epoch %d: early stopping\n", epoch+1)
			break
		}
	}
	return s.History, nil
}

// trainEpoch applies one update per training batch of epoch and returns the
// summed loss. Batches are assembled ahead of the updates.
func (t *SupervisedTrainer) trainEpoch(ctx context.Context, epoch, steps int, bar *ProgressBar) (float64, error) {
	pf := dataloader.Prefetch(ctx, t.session.Train, epoch, steps, dataloader.PrefetchConfig{})
	defer pf.Close()
	sum := 0.0
	for i := 0; i < steps; i++ {
		batch, err := pf.Next(ctx)
		if err != nil {
			return 0, err
		}
		loss, grads, err := t.gradients(batch)
		if err != nil {
			return 0, err
		}
		if err := checkFinite("loss", epoch, i, loss); err != nil {
			return 0, err
		}
		if err := t.opt.ApplyGradients(ctx, grads); err != nil {
			return 0, err
		}
		sum += loss
		bar.Update(i+1, map[string]float64{"loss": sum / float64(i+1)})
	}
	return sum, nil
}

// gradients runs one recorded forward/backward pass over batch.
func (t *SupervisedTrainer) gradients(batch dataloader.Batch) (float64, layers.Gradients, error) {
	tape := layers.NewTape()
	pred, err := t.model.Forward(tape, batch.LR, batch.Static)
	if err != nil {
		return 0, nil, err
	}
	loss, dPred, err := t.session.Loss(batch.HR, pred)
	if err != nil {
		return 0, nil, err
	}
	grads, _, err := tape.Gradient(dPred)
	if err != nil {
		return 0, nil, err
	}
	return loss, grads.Restrict(t.model.Params()), nil
}

// meanLoss averages the loss over the first steps batches of epoch 0, so
// repeated calls see the same patches, then averages over the group. acc,
// when non-nil, also collects the predictions.
func (t *SupervisedTrainer) meanLoss(ctx context.Context, gen *dataloader.Generator, steps int, acc *regressionAccumulator) (float64, error) {
	sum := 0.0
	for i := 0; i < steps; i++ {
		batch, err := gen.Batch(0, i)
		if err != nil {
			return 0, err
		}
		pred, err := t.model.Forward(nil, batch.LR, batch.Static)
		if err != nil {
			return 0, err
		}
		loss, _, err := t.session.Loss(batch.HR, pred)
		if err != nil {
			return 0, err
		}
		if acc != nil {
			if err := acc.Add(pred, batch.HR); err != nil {
				return 0, err
			}
		}
		sum += loss
	}
	return distributed.AllReduceScalar(ctx, t.session.Group, sum/float64(steps))
}

// Evaluate returns the group-averaged loss on the test split. It may be
// called repeatedly and always returns the same score for fixed weights.
func (t *SupervisedTrainer) Evaluate(ctx context.Context) (float64, error) {
	if err := t.expect("evaluate", Fitting, Evaluated); err != nil {
		return 0, err
	}
	s := t.session
	acc := newRegressionAccumulator()
	score, err := t.meanLoss(ctx, s.Test, s.stepsFor(s.Test, s.Options.TestSteps), acc)
	if err != nil {
		return 0, err
	}
	if t.metrics, err = acc.Reduce(ctx, s.Group); err != nil {
		return 0, err
	}
	t.score = score
	t.state = Evaluated
	return score, nil
}

// Save writes the trained model to SavePath from the first worker.
func (t *SupervisedTrainer) Save() (string, error) {
	if err := t.expect("save", Evaluated); err != nil {
		return "", err
	}
	s := t.session
	path := s.Options.SavePath
	if s.FirstWorker() {
		net, err := networkState("model", t.model.Spec(), t.model.Params(), nil)
		if err != nil {
			return "", err
		}
		meta := checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("%s trained for %d epochs, test score %.6f", t.model.Name(), len(s.History["loss"]), t.score),
			Tags:        []string{t.model.Name(), s.Options.Loss},
		}
		if err := checkpoints.WriteSavedModel(path, &net, meta); err != nil {
			return "", err
		}
		klog.InfoS("Saved model", "path", path)
	}
	t.savedModel = path
	t.state = Saved
	return path, nil
}

func (t *SupervisedTrainer) snapshot(epoch int, valLoss float64) (*checkpoints.Checkpoint, error) {
	net, err := networkState("model", t.model.Spec(), t.model.Params(), t.opt.Inner())
	if err != nil {
		return nil, err
	}
	return &checkpoints.Checkpoint{
		Networks: []checkpoints.Network{net},
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         int(t.opt.GetStepCount()),
			LearningRate: t.opt.LearningRate(),
			BestLoss:     valLoss,
			TotalSteps:   int(t.opt.GetStepCount()),
		},
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("best val_loss %.6f at epoch %d", valLoss, epoch),
			Tags:        []string{t.model.Name()},
		},
	}, nil
}

// Run drives the remaining lifecycle steps: fit, evaluate, learning curve,
// optional save.
func (t *SupervisedTrainer) Run(ctx context.Context) (*Result, error) {
	if t.state == Constructed {
		if err := t.SetupData(); err != nil {
			return nil, err
		}
	}
	if t.state == DataReady {
		if err := t.SetupModel(); err != nil {
			return nil, err
		}
	}
	if t.state == ModelReady {
		if err := t.Compile(); err != nil {
			return nil, err
		}
	}
	if _, err := t.Fit(ctx); err != nil {
		return nil, err
	}
	s := t.session
	score, err := t.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	if s.FirstWorker() {
		fmt.Fprintf(s.Options.Out, "\nScore on the test set: %.6f\n", score)
		s.printf("%s\n", t.metrics)
		klog.InfoS("Evaluated", "architecture", t.model.Name(), "loss", s.Options.Loss, "score", score,
			"rmse", t.metrics.RMSE, "r2", t.metrics.R2)
	}

	if s.Options.SavePlot && s.FirstWorker() {
		if err := RenderLearningCurve(s.History, s.Options.PlotPath); err != nil {
			return nil, err
		}
	}
	if s.Options.Save {
		if _, err := t.Save(); err != nil {
			return nil, err
		}
	}
	t.state = Done

	res := &Result{
		Kind:       Supervised,
		Score:      score,
		Metrics:    t.metrics,
		History:    s.History,
		Epochs:     len(s.History["loss"]),
		SavedModel: t.savedModel,
		Runtime:    time.Since(t.started),
	}
	if t.checkpoints != nil {
		res.Checkpoints = t.checkpoints.Saved()
	}
	s.printf("Runtime: %s\n", res.Runtime.Round(time.Millisecond))
	return res, nil
}
