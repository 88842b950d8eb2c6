package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-downscale/checkpoints"
	"github.com/tsawler/go-downscale/dataloader"
	"github.com/tsawler/go-downscale/distributed"
	"github.com/tsawler/go-downscale/errdefs"
	"github.com/tsawler/go-downscale/layers"
	"github.com/tsawler/go-downscale/losses"
	"github.com/tsawler/go-downscale/models"
	"github.com/tsawler/go-downscale/optimizer"
	"github.com/tsawler/go-downscale/tensor"
)

// Both networks of a conditional GAN train with Adam at this rate and β1.
const (
	GANLearningRate = 2e-4
	GANBeta1        = 0.5
)

// Summary tags of the four adversarial losses, in loss-history row order.
var AdversarialTags = []string{"gen_total_loss", "gen_gan_loss", "gen_l1_loss", "disc_loss"}

// AdversarialArchitectures are the generators the adversarial trainer accepts.
var AdversarialArchitectures = []models.Architecture{models.ResNetSPC, models.ResNetRC, models.ResNetBI}

// ModelPair is a generator and a discriminator, each with its own optimizer.
type ModelPair struct {
	Generator     models.Model
	Discriminator *models.Discriminator
	GenOptimizer  *distributed.DistributedOptimizer
	DiscOptimizer *distributed.DistributedOptimizer
}

// NewModelPair checks that disc scores fields of the shape gen produces and
// gives each network an Adam optimizer averaged over g.
func NewModelPair(gen models.Model, disc *models.Discriminator, g distributed.Group) (*ModelPair, error) {
	if err := models.CheckPair(gen, disc); err != nil {
		return nil, err
	}
	cfg := optimizer.AdamConfig{LearningRate: GANLearningRate, Beta1: GANBeta1, Beta2: 0.999, Epsilon: 1e-7}
	gOpt, err := optimizer.NewAdamOptimizer(cfg, gen.Params())
	if err != nil {
		return nil, fmt.Errorf("generator optimizer: %w", err)
	}
	dOpt, err := optimizer.NewAdamOptimizer(cfg, disc.Params())
	if err != nil {
		return nil, fmt.Errorf("discriminator optimizer: %w", err)
	}
	return &ModelPair{
		Generator:     gen,
		Discriminator: disc,
		GenOptimizer:  distributed.NewDistributedOptimizer(gOpt, g),
		DiscOptimizer: distributed.NewDistributedOptimizer(dOpt, g),
	}, nil
}

// StepLosses are the scalars of one adversarial step.
type StepLosses struct {
	GenTotal float64
	GenGAN   float64
	GenL1    float64
	Disc     float64
}

func (l StepLosses) values() []float64 {
	return []float64{l.GenTotal, l.GenGAN, l.GenL1, l.Disc}
}

// Gradients computes both networks' gradients for one (lr, hr) batch.
// The generator and the two discriminator passes are recorded on separate
// tapes; the generator's gradient reaches it through the fake pass's input
// gradient, and discriminator parameter gradients from that pass are
// dropped.
func (p *ModelPair) Gradients(lr, hr *tensor.Tensor, lambda float64) (StepLosses, layers.Gradients, layers.Gradients, error) {
	var out StepLosses
	genTape := layers.NewTape()
	gen, err := p.Generator.Forward(genTape, lr, nil)
	if err != nil {
		return out, nil, nil, fmt.Errorf("generator: %w", err)
	}
	realTape, fakeTape := layers.NewTape(), layers.NewTape()
	dReal, err := p.Discriminator.Forward(realTape, lr, hr)
	if err != nil {
		return out, nil, nil, fmt.Errorf("discriminator on reference: %w", err)
	}
	dFake, err := p.Discriminator.Forward(fakeTape, lr, gen)
	if err != nil {
		return out, nil, nil, fmt.Errorf("discriminator on generated: %w", err)
	}

	ones := tensor.Full(1, dFake.Shape...)
	zeros := tensor.ZerosLike(dFake)
	ganLoss, dGAN, err := losses.BCEWithLogits(ones, dFake)
	if err != nil {
		return out, nil, nil, err
	}
	l1, dL1, err := losses.MeanAbsoluteError(hr, gen)
	if err != nil {
		return out, nil, nil, err
	}
	realLoss, dRealLogits, err := losses.BCEWithLogits(ones, dReal)
	if err != nil {
		return out, nil, nil, err
	}
	fakeLoss, dFakeLogits, err := losses.BCEWithLogits(zeros, dFake)
	if err != nil {
		return out, nil, nil, err
	}
	out = StepLosses{GenTotal: ganLoss + lambda*l1, GenGAN: ganLoss, GenL1: l1, Disc: realLoss + fakeLoss}

	_, dGen, err := fakeTape.Gradient(dGAN)
	if err != nil {
		return out, nil, nil, err
	}
	if err := dGen.AddInPlace(dL1.Scale(lambda)); err != nil {
		return out, nil, nil, err
	}
	genGrads, _, err := genTape.Gradient(dGen)
	if err != nil {
		return out, nil, nil, err
	}

	discGrads := make(layers.Gradients)
	if _, err := realTape.BackwardInto(dRealLogits, discGrads); err != nil {
		return out, nil, nil, err
	}
	if _, err := fakeTape.BackwardInto(dFakeLogits, discGrads); err != nil {
		return out, nil, nil, err
	}
	return out, genGrads.Restrict(p.Generator.Params()), discGrads.Restrict(p.Discriminator.Params()), nil
}

// Step computes both gradient sets and applies each through its own
// optimizer. Non-finite losses abort before anything is applied.
func (p *ModelPair) Step(ctx context.Context, lr, hr *tensor.Tensor, lambda float64) (StepLosses, error) {
	l, genGrads, discGrads, err := p.Gradients(lr, hr, lambda)
	if err != nil {
		return l, err
	}
	for i, v := range l.values() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return l, fmt.Errorf("non-finite %s (%v)", AdversarialTags[i], v)
		}
	}
	if err := p.GenOptimizer.ApplyGradients(ctx, genGrads); err != nil {
		return l, fmt.Errorf("generator update: %w", err)
	}
	if err := p.DiscOptimizer.ApplyGradients(ctx, discGrads); err != nil {
		return l, fmt.Errorf("discriminator update: %w", err)
	}
	return l, nil
}

// Snapshot captures both networks and their optimizers.
func (p *ModelPair) Snapshot(epoch int) (*checkpoints.Checkpoint, error) {
	gen, err := networkState("generator", p.Generator.Spec(), p.Generator.Params(), p.GenOptimizer.Inner())
	if err != nil {
		return nil, err
	}
	disc, err := networkState("discriminator", p.Discriminator.Spec(), p.Discriminator.Params(), p.DiscOptimizer.Inner())
	if err != nil {
		return nil, err
	}
	return &checkpoints.Checkpoint{
		Networks: []checkpoints.Network{gen, disc},
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         int(p.GenOptimizer.GetStepCount()),
			LearningRate: p.GenOptimizer.LearningRate(),
			TotalSteps:   int(p.GenOptimizer.GetStepCount()),
		},
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("cgan snapshot after epoch %d", epoch),
			Tags:        []string{p.Generator.Name(), p.Discriminator.Name()},
		},
	}, nil
}

// Restore loads both networks and optimizers from ckpt.
func (p *ModelPair) Restore(ckpt *checkpoints.Checkpoint) error {
	if err := RestoreNetwork(ckpt, "generator", p.Generator.Params(), p.GenOptimizer.Inner()); err != nil {
		return err
	}
	return RestoreNetwork(ckpt, "discriminator", p.Discriminator.Params(), p.DiscOptimizer.Inner())
}

// AdversarialTrainer trains a generator against a residual discriminator
// one sample at a time.
type AdversarialTrainer struct {
	lifecycle
	session *Session
	train   dataloader.Split

	pair        *ModelPair
	checkpoints *CheckpointManager

	// snapshotEpochs records the epochs after which snapshots were taken.
	snapshotEpochs []int
}

// NewAdversarialTrainer validates opts for member g of the process group.
func NewAdversarialTrainer(train dataloader.Split, opts Options, g distributed.Group) (*AdversarialTrainer, error) {
	if opts.Lambda < 0 || math.IsNaN(opts.Lambda) || math.IsInf(opts.Lambda, 0) {
		return nil, errdefs.Configuration("lambda", opts.Lambda, "must be a finite non-negative weight")
	}
	s, err := NewSession(opts, g, AdversarialArchitectures)
	if err != nil {
		return nil, err
	}
	if train.Name == "" {
		train.Name = "train"
	}
	return &AdversarialTrainer{session: s, train: train}, nil
}

func (t *AdversarialTrainer) Kind() Kind { return Adversarial }

// Session returns the resolved run state.
func (t *AdversarialTrainer) Session() *Session { return t.session }

// Pair returns the networks, nil before SetupModel.
func (t *AdversarialTrainer) Pair() *ModelPair { return t.pair }

// SnapshotEpochs returns the epochs after which a snapshot was taken.
func (t *AdversarialTrainer) SnapshotEpochs() []int { return append([]int(nil), t.snapshotEpochs...) }

// SetupData builds the single-sample training generator.
func (t *AdversarialTrainer) SetupData() error {
	if err := t.expect("set up data", Constructed); err != nil {
		return err
	}
	s := t.session
	if err := s.checkShapeOptions(); err != nil {
		return err
	}
	opts, err := s.generatorOptions(1, false)
	if err != nil {
		return err
	}
	if s.Train, err = dataloader.NewGenerator(t.train, opts); err != nil {
		return err
	}
	t.state = DataReady
	return nil
}

// SetupModel builds the generator, a matching discriminator and their
// optimizers.
func (t *AdversarialTrainer) SetupModel() error {
	if err := t.expect("set up model", DataReady); err != nil {
		return err
	}
	s := t.session
	ch := s.channelSpec(t.train)
	params := s.Options.ArchitectureParams
	gen, err := models.Build(s.Architecture, s.Options.Scale, ch, params)
	if err != nil {
		return err
	}
	disc, err := models.NewDiscriminator(gen.OutputScale(), ch, params)
	if err != nil {
		return err
	}
	if t.pair, err = NewModelPair(gen, disc, s.Group); err != nil {
		return err
	}
	if s.FirstWorker() && s.Options.Verbose == 1 {
		fmt.Fprint(s.Options.Out, gen.Spec().Summary())
		fmt.Fprint(s.Options.Out, disc.Spec().Summary())
	}
	t.state = ModelReady
	return nil
}

// Run trains for the configured epochs, snapshotting every
// CheckpointsFrequency epochs and once more at the end, and writes the loss
// history.
func (t *AdversarialTrainer) Run(ctx context.Context) (*Result, error) {
	started := time.Now()
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
	if err := t.expect("run", ModelReady); err != nil {
		return nil, err
	}
	t.state = Fitting
	s := t.session
	o := s.Options
	p := t.pair
	if err := s.broadcast(ctx, p.Generator.Params()); err != nil {
		return nil, err
	}
	if err := s.broadcast(ctx, p.Discriminator.Params()); err != nil {
		return nil, err
	}

	var summary *SummaryWriter
	if s.FirstWorker() && o.LogDir != "" {
		var err error
		if summary, err = NewSummaryWriter(o.LogDir); err != nil {
			return nil, err
		}
		defer summary.Close()
		klog.InfoS("Writing summaries", "path", summary.Path(), "run", summary.Run())
	}
	if o.CheckpointDir != "" {
		t.checkpoints = NewCheckpointManager(AdversarialCheckpointConfig(o.CheckpointDir), s.Group)
	}

	samples := s.stepsFor(s.Train, o.SamplesPerEpoch)
	var out io.Writer
	if s.FirstWorker() && o.Verbose > 0 {
		out = o.Out
	}

	for epoch := 0; epoch < o.Epochs; epoch++ {
		start := time.Now()
		s.printf("Epoch: %d\n", epoch)
		var d *dots
		if out != nil {
			d = newDots(out, 100)
		}

		var last StepLosses
		for i := 0; i < samples; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			d.Tick()
			batch, err := s.Train.Pair(epoch, i)
			if err != nil {
				return nil, err
			}
			if last, err = p.Step(ctx, batch.LR, batch.HR, o.Lambda); err != nil {
				return nil, fmt.Errorf("epoch %d sample %d: %w", epoch+1, i, err)
			}
			if summary != nil {
				for k, v := range last.values() {
					if err := summary.Scalar(AdversarialTags[k], epoch, v); err != nil {
						return nil, err
					}
				}
			}
		}

		s.printf("\ngen_total_loss=%.5f, gen_gan_loss=%.5f, gen_l1_loss=%.5f, disc_loss=%.5f\n",
			last.GenTotal, last.GenGAN, last.GenL1, last.Disc)
		for k, v := range last.values() {
			s.record(AdversarialTags[k], v)
		}

		if o.CheckpointsFrequency > 0 && (epoch+1)%o.CheckpointsFrequency == 0 {
			if err := t.snapshot(epoch + 1); err != nil {
				return nil, err
			}
		}
		s.printf("Time taken for epoch %d is %.3f sec\n\n", epoch+1, time.Since(start).Seconds())
	}
	// The final snapshot is taken even when the last periodic one fell on
	// the final epoch.
	if err := t.snapshot(o.Epochs); err != nil {
		return nil, err
	}

	rows := make([][]float64, len(AdversarialTags))
	for k, tag := range AdversarialTags {
		rows[k] = s.History[tag]
	}
	if s.FirstWorker() {
		if err := WriteLossHistory(o.LossesPath, rows); err != nil {
			return nil, err
		}
		klog.InfoS("Saved loss history", "path", o.LossesPath, "epochs", o.Epochs)
	}

	t.state = Done
	res := &Result{
		Kind:    Adversarial,
		History: s.History,
		Epochs:  o.Epochs,
		Runtime: time.Since(started),
	}
	if t.checkpoints != nil {
		res.Checkpoints = t.checkpoints.Saved()
	}
	s.printf("Runtime: %s\n", res.Runtime.Round(time.Millisecond))
	return res, nil
}

func (t *AdversarialTrainer) snapshot(epoch int) error {
	t.snapshotEpochs = append(t.snapshotEpochs, epoch)
	if t.checkpoints == nil {
		return nil
	}
	_, err := t.checkpoints.SaveNext(func() (*checkpoints.Checkpoint, error) {
		return t.pair.Snapshot(epoch)
	})
	return err
}
