package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-downscale/errdefs"
	"github.com/tsawler/go-downscale/layers"
	"github.com/tsawler/go-downscale/tensor"
)

// Discriminator is a residual conditional discriminator. It scores a
// high-resolution field given the low-resolution input it was produced from,
// returning one logit per sample.
type Discriminator struct {
	inputScale int
	lrChannels int
	hrChannels int
	net        *layers.Seq
}

// NewDiscriminator builds a discriminator for lr inputs with ch.Total()
// channels and hr fields inputScale times larger.
func NewDiscriminator(inputScale int, ch ChannelSpec, p Params) (*Discriminator, error) {
	if inputScale < 1 {
		return nil, errdefs.Configuration("scale", inputScale, "must be a positive integer")
	}
	p = p.withDefaults()
	rng := rand.New(rand.NewSource(p.Seed + 1))
	f := p.NFilters
	in := ch.Total() + p.NChannelsOut

	net := layers.NewSequential("discriminator",
		layers.NewConv2D("disc.conv1", in, f, 3, rng),
		layers.NewLeakyReLU("disc.lrelu1", 0.2),
	)
	for i := 0; i < p.NResBlocks; i++ {
		net.Add(layers.NewResidualBlock(fmt.Sprintf("disc.resblock%d", i+1), f, rng))
	}
	net.Add(layers.NewConv2D("disc.conv2", f, f, 3, rng)).
		Add(layers.NewLeakyReLU("disc.lrelu2", 0.2)).
		Add(layers.NewGlobalAvgPool("disc.pool")).
		Add(layers.NewDense("disc.logit", f, 1, rng))

	return &Discriminator{inputScale: inputScale, lrChannels: ch.Total(), hrChannels: p.NChannelsOut, net: net}, nil
}

func (d *Discriminator) Name() string { return "residual_discriminator" }

// InputScale is the expected factor between the lr and hr grids.
func (d *Discriminator) InputScale() int { return d.inputScale }

// HRChannels is the number of channels of the scored field.
func (d *Discriminator) HRChannels() int { return d.hrChannels }

func (d *Discriminator) Params() []*layers.Param { return d.net.Params() }

func (d *Discriminator) Spec() *layers.ModelSpec {
	spec := &layers.ModelSpec{
		Name:           d.Name(),
		InputChannels:  []int{d.lrChannels, d.hrChannels},
		OutputChannels: 1,
		Scale:          d.inputScale,
	}
	for _, l := range d.net.Layers {
		ls := l.Spec()
		spec.Layers = append(spec.Layers, ls)
		spec.TotalParameters += ls.ParameterCount
	}
	return spec
}

// Forward scores hr conditioned on lr. The recorded backward yields the
// gradient w.r.t. hr only; lr is a constant of the pass.
func (d *Discriminator) Forward(tape *layers.Tape, lr, hr *tensor.Tensor) (*tensor.Tensor, error) {
	if lr.Dim() != 4 || hr.Dim() != 4 {
		return nil, fmt.Errorf("discriminator expects 4-D inputs, got %v and %v", lr.Shape, hr.Shape)
	}
	if hr.Shape[1] != lr.Shape[1]*d.inputScale || hr.Shape[2] != lr.Shape[2]*d.inputScale {
		return nil, fmt.Errorf("discriminator: hr shape %v is not lr shape %v scaled by %d", hr.Shape, lr.Shape, d.inputScale)
	}
	if hr.Shape[3] != d.hrChannels {
		return nil, fmt.Errorf("discriminator: expected %d hr channels, got %d", d.hrChannels, hr.Shape[3])
	}
	up, err := layers.UpsampleNearestTensor(lr, d.inputScale)
	if err != nil {
		return nil, err
	}
	x, err := layers.PrependConstant(tape, up, hr)
	if err != nil {
		return nil, err
	}
	return d.net.Forward(tape, x)
}
