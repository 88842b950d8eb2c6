package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-downscale/errdefs"
	"github.com/tsawler/go-downscale/layers"
	"github.com/tsawler/go-downscale/tensor"
)

// ChannelSpec gives the input channel layout. Non-recurrent networks read a
// single input with Var+Static channels; recurrent ones read Var channels
// per time step and Static channels once.
type ChannelSpec struct {
	Var    int
	Static int
}

// Total is the number of channels of a non-recurrent input.
func (c ChannelSpec) Total() int { return c.Var + c.Static }

// Params holds the architecture hyperparameters passed through from the caller.
type Params struct {
	NFilters     int
	NResBlocks   int
	NChannelsOut int
	Seed         int64
}

// DefaultParams returns small defaults suited to CPU training.
func DefaultParams() Params {
	return Params{NFilters: 8, NResBlocks: 2, NChannelsOut: 1, Seed: 42}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.NFilters <= 0 {
		p.NFilters = d.NFilters
	}
	if p.NResBlocks < 0 {
		p.NResBlocks = d.NResBlocks
	}
	if p.NChannelsOut <= 0 {
		p.NChannelsOut = d.NChannelsOut
	}
	return p
}

// Model is a trainable network mapping a low-resolution input (and, for
// recurrent networks, its static channels) to a high-resolution field.
type Model interface {
	Name() string
	Architecture() Architecture
	Spec() *layers.ModelSpec
	Params() []*layers.Param
	OutputScale() int
	OutputChannels() int
	Forward(tape *layers.Tape, lr, static *tensor.Tensor) (*tensor.Tensor, error)
}

type constructor func(arch Architecture, scale int, ch ChannelSpec, p Params) (Model, error)

var constructors = map[Architecture]constructor{
	ResNetBI:           newGenerator,
	ResNetSPC:          newGenerator,
	ResNetRC:           newGenerator,
	RecurrentResNetBI:  newGenerator,
	RecurrentResNetSPC: newGenerator,
	RecurrentResNetRC:  newGenerator,
}

// Build instantiates the named architecture.
func Build(arch Architecture, scale int, ch ChannelSpec, p Params) (Model, error) {
	ctor, ok := constructors[arch]
	if !ok {
		return nil, errdefs.Configuration("model", int(arch), "architecture not recognized")
	}
	if scale < 1 {
		return nil, errdefs.Configuration("scale", scale, "must be a positive integer")
	}
	if ch.Var < 1 {
		return nil, errdefs.Configuration("n_channels", ch.Var, "at least one input channel is required")
	}
	if ch.Static < 0 {
		return nil, errdefs.Configuration("n_static_channels", ch.Static, "cannot be negative")
	}
	return ctor(arch, scale, ch, p.withDefaults())
}

// Generator is the residual super-resolution network shared by every
// architecture; they differ in the encoder (recurrent or not) and the tail.
type Generator struct {
	arch     Architecture
	scale    int
	channels ChannelSpec
	params   Params

	encoder layers.Layer // recurrent only
	head    *layers.Conv2DLayer
	body    *layers.ResidualLayer
	tail    *layers.Seq
}

func newGenerator(arch Architecture, scale int, ch ChannelSpec, p Params) (Model, error) {
	rng := rand.New(rand.NewSource(p.Seed))
	f := p.NFilters
	g := &Generator{arch: arch, scale: scale, channels: ch, params: p}

	headIn := ch.Total()
	if arch.Recurrent() {
		g.encoder = layers.NewSequential("encoder",
			layers.NewTimeDistributed("encoder.frames", layers.NewSequential("encoder.frame",
				layers.NewConv2D("encoder.conv", ch.Var, f, 3, rng),
				layers.NewReLU("encoder.relu"),
			)),
			layers.NewTemporalMean("encoder.temporal_mean"),
		)
		headIn = f + ch.Static
	}
	g.head = layers.NewConv2D("head.conv", headIn, f, 3, rng)

	body := make([]layers.Layer, 0, p.NResBlocks+1)
	for i := 0; i < p.NResBlocks; i++ {
		body = append(body, layers.NewResidualBlock(fmt.Sprintf("resblock%d", i+1), f, rng))
	}
	body = append(body, layers.NewConv2D("body.conv", f, f, 3, rng))
	g.body = layers.NewResidual("body", body...)

	g.tail = layers.NewSequential("tail")
	switch arch.Upsampling() {
	case SubPixel:
		g.tail.Add(layers.NewConv2D("upsample.conv", f, f*scale*scale, 3, rng)).
			Add(layers.NewPixelShuffle("upsample.pixel_shuffle", scale))
	case ResizeConv:
		g.tail.Add(layers.NewUpsampleNearest("upsample.resize", scale)).
			Add(layers.NewConv2D("upsample.conv", f, f, 3, rng)).
			Add(layers.NewReLU("upsample.relu"))
	}
	g.tail.Add(layers.NewConv2D("output.conv", f, p.NChannelsOut, 3, rng))
	return g, nil
}

func (g *Generator) Name() string               { return g.arch.String() }
func (g *Generator) Architecture() Architecture { return g.arch }

// OutputScale is the factor between input and output grids.
func (g *Generator) OutputScale() int { return g.arch.OutputScale(g.scale) }

// OutputChannels is the number of predicted channels.
func (g *Generator) OutputChannels() int { return g.params.NChannelsOut }

func (g *Generator) top() []layers.Layer {
	top := []layers.Layer{}
	if g.encoder != nil {
		top = append(top, g.encoder)
	}
	return append(top, g.head, g.body, g.tail)
}

func (g *Generator) Params() []*layers.Param {
	var ps []*layers.Param
	for _, l := range g.top() {
		ps = append(ps, l.Params()...)
	}
	return ps
}

func (g *Generator) Spec() *layers.ModelSpec {
	spec := &layers.ModelSpec{
		Name:           g.Name(),
		InputChannels:  []int{g.channels.Var, g.channels.Static},
		OutputChannels: g.params.NChannelsOut,
		Scale:          g.scale,
	}
	for _, l := range g.top() {
		ls := l.Spec()
		spec.Layers = append(spec.Layers, ls)
		spec.TotalParameters += ls.ParameterCount
	}
	return spec
}

func (g *Generator) Forward(tape *layers.Tape, lr, static *tensor.Tensor) (*tensor.Tensor, error) {
	x := lr
	var err error
	if g.encoder != nil {
		if x, err = g.encoder.Forward(tape, lr); err != nil {
			return nil, err
		}
		if g.channels.Static > 0 {
			if static == nil {
				return nil, fmt.Errorf("%s: %d static channels expected, got none", g.Name(), g.channels.Static)
			}
			if x, err = layers.ConcatConstant(tape, x, static); err != nil {
				return nil, fmt.Errorf("%s: static channels: %w", g.Name(), err)
			}
		}
	}
	if x, err = g.head.Forward(tape, x); err != nil {
		return nil, err
	}
	if x, err = g.body.Forward(tape, x); err != nil {
		return nil, err
	}
	return g.tail.Forward(tape, x)
}
