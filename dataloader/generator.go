package dataloader

import (
	"math/rand"

	"github.com/tsawler/go-downscale/errdefs"
	"github.com/tsawler/go-downscale/tensor"
)

// Options configures a Generator.
type Options struct {
	Scale     int
	BatchSize int
	// PatchSize is the side of the square HR crop; 0 uses the whole grid.
	PatchSize     int
	Interpolation Interpolation
	// TimeWindow > 0 produces [N, T, h, w, C] inputs with separate statics.
	TimeWindow int
	// Upsample interpolates the coarsened input back onto the HR grid.
	Upsample bool
	Shuffle  bool
	Seed     int64
	// Rank and Size shard the samples across a process group.
	Rank int
	Size int
}

// Batch is one step's worth of paired samples. Static is only set for
// time-windowed batches; otherwise static channels are part of LR.
type Batch struct {
	LR     *tensor.Tensor
	Static *tensor.Tensor
	HR     *tensor.Tensor
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int { return b.HR.Shape[0] }

// Generator produces deterministic batches: Batch(epoch, i) depends only on
// the options and its arguments.
type Generator struct {
	split Split
	opts  Options
	shard []int
}

// NewGenerator validates split against opts and shards its samples.
func NewGenerator(split Split, opts Options) (*Generator, error) {
	if opts.Scale < 1 {
		return nil, errdefs.Configuration("scale", opts.Scale, "must be a positive integer")
	}
	if opts.BatchSize < 1 {
		return nil, errdefs.Configuration("batch_size", opts.BatchSize, "must be a positive integer")
	}
	if opts.PatchSize < 0 || opts.PatchSize%opts.Scale != 0 {
		return nil, errdefs.Configuration("patch_size", opts.PatchSize, "must be a non-negative multiple of scale %d", opts.Scale)
	}
	if opts.TimeWindow < 0 {
		return nil, errdefs.Configuration("time_window", opts.TimeWindow, "cannot be negative")
	}
	if opts.Size == 0 {
		opts.Size = 1
	}
	if opts.Rank < 0 || opts.Rank >= opts.Size {
		return nil, errdefs.Configuration("rank", opts.Rank, "outside group of size %d", opts.Size)
	}
	if err := split.Validate(opts.Scale, opts.PatchSize); err != nil {
		return nil, err
	}

	first := 0
	if opts.TimeWindow > 0 {
		first = opts.TimeWindow - 1
	}
	available := split.Len() - first
	perWorker := available / opts.Size
	if perWorker < 1 {
		return nil, errdefs.Data(split.Name, split.Len(),
			"%d usable samples cannot be shared by %d workers (time_window=%d)", available, opts.Size, opts.TimeWindow)
	}
	shard := make([]int, 0, perWorker)
	for t := first + opts.Rank; t < split.Len() && len(shard) < perWorker; t += opts.Size {
		shard = append(shard, t)
	}
	return &Generator{split: split, opts: opts, shard: shard}, nil
}

// Len returns the number of samples owned by this worker.
func (g *Generator) Len() int { return len(g.shard) }

// Steps returns the number of full batches per pass, at least one.
func (g *Generator) Steps() int {
	if s := len(g.shard) / g.opts.BatchSize; s > 0 {
		return s
	}
	return 1
}

// Options returns the generator's options.
func (g *Generator) Options() Options { return g.opts }

// Batch returns batch i of the given epoch. Indices wrap around the shard.
func (g *Generator) Batch(epoch, i int) (Batch, error) {
	order := g.order(epoch)
	rng := rand.New(rand.NewSource(streamSeed(g.opts.Seed, g.opts.Rank, epoch, i)))
	idx := make([]int, g.opts.BatchSize)
	for k := range idx {
		idx[k] = order[(i*g.opts.BatchSize+k)%len(order)]
	}
	return g.assemble(idx, rng)
}

// Pair returns the single-sample batch for sample i of an epoch.
func (g *Generator) Pair(epoch, i int) (Batch, error) {
	order := g.order(epoch)
	rng := rand.New(rand.NewSource(streamSeed(g.opts.Seed, g.opts.Rank, epoch, i, -1)))
	return g.assemble([]int{order[i%len(order)]}, rng)
}

func (g *Generator) order(epoch int) []int {
	order := append([]int(nil), g.shard...)
	if g.opts.Shuffle {
		rng := rand.New(rand.NewSource(streamSeed(g.opts.Seed, g.opts.Rank, epoch)))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return order
}

// streamSeed derives an independent seed for each (seed, parts...) tuple.
func streamSeed(seed int64, parts ...int) int64 {
	h := uint64(seed)
	for _, p := range parts {
		h ^= uint64(int64(p)) + 0x9e3779b97f4a7c15 + (h << 6) + (h >> 2)
		h *= 0xbf58476d1ce4e5b9
		h ^= h >> 31
	}
	return int64(h)
}

type sample struct {
	lr     []grid // one per time step
	static grid
	hr     grid
}

func (g *Generator) assemble(indices []int, rng *rand.Rand) (Batch, error) {
	samples := make([]sample, len(indices))
	for k, t := range indices {
		s, err := g.sample(t, rng)
		if err != nil {
			return Batch{}, err
		}
		samples[k] = s
	}

	n := len(samples)
	first := samples[0]
	hr := tensor.New(n, first.hr.h, first.hr.w, first.hr.c)
	stride := len(first.hr.data)
	for k, s := range samples {
		copy(hr.Data[k*stride:], s.hr.data)
	}

	if g.opts.TimeWindow == 0 {
		f := concatGrids(first.lr[0], first.static)
		lr := tensor.New(n, f.h, f.w, f.c)
		for k, s := range samples {
			copy(lr.Data[k*len(f.data):], concatGrids(s.lr[0], s.static).data)
		}
		return Batch{LR: lr, HR: hr}, nil
	}

	frame := first.lr[0]
	tw := g.opts.TimeWindow
	lr := tensor.New(n, tw, frame.h, frame.w, frame.c)
	off := 0
	for _, s := range samples {
		for _, f := range s.lr {
			off += copy(lr.Data[off:], f.data)
		}
	}
	batch := Batch{LR: lr, HR: hr}
	if first.static.c > 0 {
		st := first.static
		batch.Static = tensor.New(n, st.h, st.w, st.c)
		for k, s := range samples {
			copy(batch.Static.Data[k*len(st.data):], s.static.data)
		}
	}
	return batch, nil
}

func (g *Generator) sample(t int, rng *rand.Rand) (sample, error) {
	_, h, w, _, _ := g.split.HR.Dims4()
	ph, pw := h, w
	if p := g.opts.PatchSize; p > 0 {
		if p > h || p > w {
			return sample{}, errdefs.Data("patch_size", p, "larger than the %dx%d grid of %s", h, w, g.split.Name)
		}
		ph, pw = p, p
	}
	y0, x0 := 0, 0
	if ph < h {
		y0 = rng.Intn(h - ph + 1)
	}
	if pw < w {
		x0 = rng.Intn(w - pw + 1)
	}
	scale := g.opts.Scale

	var s sample
	s.hr = cropSample(g.split.HR, t, y0, x0, ph, pw)

	steps := []int{t}
	if tw := g.opts.TimeWindow; tw > 0 {
		steps = steps[:0]
		for j := t - tw + 1; j <= t; j++ {
			steps = append(steps, j)
		}
	}
	for _, j := range steps {
		v := cropSample(g.split.HR, j, y0, x0, ph, pw)
		for _, p := range g.split.Predictors {
			v = concatGrids(v, cropSample(p, j, y0, x0, ph, pw))
		}
		lr := coarsen(v, scale)
		if g.opts.Upsample {
			lr = resize(lr, ph, pw, g.opts.Interpolation)
		}
		s.lr = append(s.lr, lr)
	}

	st := grid{h: ph, w: pw}
	for _, f := range g.split.Static() {
		st = concatGrids(st, cropField(f, y0, x0, ph, pw))
	}
	if !g.opts.Upsample {
		st = coarsen(st, scale)
	}
	s.static = st
	return s, nil
}

// cropSample copies sample n of a [N, H, W, C] tensor over the given window.
func cropSample(t *tensor.Tensor, n, y0, x0, ph, pw int) grid {
	_, h, w, c, _ := t.Dims4()
	out := newGrid(ph, pw, c)
	for y := 0; y < ph; y++ {
		src := ((n*h+y0+y)*w + x0) * c
		copy(out.data[y*pw*c:(y+1)*pw*c], t.Data[src:src+pw*c])
	}
	return out
}

// cropField copies a window of a [H, W] field as a single channel.
func cropField(f *tensor.Tensor, y0, x0, ph, pw int) grid {
	w := f.Shape[1]
	out := newGrid(ph, pw, 1)
	for y := 0; y < ph; y++ {
		src := (y0+y)*w + x0
		copy(out.data[y*pw:(y+1)*pw], f.Data[src:src+pw])
	}
	return out
}

// concatGrids stacks b's channels after a's. A zero-channel operand is
// returned unchanged.
func concatGrids(a, b grid) grid {
	if b.c == 0 {
		return a
	}
	if a.c == 0 {
		return b
	}
	out := newGrid(a.h, a.w, a.c+b.c)
	for i := 0; i < a.h*a.w; i++ {
		copy(out.data[i*out.c:], a.data[i*a.c:(i+1)*a.c])
		copy(out.data[i*out.c+a.c:], b.data[i*b.c:(i+1)*b.c])
	}
	return out
}
