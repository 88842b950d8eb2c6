package dataloader

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-downscale/errdefs"
	"github.com/tsawler/go-downscale/tensor"
)

func ramp(shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float64(i%97) / 97
	}
	return t
}

func testSplit(n, h, w int) Split {
	return Split{
		Name:       "train",
		HR:         ramp(n, h, w, 1),
		Predictors: []*tensor.Tensor{ramp(n, h, w, 1)},
		Topography: ramp(h, w),
		LandOcean:  tensor.Full(1, h, w),
	}
}

func TestParseInterpolation(t *testing.T) {
	for in, want := range map[string]Interpolation{"": Bilinear, "Bicubic": Bilinear, "nearest": Nearest} {
		got, err := ParseInterpolation(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseInterpolation("lanczos")
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
}

func TestCoarsenAndResize(t *testing.T) {
	g := grid{h: 2, w: 2, c: 1, data: []float64{1, 2, 3, 4}}
	c := coarsen(g, 2)
	assert.Equal(t, []float64{2.5}, c.data)

	up := resize(c, 4, 4, Bilinear)
	for _, v := range up.data {
		assert.InDelta(t, 2.5, v, 1e-12)
	}
	n := resize(g, 4, 4, Nearest)
	assert.Equal(t, 1.0, n.at(0, 0, 0))
	assert.Equal(t, 4.0, n.at(3, 3, 0))

	b := resize(g, 4, 4, Bilinear)
	assert.InDelta(t, 1.0, b.at(0, 0, 0), 1e-12)
	assert.InDelta(t, 1.25, b.at(0, 1, 0), 1e-12)
}

func TestBatchShapes(t *testing.T) {
	split := testSplit(10, 16, 16)

	g, err := NewGenerator(split, Options{Scale: 4, BatchSize: 3, PatchSize: 8, Size: 1})
	require.NoError(t, err)
	b, err := g.Batch(0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 2, 4}, b.LR.Shape)
	assert.Equal(t, []int{3, 8, 8, 1}, b.HR.Shape)
	assert.Nil(t, b.Static)
	assert.Equal(t, 3, g.Steps())

	g, err = NewGenerator(split, Options{Scale: 4, BatchSize: 2, Upsample: true, Size: 1})
	require.NoError(t, err)
	b, err = g.Batch(0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 16, 16, 4}, b.LR.Shape)
	assert.Equal(t, []int{2, 16, 16, 1}, b.HR.Shape)

	g, err = NewGenerator(split, Options{Scale: 2, BatchSize: 2, PatchSize: 8, TimeWindow: 3, Size: 1})
	require.NoError(t, err)
	assert.Equal(t, 8, g.Len())
	b, err = g.Batch(1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4, 4, 2}, b.LR.Shape)
	assert.Equal(t, []int{2, 4, 4, 2}, b.Static.Shape)
	assert.Equal(t, []int{2, 8, 8, 1}, b.HR.Shape)
}

func TestCoarsenedInputMatchesTarget(t *testing.T) {
	split := Split{Name: "train", HR: ramp(2, 4, 4, 1)}
	g, err := NewGenerator(split, Options{Scale: 2, BatchSize: 1, Size: 1})
	require.NoError(t, err)
	b, err := g.Batch(0, 0)
	require.NoError(t, err)
	assert.InDelta(t, b.HR.Mean(), b.LR.Mean(), 1e-12)
}

func TestBatchesAreDeterministic(t *testing.T) {
	split := testSplit(12, 16, 16)
	opts := Options{Scale: 2, BatchSize: 4, PatchSize: 8, Shuffle: true, Seed: 7, Size: 1}
	g1, err := NewGenerator(split, opts)
	require.NoError(t, err)
	g2, err := NewGenerator(split, opts)
	require.NoError(t, err)

	a, err := g1.Batch(3, 1)
	require.NoError(t, err)
	b, err := g2.Batch(3, 1)
	require.NoError(t, err)
	assert.Equal(t, a.LR.Data, b.LR.Data)
	assert.Equal(t, a.HR.Data, b.HR.Data)

	c, err := g1.Batch(4, 1)
	require.NoError(t, err)
	assert.NotEqual(t, a.HR.Data, c.HR.Data)

	p, err := g1.Pair(0, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Len())
}

func TestSharding(t *testing.T) {
	split := testSplit(10, 8, 8)
	seen := map[int]bool{}
	for rank := 0; rank < 4; rank++ {
		g, err := NewGenerator(split, Options{Scale: 2, BatchSize: 1, Rank: rank, Size: 4})
		require.NoError(t, err)
		assert.Equal(t, 2, g.Len())
		for _, idx := range g.shard {
			assert.False(t, seen[idx], "sample %d assigned twice", idx)
			seen[idx] = true
		}
	}

	_, err := NewGenerator(testSplit(3, 8, 8), Options{Scale: 2, BatchSize: 1, Size: 4})
	assert.True(t, errors.Is(err, errdefs.ErrData))
}

func TestGeneratorValidation(t *testing.T) {
	split := testSplit(4, 8, 8)
	_, err := NewGenerator(split, Options{Scale: 4, BatchSize: 1, PatchSize: 6})
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))

	_, err = NewGenerator(split, Options{Scale: 2, BatchSize: 0})
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))

	_, err = NewGenerator(split, Options{Scale: 2, BatchSize: 1, TimeWindow: 5})
	assert.True(t, errors.Is(err, errdefs.ErrData))

	_, err = NewGenerator(Split{Name: "val"}, Options{Scale: 2, BatchSize: 1})
	assert.True(t, errors.Is(err, errdefs.ErrData))

	_, err = NewGenerator(testSplit(4, 6, 6), Options{Scale: 4, BatchSize: 1})
	assert.True(t, errors.Is(err, errdefs.ErrData))

	bad := testSplit(4, 8, 8)
	bad.Topography = tensor.New(4, 4)
	_, err = NewGenerator(bad, Options{Scale: 2, BatchSize: 1})
	assert.True(t, errors.Is(err, errdefs.ErrData))

	g, err := NewGenerator(split, Options{Scale: 2, BatchSize: 1, PatchSize: 16})
	require.NoError(t, err)
	_, err = g.Batch(0, 0)
	assert.True(t, errors.Is(err, errdefs.ErrData))
}
