package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-downscale/tensor"
)

func randomTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.Float64()*2 - 1
	}
	return t
}

// weightedSum evaluates sum(layer(x) * r) without recording.
func weightedSum(t *testing.T, l Layer, x, r *tensor.Tensor) float64 {
	y, err := l.Forward(nil, x)
	require.NoError(t, err)
	s := 0.0
	for i, v := range y.Data {
		s += v * r.Data[i]
	}
	return s
}

// checkGradients compares tape gradients against central differences.
func checkGradients(t *testing.T, l Layer, x *tensor.Tensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))

	tape := NewTape()
	y, err := l.Forward(tape, x)
	require.NoError(t, err)
	r := randomTensor(rng, y.Shape...)

	grads, dx, err := tape.Gradient(r)
	require.NoError(t, err)
	require.Equal(t, x.Shape, dx.Shape)

	const eps = 1e-6
	for _, i := range []int{0, len(x.Data) / 2, len(x.Data) - 1} {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		plus := weightedSum(t, l, x, r)
		x.Data[i] = orig - eps
		minus := weightedSum(t, l, x, r)
		x.Data[i] = orig
		numeric := (plus - minus) / (2 * eps)
		assert.InDelta(t, numeric, dx.Data[i], 1e-5*math.Max(1, math.Abs(numeric)), "input grad %d", i)
	}

	for _, p := range l.Params() {
		g, ok := grads[p]
		require.True(t, ok, "missing gradient for %s", p.Name)
		for _, i := range []int{0, len(p.Value) - 1} {
			orig := p.Value[i]
			p.Value[i] = orig + eps
			plus := weightedSum(t, l, x, r)
			p.Value[i] = orig - eps
			minus := weightedSum(t, l, x, r)
			p.Value[i] = orig
			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, g[i], 1e-5*math.Max(1, math.Abs(numeric)), "%s grad %d", p.Name, i)
		}
	}
}

func TestConv2DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	conv := NewConv2D("conv", 2, 3, 3, rng)
	checkGradients(t, conv, randomTensor(rng, 2, 4, 5, 2))
}

func TestConv2DRejectsChannelMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	conv := NewConv2D("conv", 2, 3, 3, rng)
	_, err := conv.Forward(nil, tensor.New(1, 4, 4, 3))
	assert.Error(t, err)
}

func TestResidualBlockGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	block := NewResidualBlock("res", 2, rng)
	checkGradients(t, block, randomTensor(rng, 1, 3, 3, 2))
	assert.Len(t, block.Params(), 4)
}

func TestPixelShuffle(t *testing.T) {
	ps := NewPixelShuffle("ps", 2)
	x := tensor.New(1, 1, 1, 4)
	copy(x.Data, []float64{1, 2, 3, 4})

	y, err := ps.Forward(nil, x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 1}, y.Shape)
	assert.Equal(t, []float64{1, 2, 3, 4}, y.Data)

	rng := rand.New(rand.NewSource(3))
	checkGradients(t, ps, randomTensor(rng, 2, 2, 3, 8))

	_, err = ps.Forward(nil, tensor.New(1, 2, 2, 3))
	assert.Error(t, err)
}

func TestUpsampleNearest(t *testing.T) {
	up := NewUpsampleNearest("up", 2)
	x := tensor.New(1, 1, 2, 1)
	copy(x.Data, []float64{1, 2})
	y, err := up.Forward(nil, x)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 2, 2, 1, 1, 2, 2}, y.Data)

	rng := rand.New(rand.NewSource(4))
	checkGradients(t, up, randomTensor(rng, 2, 2, 3, 2))
}

func TestTemporalLayersGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	td := NewTimeDistributed("td", NewConv2D("td.conv", 2, 3, 3, rng))
	seq := NewSequential("temporal", td, NewTemporalMean("mean"))
	checkGradients(t, seq, randomTensor(rng, 2, 3, 3, 3, 2))

	_, err := td.Forward(nil, tensor.New(1, 3, 3, 2))
	assert.Error(t, err)
}

func TestDenseAndPoolGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	seq := NewSequential("head",
		NewConv2D("conv", 2, 4, 3, rng),
		NewLeakyReLU("lrelu", 0.2),
		NewGlobalAvgPool("pool"),
		NewDense("dense", 4, 1, rng),
	)
	checkGradients(t, seq, randomTensor(rng, 3, 4, 4, 2))
	assert.Equal(t, int64(2*4*9+4+4+1), CountParams(seq.Params()))
}

func TestTapeIsolation(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	a := NewConv2D("a", 1, 1, 3, rng)
	b := NewConv2D("b", 1, 1, 3, rng)
	x := randomTensor(rng, 1, 3, 3, 1)

	tapeA, tapeB := NewTape(), NewTape()
	ya, err := a.Forward(tapeA, x)
	require.NoError(t, err)
	_, err = b.Forward(tapeB, ya)
	require.NoError(t, err)

	grads, _, err := tapeA.Gradient(tensor.Full(1, ya.Shape...))
	require.NoError(t, err)
	assert.Contains(t, grads, a.Weight)
	assert.NotContains(t, grads, b.Weight)

	restricted := grads.Restrict(b.Params())
	assert.Empty(t, restricted)
}

func TestInferenceModeRecordsNothing(t *testing.T) {
	var tape *Tape
	assert.False(t, tape.Recording())
	assert.Equal(t, 0, tape.Len())
	_, err := tape.BackwardInto(tensor.New(1), Gradients{})
	assert.Error(t, err)
}

func TestModelSpecSummary(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	conv := NewConv2D("conv1", 1, 2, 3, rng)
	spec := ModelSpec{Name: "demo", Layers: []LayerSpec{conv.Spec()}, TotalParameters: CountParams(conv.Params())}
	s := spec.Summary()
	assert.Contains(t, s, "conv1")
	assert.Contains(t, s, "Conv2D")
	assert.Contains(t, s, "Total parameters: 20")
}
