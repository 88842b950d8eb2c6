package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReshapeSharesData(t *testing.T) {
	x := New(2, 3, 4, 1)
	y, err := x.Reshape(6, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 4}, y.Shape)

	y.Data[5] = 7
	assert.Equal(t, 7.0, x.Data[5])

	_, err = x.Reshape(5, -1)
	assert.Error(t, err)
	_, err = x.Reshape(-1, -1)
	assert.Error(t, err)
}

func TestFromDataValidatesLength(t *testing.T) {
	_, err := FromData(make([]float64, 5), 2, 3)
	assert.Error(t, err)

	x, err := FromData([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 3.5, x.Mean())
	assert.Equal(t, 21.0, x.Sum())
}

func TestConcatAndSplitChannels(t *testing.T) {
	a := Full(1, 2, 2, 2, 1)
	b := Full(2, 2, 2, 2, 3)

	c, err := ConcatChannels(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2, 4}, c.Shape)
	assert.Equal(t, []float64{1, 2, 2, 2}, c.Data[:4])

	parts, err := SplitChannels(c, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, a.Data, parts[0].Data)
	assert.Equal(t, b.Data, parts[1].Data)

	_, err = SplitChannels(c, 1, 1)
	assert.Error(t, err)

	_, err = ConcatChannels(a, Full(0, 2, 3, 2, 1))
	assert.Error(t, err)
}

func TestStackAndSample(t *testing.T) {
	a := Full(1, 1, 2, 2, 1)
	b := Full(2, 2, 2, 2, 1)

	s, err := Stack([]*Tensor{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 2, 1}, s.Shape)
	assert.Equal(t, 4, s.SampleSize())
	assert.Equal(t, 2.0, s.Sample(2).Mean())
	assert.Equal(t, []int{1, 2, 2, 1}, s.Sample(0).Shape)
}

func TestIsFinite(t *testing.T) {
	x := Full(1, 3)
	assert.True(t, x.IsFinite())
	x.Data[1] = math.NaN()
	assert.False(t, x.IsFinite())
	x.Data[1] = math.Inf(-1)
	assert.False(t, x.IsFinite())
}

func TestSub(t *testing.T) {
	a, _ := FromData([]float64{3, 4}, 2)
	b, _ := FromData([]float64{1, 1}, 2)
	d, err := Sub(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3}, d.Data)

	require.NoError(t, d.AddInPlace(b))
	assert.Equal(t, []float64{3, 4}, d.Data)
	assert.Equal(t, []float64{6, 8}, d.Scale(2).Data)
}
