package resample_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/rtaudiod/resample"
)

func TestRawReadWriteRoundTrip(t *testing.T) {
	ch := resample.NewChannel(64, resample.QualityLinear)

	src := []float32{0.1, 0.2, 0.3, 0.4}
	n := ch.Write(src)
	require.Equal(t, 4, n)

	dst := make([]float32, 4)
	n = ch.Read(dst)
	require.Equal(t, 4, n)
	assert.Equal(t, src, dst)
}

func TestReadResampleUnityRatio(t *testing.T) {
	ch := resample.NewChannel(256, resample.QualityLinear)
	ch.SetRatio(1.0)

	src := make([]float32, 100)
	for i := range src {
		src[i] = float32(i)
	}
	require.Equal(t, len(src), ch.Write(src))

	dst := make([]float32, 50)
	n := ch.ReadResample(dst)
	assert.Equal(t, 50, n)
	// At unity ratio the values should track the input closely.
	assert.InDelta(t, 0, dst[0], 1.0)
}

func TestWriteResampleUpsamples(t *testing.T) {
	ch := resample.NewChannel(1024, resample.QualityLinear)
	ch.SetRatio(2.0) // produce ~2x samples

	src := make([]float32, 10)
	for i := range src {
		src[i] = float32(i)
	}
	written := ch.WriteResample(src)
	assert.Greater(t, written, len(src))
	assert.LessOrEqual(t, ch.ReadSpace(), ch.Capacity())
}

func TestHardAdjust(t *testing.T) {
	ch := resample.NewChannel(64, resample.QualityCubic)
	ch.HardAdjustWrite(10)
	assert.Equal(t, 10, ch.WriteSpace())

	ch.HardAdjustRead(5)
	assert.Equal(t, 5, ch.ReadSpace())
}
