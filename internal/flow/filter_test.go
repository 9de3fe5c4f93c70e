package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestButterSecondOrderCoefficients(t *testing.T) {
	// Cutoff at 0.2 of Nyquist.
	b, a := butter(2, 1, 10)
	require.Len(t, b, 3)
	require.Len(t, a, 3)
	for i, want := range []float64{0.0674553, 0.1349105, 0.0674553} {
		assert.InDelta(t, want, b[i], 1e-6)
	}
	for i, want := range []float64{1, -1.1429805, 0.4128016} {
		assert.InDelta(t, want, a[i], 1e-6)
	}
}

func TestButterUnitDCGain(t *testing.T) {
	b, a := butter(ButterworthOrder, 1.25, 50)
	var sb, sa float64
	for i := range b {
		sb += b[i]
		sa += a[i]
	}
	assert.InDelta(t, 1.0, sb/sa, 1e-9)
}

func TestFiltfiltKeepsConstant(t *testing.T) {
	b, a := butter(ButterworthOrder, 1.25, 10)
	x := make([]float64, 100)
	for i := range x {
		x[i] = 2
	}
	y := filtfilt(b, a, x)
	require.Len(t, y, len(x))
	for _, v := range y {
		assert.InDelta(t, 2.0, v, 1e-9)
	}
}

func TestFiltfiltSmoothsStep(t *testing.T) {
	b, a := butter(ButterworthOrder, 1, 50)
	x := make([]float64, 400)
	for i := 200; i < len(x); i++ {
		x[i] = 10
	}
	y := filtfilt(b, a, x)
	assert.InDelta(t, 0, y[20], 0.05)
	assert.InDelta(t, 10, y[380], 0.05)
	assert.InDelta(t, 5, y[200], 1.5, "zero phase centres the step")
	assert.Less(t, y[195], 5.0)
	assert.Greater(t, y[205], 5.0)
}

func TestFiltfiltShortInputPassesThrough(t *testing.T) {
	b, a := butter(ButterworthOrder, 1, 10)
	x := []float64{1, 5, 2}
	assert.Equal(t, x, filtfilt(b, a, x))
}

func TestResample(t *testing.T) {
	ts, v := resample([]int64{0, 10, 30}, []float64{0, 10, 30}, 5)
	assert.Equal(t, []int64{0, 5, 10, 15, 20, 25, 30}, ts)
	assert.Equal(t, []float64{0, 5, 10, 15, 20, 25, 30}, v)
}
