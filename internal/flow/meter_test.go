package flow

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegridelectric/gwproactor/internal/layout"
)

var t0 = time.Unix(1_700_000_000, 0)

func reedConfig(smoothing Smoothing) Config {
	return ConfigFrom(Reed, layout.FlowConfig{
		ConstantGallonsPerTick:           0.0002,
		AsyncCaptureThresholdGpmTimes100: 10,
		CapturePeriodS:                   60,
		PublishAnyTicklistAfterS:         10,
		Smoothing:                        string(smoothing),
	})
}

// evenReed builds n reed ticks spaced periodMs apart, posted at now.
func evenReed(n int, periodMs int64, now time.Time) Ticklist {
	offsets := make([]int64, n)
	for i := range offsets {
		offsets[i] = int64(i) * periodMs
	}
	last := now.UnixNano()
	return (&TicklistReed{
		HwUID:                             "pico_d5b3c2",
		FirstTickTimestampNanoSecond:      last - offsets[n-1]*int64(time.Millisecond),
		RelativeMillisecondList:           offsets,
		PicoBeforePostTimestampNanoSecond: last,
	}).Ticklist()
}

func TestReedThresholdEmission(t *testing.T) {
	for _, smoothing := range []Smoothing{EWA, Butterworth} {
		t.Run(string(smoothing), func(t *testing.T) {
			m := NewMeter(reedConfig(smoothing), t0)
			out := m.Process(evenReed(30, 500, t0), t0)

			require.Len(t, out, 1, "steady 2 Hz stays inside the threshold after the first report")
			assert.InDelta(t, 2.0, out[0].Hz, 1e-6)

			hz, gpm, ok := m.Latest()
			require.True(t, ok)
			assert.InDelta(t, 2.0, hz, 1e-6)
			assert.InDelta(t, 0.024, gpm, 1e-9)
			assert.Equal(t, int64(2), Reading{Gpm: gpm}.GpmTimes100())
		})
	}
}

func TestThresholdHz(t *testing.T) {
	m := NewMeter(reedConfig(EWA), t0)
	assert.InDelta(t, 0.1/60/0.0002, m.ThresholdHz(), 1e-9)
}

func TestFlowChangeIsReported(t *testing.T) {
	m := NewMeter(reedConfig(EWA), t0)
	m.Process(evenReed(10, 500, t0), t0)

	// 20 Hz is far outside the ~8.3 Hz threshold.
	later := t0.Add(10 * time.Second)
	out := m.Process(evenReed(10, 50, later), later)
	require.NotEmpty(t, out)
	assert.Greater(t, out[0].Hz, 2+m.ThresholdHz())
}

func TestEmptyTicklistReportsZeroOnce(t *testing.T) {
	m := NewMeter(reedConfig(EWA), t0)
	m.Process(evenReed(30, 50, t0), t0)
	_, gpm, ok := m.Latest()
	require.True(t, ok)
	require.Greater(t, gpm, 0.1)
	lastTick := m.LatestTickNs()

	empty := Ticklist{Unit: time.Millisecond}
	var zeros []Reading
	for i := 1; i <= 6; i++ {
		now := t0.Add(time.Duration(i) * 10 * time.Second)
		zeros = append(zeros, m.Process(empty, now)...)
	}
	require.Len(t, zeros, 1)
	assert.Zero(t, zeros[0].Hz)
	assert.Equal(t, lastTick+int64(ZeroAfterLastTick), zeros[0].TimestampNs)

	r, ok := m.Sync(t0.Add(time.Minute))
	require.True(t, ok)
	assert.Zero(t, r.GpmTimes100())
}

func TestEmptyTicklistWithoutHistory(t *testing.T) {
	m := NewMeter(reedConfig(EWA), t0)
	out := m.Process(Ticklist{Unit: time.Millisecond}, t0)
	require.Len(t, out, 1)
	assert.Equal(t, t0.UnixNano(), out[0].TimestampNs)
	assert.Empty(t, m.Process(Ticklist{Unit: time.Millisecond}, t0.Add(time.Second)))
}

func TestSingleTickReportsThenZero(t *testing.T) {
	m := NewMeter(reedConfig(EWA), t0)
	assert.Empty(t, m.Process(evenReed(1, 0, t0), t0), "a first lone tick has nothing to measure against")

	now := t0.Add(time.Second)
	out := m.Process(evenReed(1, 0, now), now)
	require.Len(t, out, 2)
	assert.InDelta(t, 1.0, out[0].Hz, 1e-9)
	assert.Zero(t, out[1].Hz)
	assert.Equal(t, out[0].TimestampNs+int64(ZeroFlowStep), out[1].TimestampNs)
}

func TestFrequenciesStampOpeningTick(t *testing.T) {
	m := NewMeter(reedConfig(EWA), t0)
	ms := int64(time.Millisecond)

	// 500 to 501 is a bounce (1000 Hz); only its opening tick goes.
	ts, hz := m.frequencies([]int64{0, 500 * ms, 501 * ms, 1000 * ms, 1500 * ms})
	assert.Equal(t, []int64{0, 501 * ms, 1000 * ms}, ts)
	require.Len(t, hz, 3)
	assert.InDelta(t, 2.0, hz[0], 1e-9)
	assert.InDelta(t, 1000.0/499, hz[1], 1e-9)
	assert.InDelta(t, 2.0, hz[2], 1e-9)
}

func TestFrequenciesDropBounceAndFillGaps(t *testing.T) {
	cfg := reedConfig(EWA)
	cfg.NoFlow = time.Second
	m := NewMeter(cfg, t0)
	ms := int64(time.Millisecond)

	// 0 to 1ms is a bounce; the gap from 500 to 2000 exceeds NoFlow and is
	// padded from 1500 in 10ms steps.
	ts, hz := m.frequencies([]int64{0, 1 * ms, 500 * ms, 2000 * ms})
	require.Len(t, ts, 52)
	assert.Equal(t, 1*ms, ts[0])
	assert.InDelta(t, 1000.0/499, hz[0], 1e-9)
	assert.Equal(t, 500*ms, ts[1])
	assert.InDelta(t, 1/1.5, hz[1], 1e-9)

	for i := 2; i < len(ts); i++ {
		assert.Zero(t, hz[i])
	}
	assert.Equal(t, 1500*ms, ts[2])
	assert.Equal(t, 1990*ms, ts[len(ts)-1])
}

func TestZeroFillIsCapped(t *testing.T) {
	cfg := reedConfig(EWA)
	cfg.NoFlow = 100 * time.Millisecond
	m := NewMeter(cfg, t0)
	ts, _ := m.frequencies([]int64{0, int64(time.Minute)})
	assert.Len(t, ts, MaxZeroSamples+1)
}

func TestTimestampsCorrectDelayAndDedupe(t *testing.T) {
	m := NewMeter(reedConfig(EWA), t0)
	tl := Ticklist{
		FirstTickNs:      1_000,
		Offsets:          []int64{3, 1, 1, 2},
		Unit:             time.Millisecond,
		PicoBeforePostNs: t0.UnixNano() - int64(5*time.Millisecond),
	}
	got := m.timestamps(tl, t0)
	delay := int64(5 * time.Millisecond)
	ms := int64(time.Millisecond)
	assert.Equal(t, []int64{1_000 + delay + ms, 1_000 + delay + 2*ms, 1_000 + delay + 3*ms}, got)
}

func TestFlatline(t *testing.T) {
	m := NewMeter(reedConfig(EWA), t0)
	m.Process(evenReed(10, 500, t0), t0)
	require.Equal(t, 25*time.Second, m.Config().FlatlineAfter)

	assert.False(t, m.CheckFlatline(t0.Add(20*time.Second)))
	_, _, ok := m.Latest()
	assert.True(t, ok)

	assert.True(t, m.CheckFlatline(t0.Add(30*time.Second)))
	_, _, ok = m.Latest()
	assert.False(t, ok, "a flatlined meter forgets its readings")
	_, ok = m.Sync(t0.Add(30 * time.Second))
	assert.False(t, ok)

	assert.False(t, m.CheckFlatline(t0.Add(60*time.Second)), "at most one problem per minute")
	assert.True(t, m.CheckFlatline(t0.Add(91*time.Second)))
}

func TestReportedUnits(t *testing.T) {
	r := Reading{Hz: 2.5, Gpm: 0.0315}
	assert.Equal(t, int64(2_500_000), r.MicroHz())
	assert.Equal(t, int64(3), r.GpmTimes100())
}

func TestReedParamsDefaults(t *testing.T) {
	cfg := layout.FlowConfig{HwUID: "pico_1", PublishAnyTicklistAfterS: 10}
	p := ReedParams{ActorNodeName: "dist-flow"}.WithDefaults(cfg)
	assert.Equal(t, "pico_1", p.HwUID)
	assert.Equal(t, 10, p.PublishAnyTicklistAfterS)
	assert.Equal(t, DefaultDeadbandMs, p.DeadbandMilliseconds)

	kept := ReedParams{HwUID: "pico_2", DeadbandMilliseconds: 3}.WithDefaults(cfg)
	assert.Equal(t, "pico_2", kept.HwUID)
	assert.Equal(t, 3, kept.DeadbandMilliseconds)
}

func TestConfigFromDefaults(t *testing.T) {
	hall := ConfigFrom(Hall, layout.FlowConfig{PublishEmptyTicklistAfterS: 4})
	assert.Equal(t, EWA, hall.Smoothing)
	assert.Equal(t, DefaultHallNoFlow, hall.NoFlow)
	assert.Equal(t, 10*time.Second, hall.FlatlineAfter)
	assert.False(t, math.IsNaN(hall.ExpAlpha))
}
