package flow

import (
	"math"
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// Meter is the state of one flow module. Not safe for concurrent use.
type Meter struct {
	cfg Config

	hasHz     bool
	latestHz  float64
	hasGpm    bool
	latestGpm float64

	latestTickNs   int64
	latestReportNs int64
	lastPost       time.Time

	flatline *rate.Limiter
}

// NewMeter returns a meter with no readings. The flatline clock starts at
// now.
func NewMeter(cfg Config, now time.Time) *Meter {
	return &Meter{
		cfg:      cfg,
		lastPost: now,
		flatline: rate.NewLimiter(rate.Every(FlatlineInterval), 1),
	}
}

// Config returns the meter setup.
func (m *Meter) Config() Config { return m.cfg }

// ThresholdHz is the change in smoothed frequency that triggers a report.
func (m *Meter) ThresholdHz() float64 {
	return float64(m.cfg.AsyncCaptureThresholdGpmTimes100) / 100 / 60 / m.cfg.ConstantGallonsPerTick
}

func (m *Meter) thresholdGpm() float64 {
	return float64(m.cfg.AsyncCaptureThresholdGpmTimes100) / 100
}

func (m *Meter) gpm(hz float64) float64 {
	return hz * 60 * m.cfg.ConstantGallonsPerTick
}

// Latest returns the last smoothed frequency and flow.
func (m *Meter) Latest() (hz, gpm float64, ok bool) {
	return m.latestHz, m.latestGpm, m.hasHz && m.hasGpm
}

// LatestTickNs is the time of the newest tick seen, or 0.
func (m *Meter) LatestTickNs() int64 { return m.latestTickNs }

// LatestReportNs is the timestamp of the newest emitted reading, or 0.
func (m *Meter) LatestReportNs() int64 { return m.latestReportNs }

func (m *Meter) setLatest(hz float64) {
	m.hasHz, m.latestHz = true, hz
	m.hasGpm, m.latestGpm = true, m.gpm(hz)
}

func (m *Meter) reading(ts int64, hz float64) Reading {
	return Reading{TimestampNs: ts, Hz: hz, Gpm: m.gpm(hz)}
}

// Process ingests one ticklist received at now and returns the readings to
// report, oldest first.
func (m *Meter) Process(tl Ticklist, now time.Time) []Reading {
	m.lastPost = now
	if len(tl.Offsets) == 0 {
		return m.emptyTicklist(now)
	}
	ticks := m.timestamps(tl, now)
	if len(ticks) == 1 {
		return m.singleTick(ticks[0])
	}
	if m.latestTickNs != 0 && m.latestTickNs < ticks[0] {
		ticks = append([]int64{m.latestTickNs}, ticks...)
	}
	ts, hz := m.frequencies(ticks)
	if ticks[len(ticks)-1] > m.latestTickNs {
		m.latestTickNs = ticks[len(ticks)-1]
	}
	if len(ts) == 0 {
		return nil
	}
	var smoothed []float64
	switch m.cfg.Smoothing {
	case Butterworth:
		ts, smoothed = m.butterworth(ts, hz)
	default:
		smoothed = m.ewa(hz)
	}
	return m.emit(ts, smoothed)
}

// timestamps converts offsets to local nanosecond times, correcting for
// the delay between the pico stamping the post and its arrival. The result
// is sorted with duplicates removed.
func (m *Meter) timestamps(tl Ticklist, now time.Time) []int64 {
	delay := now.UnixNano() - tl.PicoBeforePostNs
	ticks := make([]int64, len(tl.Offsets))
	for i, off := range tl.Offsets {
		ticks[i] = tl.FirstTickNs + delay + off*int64(tl.Unit)
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
	out := ticks[:1]
	for _, t := range ticks[1:] {
		if t != out[len(out)-1] {
			out = append(out, t)
		}
	}
	return out
}

// frequencies returns one sample per interval, stamped at the tick that
// opens it. An interval implying MaxHz or more is dropped with its opening
// tick. Gaps longer than NoFlow are filled with zero samples every
// ZeroFlowStep.
func (m *Meter) frequencies(ticks []int64) ([]int64, []float64) {
	ts := make([]int64, 0, len(ticks))
	hz := make([]float64, 0, len(ticks))
	noFlow := int64(m.cfg.NoFlow)
	step := int64(ZeroFlowStep)
	for i := 0; i+1 < len(ticks); i++ {
		start, end := ticks[i], ticks[i+1]
		f := 1e9 / float64(end-start)
		if f >= MaxHz || f < 0 {
			continue
		}
		ts = append(ts, start)
		hz = append(hz, f)
		if noFlow > 0 && end-start > noFlow {
			z := start + noFlow
			for n := 0; z < end && n < MaxZeroSamples; n++ {
				ts = append(ts, z)
				hz = append(hz, 0)
				z += step
			}
		}
	}
	return ts, hz
}

func (m *Meter) ewa(hz []float64) []float64 {
	alpha := m.cfg.ExpAlpha
	out := make([]float64, len(hz))
	s := hz[0]
	if m.hasHz {
		s = (1-alpha)*m.latestHz + alpha*hz[0]
	}
	out[0] = s
	for i := 1; i < len(hz); i++ {
		s = (1-alpha)*s + alpha*hz[i]
		out[i] = s
	}
	return out
}

// butterworth anchors the series at the last known frequency, resamples it
// uniformly at five times its highest frequency, runs a zero-phase
// low-pass and drops the anchor region. Short series pass through.
func (m *Meter) butterworth(ts []int64, hz []float64) ([]int64, []float64) {
	if len(ts) <= MinFilterSamples {
		return ts, hz
	}
	anchor := hz[0]
	if m.hasHz {
		anchor = m.latestHz
	}
	aTs := append([]int64{ts[0] - int64(ZeroFlowStep)}, ts...)
	aHz := append([]float64{anchor}, hz...)

	maxHz := 0.0
	for _, f := range aHz {
		maxHz = math.Max(maxHz, f)
	}
	if maxHz == 0 {
		return ts, hz
	}
	fs := 5 * maxHz
	gridTs, gridHz := resample(aTs, aHz, int64(1e9/fs))
	if m.cfg.CutoffHz < fs/2 {
		b, a := butter(ButterworthOrder, m.cfg.CutoffHz, fs)
		gridHz = filtfilt(b, a, gridHz)
	}
	start := sort.Search(len(gridTs), func(i int) bool { return gridTs[i] >= ts[0] })
	return gridTs[start:], gridHz[start:]
}

// emit keeps the samples that moved more than the threshold away from the
// last report. The very first sample of a meter is always kept.
func (m *Meter) emit(ts []int64, smoothed []float64) []Reading {
	threshold := m.ThresholdHz()
	last, has := m.latestHz, m.hasHz
	var out []Reading
	for i, s := range smoothed {
		if !has || math.Abs(s-last) > threshold {
			out = append(out, m.reading(ts[i], s))
			last, has = s, true
			m.latestReportNs = max(m.latestReportNs, ts[i])
		}
	}
	m.setLatest(smoothed[len(smoothed)-1])
	return out
}

// emptyTicklist reports zero flow once, just after the last tick, unless
// flow is already known to be about zero.
func (m *Meter) emptyTicklist(now time.Time) []Reading {
	if m.hasGpm && m.latestGpm <= m.thresholdGpm() {
		return nil
	}
	ts := now.UnixNano()
	if m.latestTickNs != 0 {
		ts = m.latestTickNs + int64(ZeroAfterLastTick)
	}
	m.setLatest(0)
	m.latestReportNs = ts
	return []Reading{m.reading(ts, 0)}
}

// singleTick reports the frequency implied by the previous tick followed
// immediately by zero, since one tick says flow has stopped.
func (m *Meter) singleTick(t int64) []Reading {
	prev := m.latestTickNs
	if t > m.latestTickNs {
		m.latestTickNs = t
	}
	if prev == 0 || t <= prev {
		return nil
	}
	hz := 1e9 / float64(t-prev)
	if hz >= MaxHz {
		return nil
	}
	zeroTs := t + int64(ZeroFlowStep)
	m.setLatest(0)
	m.latestReportNs = zeroTs
	return []Reading{m.reading(t, hz), m.reading(zeroTs, 0)}
}

// Sync returns the last known reading stamped now, for the periodic
// capture.
func (m *Meter) Sync(now time.Time) (Reading, bool) {
	if !m.hasGpm {
		return Reading{}, false
	}
	return Reading{TimestampNs: now.UnixNano(), Hz: m.latestHz, Gpm: m.latestGpm}, true
}

// CheckFlatline clears the readings when no ticklist has arrived for
// FlatlineAfter. It reports true when a problem should be raised, at most
// once per FlatlineInterval.
func (m *Meter) CheckFlatline(now time.Time) bool {
	if m.cfg.FlatlineAfter <= 0 || now.Sub(m.lastPost) <= m.cfg.FlatlineAfter {
		return false
	}
	m.hasHz, m.hasGpm = false, false
	m.latestHz, m.latestGpm = 0, 0
	return m.flatline.AllowN(now, 1)
}
