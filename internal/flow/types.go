// Package flow turns batches of pulse timestamps from hall-effect and reed
// flow sensors into smoothed frequency and gallons-per-minute readings.
package flow

import (
	"time"

	"github.com/thegridelectric/gwproactor/internal/layout"
)

// Kind is the sensor technology behind a flow module.
type Kind string

const (
	Hall Kind = "hall"
	Reed Kind = "reed"
)

// Smoothing selects how raw frequencies are filtered.
type Smoothing string

const (
	EWA         Smoothing = "ewa"
	Butterworth Smoothing = "butterworth"
)

// Limits and fixed intervals of the tick pipeline.
const (
	MaxHz             = 500.0
	ZeroFlowStep      = 10 * time.Millisecond
	MaxZeroSamples    = 500
	ButterworthOrder  = 5
	MinFilterSamples  = 20
	ZeroAfterLastTick = 100 * time.Millisecond
	FlatlineInterval  = 60 * time.Second
	flatlineFactor    = 2.5
)

// TicklistHall is posted by a hall-effect pico. Offsets are microseconds.
type TicklistHall struct {
	HwUID                             string  `json:"HwUid"`
	FirstTickTimestampNanoSecond      int64   `json:"FirstTickTimestampNanoSecond"`
	RelativeMicrosecondList           []int64 `json:"RelativeMicrosecondList"`
	PicoBeforePostTimestampNanoSecond int64   `json:"PicoBeforePostTimestampNanoSecond"`
}

func (*TicklistHall) TypeName() string { return "ticklist.hall" }

// Ticklist returns the batch in its unit-independent form.
func (t *TicklistHall) Ticklist() Ticklist {
	return Ticklist{
		HwUID:            t.HwUID,
		FirstTickNs:      t.FirstTickTimestampNanoSecond,
		Offsets:          t.RelativeMicrosecondList,
		Unit:             time.Microsecond,
		PicoBeforePostNs: t.PicoBeforePostTimestampNanoSecond,
	}
}

// TicklistReed is posted by a reed-switch pico. Offsets are milliseconds.
type TicklistReed struct {
	HwUID                             string  `json:"HwUid"`
	FirstTickTimestampNanoSecond      int64   `json:"FirstTickTimestampNanoSecond"`
	RelativeMillisecondList           []int64 `json:"RelativeMillisecondList"`
	PicoBeforePostTimestampNanoSecond int64   `json:"PicoBeforePostTimestampNanoSecond"`
}

func (*TicklistReed) TypeName() string { return "ticklist.reed" }

// Ticklist returns the batch in its unit-independent form.
func (t *TicklistReed) Ticklist() Ticklist {
	return Ticklist{
		HwUID:            t.HwUID,
		FirstTickNs:      t.FirstTickTimestampNanoSecond,
		Offsets:          t.RelativeMillisecondList,
		Unit:             time.Millisecond,
		PicoBeforePostNs: t.PicoBeforePostTimestampNanoSecond,
	}
}

// Ticklist is an immutable batch of ticks. Tick i happened at
// FirstTickNs + Offsets[i]*Unit on the pico's clock.
type Ticklist struct {
	HwUID            string
	FirstTickNs      int64
	Offsets          []int64
	Unit             time.Duration
	PicoBeforePostNs int64
}

// HallParams is exchanged with a hall pico when it boots.
type HallParams struct {
	HwUID                      string `json:"HwUid"`
	ActorNodeName              string `json:"ActorNodeName"`
	FlowNodeName               string `json:"FlowNodeName"`
	PublishEmptyTicklistAfterS int    `json:"PublishEmptyTicklistAfterS"`
}

func (*HallParams) TypeName() string { return "flow.hall.params" }

// ReedParams is exchanged with a reed pico when it boots. The server may
// fill in its own defaults before answering.
type ReedParams struct {
	HwUID                    string `json:"HwUid"`
	ActorNodeName            string `json:"ActorNodeName"`
	FlowNodeName             string `json:"FlowNodeName"`
	PublishAnyTicklistAfterS int    `json:"PublishAnyTicklistAfterS"`
	DeadbandMilliseconds     int    `json:"DeadbandMilliseconds"`
}

func (*ReedParams) TypeName() string { return "flow.reed.params" }

// DefaultDeadbandMs is the reed debounce the server hands out when the
// pico asks for none.
const DefaultDeadbandMs = 10

// WithDefaults fills the zero fields of p from cfg.
func (p ReedParams) WithDefaults(cfg layout.FlowConfig) ReedParams {
	if p.PublishAnyTicklistAfterS == 0 {
		p.PublishAnyTicklistAfterS = cfg.PublishAnyTicklistAfterS
	}
	if p.DeadbandMilliseconds == 0 {
		p.DeadbandMilliseconds = DefaultDeadbandMs
	}
	if p.HwUID == "" {
		p.HwUID = cfg.HwUID
	}
	return p
}

// Reading is one point of the smoothed output.
type Reading struct {
	TimestampNs int64
	Hz          float64
	Gpm         float64
}

// MicroHz is the reported form of the frequency.
func (r Reading) MicroHz() int64 { return int64(r.Hz * 1e6) }

// GpmTimes100 is the reported form of the flow.
func (r Reading) GpmTimes100() int64 { return int64(r.Gpm * 100) }

// Config is the per-module meter setup.
type Config struct {
	Kind                             Kind
	ConstantGallonsPerTick           float64
	AsyncCaptureThresholdGpmTimes100 int
	CapturePeriod                    time.Duration
	NoFlow                           time.Duration
	Smoothing                        Smoothing
	ExpAlpha                         float64
	CutoffHz                         float64
	SendHz                           bool

	// FlatlineAfter is how long without a post before the readings are
	// considered stale. Zero disables flatline detection.
	FlatlineAfter time.Duration
}

// Defaults used when the layout leaves a field empty.
const (
	DefaultExpAlpha      = 0.5
	DefaultCutoffHz      = 1.25
	DefaultCapturePeriod = 60 * time.Second
	DefaultHallNoFlow    = 250 * time.Millisecond
	DefaultReedNoFlow    = 3 * time.Second
)

// ConfigFrom builds a meter config from a layout component.
func ConfigFrom(kind Kind, c layout.FlowConfig) Config {
	cfg := Config{
		Kind:                             kind,
		ConstantGallonsPerTick:           c.ConstantGallonsPerTick,
		AsyncCaptureThresholdGpmTimes100: c.AsyncCaptureThresholdGpmTimes100,
		CapturePeriod:                    time.Duration(c.CapturePeriodS) * time.Second,
		NoFlow:                           time.Duration(c.NoFlowMs) * time.Millisecond,
		Smoothing:                        Smoothing(c.Smoothing),
		ExpAlpha:                         c.ExpAlpha,
		CutoffHz:                         c.CutoffFrequency,
		SendHz:                           c.SendHz,
	}
	switch kind {
	case Hall:
		cfg.FlatlineAfter = time.Duration(float64(c.PublishEmptyTicklistAfterS) * flatlineFactor * float64(time.Second))
		if cfg.NoFlow == 0 {
			cfg.NoFlow = DefaultHallNoFlow
		}
	case Reed:
		cfg.FlatlineAfter = time.Duration(float64(c.PublishAnyTicklistAfterS) * flatlineFactor * float64(time.Second))
		if cfg.NoFlow == 0 {
			cfg.NoFlow = DefaultReedNoFlow
		}
	}
	if cfg.Smoothing == "" {
		cfg.Smoothing = EWA
	}
	if cfg.ExpAlpha == 0 {
		cfg.ExpAlpha = DefaultExpAlpha
	}
	if cfg.CutoffHz == 0 {
		cfg.CutoffHz = DefaultCutoffHz
	}
	if cfg.CapturePeriod == 0 {
		cfg.CapturePeriod = DefaultCapturePeriod
	}
	return cfg
}
