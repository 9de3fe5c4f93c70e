package scada

import (
	"fmt"
	"time"

	"github.com/thegridelectric/gwproactor/internal/cmdtree"
	"github.com/thegridelectric/gwproactor/internal/flow"
	"github.com/thegridelectric/gwproactor/internal/layout"
	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/proactor"
	"github.com/thegridelectric/gwproactor/internal/problems"
	"github.com/thegridelectric/gwproactor/internal/status"
)

// flowTickPeriod is how often a flow module checks for capture and
// flatline.
const flowTickPeriod = time.Second

// FlowModule turns the ticklists one pico posts into flow readings.
type FlowModule struct {
	ticker
	cfg        layout.FlowConfig
	meter      *flow.Meter
	hwUID      string
	lastSyncAt time.Time
	listeners  []string
	tracker    *status.Tracker
}

// FlowOptions configure a FlowModule.
type FlowOptions struct {
	// Listeners get a copy of every batch of readings.
	Listeners []string
	Tracker   *status.Tracker
}

// NewFlowModule builds the actor for a FlowHall or FlowReed node.
func NewFlowModule(svc proactor.Services, l *layout.Layout, name string, opts FlowOptions) (*FlowModule, error) {
	node, ok := l.Node(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", layout.ErrUnknownNode, name)
	}
	var kind flow.Kind
	switch node.ActorClass {
	case layout.ClassFlowHall:
		kind = flow.Hall
	case layout.ClassFlowReed:
		kind = flow.Reed
	default:
		return nil, fmt.Errorf("%w: %s is a %s, not a flow module", layout.ErrInvalidLayout, name, node.ActorClass)
	}
	comp, ok := l.Component(name)
	if !ok || comp.Flow == nil {
		return nil, fmt.Errorf("%w: %s has no flow component", layout.ErrInvalidLayout, name)
	}
	now := svc.Now()
	return &FlowModule{
		ticker:     newTicker(svc, name, flowTickPeriod),
		cfg:        *comp.Flow,
		meter:      flow.NewMeter(flow.ConfigFrom(kind, *comp.Flow), now),
		hwUID:      comp.Flow.HwUID,
		lastSyncAt: now,
		listeners:  opts.Listeners,
		tracker:    opts.Tracker,
	}, nil
}

func (f *FlowModule) Name() string { return f.name }

// Meter exposes the module's meter to tests and the status page. Dispatch
// loop only.
func (f *FlowModule) Meter() *flow.Meter { return f.meter }

func (f *FlowModule) MonitoredNames() []proactor.MonitoredName {
	return []proactor.MonitoredName{{Name: f.name, Timeout: 10 * flowTickPeriod}}
}

func (f *FlowModule) ProcessMessage(m *message.Message) error {
	switch pl := m.Payload.(type) {
	case *flow.TicklistHall:
		return f.ticklist(pl.HwUID, pl.Ticklist())
	case *flow.TicklistReed:
		return f.ticklist(pl.HwUID, pl.Ticklist())
	case *flow.HallParams:
		return f.params(pl.HwUID)
	case *flow.ReedParams:
		return f.params(pl.HwUID)
	case *cmdtree.NewCommandTree:
		return nil
	case *tick:
		f.tick()
		return nil
	}
	return problems.New(0).AddWarning(fmt.Errorf("%s: unexpected %s", f.name, m.Header.MessageType))
}

// params records the pico that answered. A pico other than the one in the
// layout is accepted but reported.
func (f *FlowModule) params(hwUID string) error {
	if hwUID != "" && f.cfg.HwUID != "" && hwUID != f.cfg.HwUID {
		f.svc.ReportProblem(message.ProblemWarning, f.name+" pico mismatch",
			fmt.Sprintf("layout has %s, params came from %s", f.cfg.HwUID, hwUID))
	}
	if hwUID != "" {
		f.hwUID = hwUID
	}
	return nil
}

func (f *FlowModule) ticklist(hwUID string, tl flow.Ticklist) error {
	if hwUID != "" && hwUID != f.hwUID {
		return problems.New(0).AddWarning(fmt.Errorf("%s: ticklist from unknown pico %s", f.name, hwUID))
	}
	readings := f.meter.Process(tl, f.svc.Now())
	return f.publish(readings)
}

func (f *FlowModule) publish(readings []flow.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	gpm := &ChannelReadings{ChannelName: f.cfg.GpmChannel}
	var hz *ChannelReadings
	if f.cfg.SendHz && f.cfg.HzChannel != "" {
		hz = &ChannelReadings{ChannelName: f.cfg.HzChannel}
	}
	for _, r := range readings {
		ms := r.TimestampNs / int64(time.Millisecond)
		gpm.Add(r.GpmTimes100(), ms)
		if hz != nil {
			hz.Add(r.MicroHz(), ms)
		}
	}
	probs := problems.New(0)
	for _, batch := range []*ChannelReadings{gpm, hz} {
		if batch == nil {
			continue
		}
		f.share(batch)
		probs.Add(f.svc.GenerateEvent(batch))
	}
	return probs.ErrorOrNil()
}

func (f *FlowModule) share(batch *ChannelReadings) {
	if v, ms, ok := batch.Latest(); ok && f.tracker != nil {
		f.tracker.SetReading(batch.ChannelName, v, ms)
	}
	for _, name := range f.listeners {
		cp := *batch
		f.svc.Send(message.New(f.name, name, &cp))
	}
}

func (f *FlowModule) tick() {
	f.pat()
	now := f.svc.Now()
	if f.meter.CheckFlatline(now) {
		f.svc.Logger().Warn("flow flatline", "node", f.name, "pico", f.hwUID)
		f.svc.ReportProblem(message.ProblemWarning, f.name+" flatline",
			fmt.Sprintf("no ticklist from %s for %s", f.hwUID, f.meter.Config().FlatlineAfter))
	}
	if now.Sub(f.lastSyncAt) < f.meter.Config().CapturePeriod {
		return
	}
	f.lastSyncAt = now
	if r, ok := f.meter.Sync(now); ok {
		if err := f.publish([]flow.Reading{r}); err != nil {
			f.svc.Logger().Warn("flow capture", "node", f.name, "err", err)
		}
	}
}
