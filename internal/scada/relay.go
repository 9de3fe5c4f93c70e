package scada

import (
	"errors"
	"fmt"

	"github.com/thegridelectric/gwproactor/internal/cmdtree"
	"github.com/thegridelectric/gwproactor/internal/gpio"
	"github.com/thegridelectric/gwproactor/internal/layout"
	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/proactor"
	"github.com/thegridelectric/gwproactor/internal/problems"
	"github.com/thegridelectric/gwproactor/internal/status"
)

var (
	// ErrNotBoss is returned when a command comes from a node that does not
	// currently command the relay.
	ErrNotBoss = errors.New("sender does not command relay")

	// ErrUnknownPosition is returned for a position the relay does not have.
	ErrUnknownPosition = errors.New("unknown relay position")
)

// Relay drives one GPIO relay. Only the node whose handle is a proper
// prefix of the relay's handle may move it.
type Relay struct {
	svc     proactor.Services
	layout  *layout.Layout
	name    string
	cfg     layout.RelayConfig
	out     gpio.Writer
	tracker *status.Tracker

	position string
	known    bool
}

// NewRelay builds the actor for a Relay node. tracker may be nil.
func NewRelay(svc proactor.Services, l *layout.Layout, name string, out gpio.Writer, tracker *status.Tracker) (*Relay, error) {
	comp, ok := l.Component(name)
	if !ok || comp.Relay == nil {
		return nil, fmt.Errorf("%w: %s has no relay component", layout.ErrInvalidLayout, name)
	}
	return &Relay{svc: svc, layout: l, name: name, cfg: *comp.Relay, out: out, tracker: tracker}, nil
}

func (r *Relay) Name() string { return r.name }

// Position returns the last position driven, if any.
func (r *Relay) Position() (string, bool) { return r.position, r.known }

func (r *Relay) ProcessMessage(m *message.Message) error {
	switch pl := m.Payload.(type) {
	case *FsmEvent:
		return r.command(m.Header.Src, pl)
	case *message.Shutdown, *cmdtree.NewCommandTree:
		return nil
	}
	return problems.New(0).AddWarning(fmt.Errorf("%s: unexpected %s", r.name, m.Header.MessageType))
}

func (r *Relay) command(src string, ev *FsmEvent) error {
	handle, _ := r.layout.Handle(r.name)
	srcHandle, _ := r.layout.Handle(src)
	if !r.layout.CanCommand(src, r.name) || ev.FromHandle != srcHandle {
		r.svc.Logger().Warn("relay command rejected", "relay", r.name, "from", src,
			"from_handle", ev.FromHandle, "relay_handle", handle)
		return problems.New(0).AddWarning(fmt.Errorf("%w: %s (%s) -> %s (%s)", ErrNotBoss, src, ev.FromHandle, r.name, handle))
	}

	var energized bool
	switch ev.EventName {
	case r.cfg.EnergizedState:
		energized = true
	case r.cfg.DeEnergizedState:
	default:
		return fmt.Errorf("%w: %s for %s", ErrUnknownPosition, ev.EventName, r.name)
	}
	if r.known && r.position == ev.EventName {
		return nil
	}
	if err := r.out.Set(r.cfg.Pin, energized); err != nil {
		return fmt.Errorf("%s pin %d: %w", r.name, r.cfg.Pin, err)
	}
	r.position, r.known = ev.EventName, true
	if r.tracker != nil {
		r.tracker.SetRelay(r.name, ev.EventName)
	}
	r.svc.Logger().Info("relay", "relay", r.name, "position", ev.EventName, "energized", energized, "from", src)
	return r.svc.GenerateEvent(&RelayReport{
		RelayName:  r.name,
		FromHandle: ev.FromHandle,
		Position:   ev.EventName,
		Energized:  energized,
	})
}
