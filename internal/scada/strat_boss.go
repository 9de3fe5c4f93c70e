package scada

import (
	"fmt"
	"time"

	"github.com/thegridelectric/gwproactor/internal/ally"
	"github.com/thegridelectric/gwproactor/internal/cmdtree"
	"github.com/thegridelectric/gwproactor/internal/layout"
	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/proactor"
	"github.com/thegridelectric/gwproactor/internal/problems"
)

// Strat boss timing defaults.
const (
	DefaultStratSaving = 10 * time.Minute
	stratBossTick      = 5 * time.Second
)

// StratBoss protects the store's stratification while the heat pump
// restarts: it runs the heat pump with the store pump off for a fixed time,
// then hands control back to the ally.
type StratBoss struct {
	ticker
	layout   *layout.Layout
	ally     string
	duration time.Duration

	active    bool
	commanded bool
	since     time.Time
}

// NewStratBoss builds the strat-boss actor. allyName receives
// StratSavingDone.
func NewStratBoss(svc proactor.Services, l *layout.Layout, allyName string, duration time.Duration) (*StratBoss, error) {
	if _, ok := l.Node(cmdtree.StratBoss); !ok {
		return nil, fmt.Errorf("%w: %s", layout.ErrUnknownNode, cmdtree.StratBoss)
	}
	if duration <= 0 {
		duration = DefaultStratSaving
	}
	return &StratBoss{
		ticker:   newTicker(svc, cmdtree.StratBoss, stratBossTick),
		layout:   l,
		ally:     allyName,
		duration: duration,
	}, nil
}

func (s *StratBoss) Name() string { return s.name }

// Active reports whether strat saving is running.
func (s *StratBoss) Active() bool { return s.active }

func (s *StratBoss) MonitoredNames() []proactor.MonitoredName {
	return []proactor.MonitoredName{{Name: s.name, Timeout: 6 * stratBossTick}}
}

func (s *StratBoss) ProcessMessage(m *message.Message) error {
	switch m.Payload.(type) {
	case *StartStratSaving:
		s.active, s.commanded = true, false
		s.since = s.svc.Now()
		s.svc.Logger().Info("strat saving started", "for", s.duration)
		s.drive()
		return nil
	case *cmdtree.NewCommandTree:
		s.drive()
		return nil
	case *tick:
		s.pat()
		s.check()
		return nil
	}
	return problems.New(0).AddWarning(fmt.Errorf("%s: unexpected %s", s.name, m.Header.MessageType))
}

// drive commands the relays once the strat-saver tree has made them ours.
func (s *StratBoss) drive() {
	if !s.active || s.commanded {
		return
	}
	for _, relay := range cmdtree.StratSaverNodes {
		if !s.layout.CanCommand(s.name, relay) {
			return
		}
	}
	from, _ := s.layout.Handle(s.name)
	nowMs := s.svc.Now().UnixMilli()
	for relay, pos := range map[string]string{
		ally.HpScadaOps:        ally.HpOn,
		ally.StorePumpFailsafe: ally.StorePumpOff,
	} {
		to, _ := s.layout.Handle(relay)
		s.svc.Send(message.New(s.name, relay, &FsmEvent{FromHandle: from, ToHandle: to, EventName: pos, SendTimeUnixMs: nowMs}))
	}
	s.commanded = true
}

func (s *StratBoss) check() {
	if !s.active {
		return
	}
	s.drive()
	if s.svc.Now().Sub(s.since) < s.duration {
		return
	}
	s.active = false
	s.svc.Logger().Info("strat saving done")
	s.svc.Send(message.New(s.name, s.ally, &StratSavingDone{}))
}
