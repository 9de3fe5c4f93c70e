package scada

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/thegridelectric/gwproactor/internal/ally"
	"github.com/thegridelectric/gwproactor/internal/cmdtree"
	"github.com/thegridelectric/gwproactor/internal/layout"
	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/proactor"
	"github.com/thegridelectric/gwproactor/internal/problems"
	"github.com/thegridelectric/gwproactor/internal/status"
)

// AllyPeriod is the default main-loop period of the atomic ally.
const AllyPeriod = 60 * time.Second

// AtomicAlly runs the ally controller on the dispatch loop and turns its
// transitions into relay commands and command-tree switches.
type AtomicAlly struct {
	ticker
	layout  *layout.Layout
	tracker *status.Tracker
	ctrl    *ally.Ally

	temps    map[string]float64
	forecast *ally.HeatingForecast
	budget   *ElecBudget
	dormant  bool
	gaveUp   bool
}

// AllyOptions configure an AtomicAlly.
type AllyOptions struct {
	Params ally.Params
	Period time.Duration

	// Tracker, when set, is told every state change.
	Tracker *status.Tracker
}

// NewAtomicAlly builds the actor for the AtomicAlly node name.
func NewAtomicAlly(svc proactor.Services, l *layout.Layout, name string, opts AllyOptions) (*AtomicAlly, error) {
	if _, ok := l.Node(name); !ok {
		return nil, fmt.Errorf("%w: %s", layout.ErrUnknownNode, name)
	}
	if opts.Period <= 0 {
		opts.Period = AllyPeriod
	}
	_, hasBoss := l.Node(cmdtree.StratBoss)
	a := &AtomicAlly{
		ticker:  newTicker(svc, name, opts.Period),
		layout:  l,
		tracker: opts.Tracker,
		ctrl:    ally.New(opts.Params, hasBoss),
		temps:   make(map[string]float64),
	}
	a.report()
	return a, nil
}

func (a *AtomicAlly) Name() string { return a.name }

// State returns the controller state. Dispatch loop only.
func (a *AtomicAlly) State() ally.State { return a.ctrl.State() }

func (a *AtomicAlly) MonitoredNames() []proactor.MonitoredName {
	return []proactor.MonitoredName{{Name: a.name, Timeout: 3 * a.period}}
}

func (a *AtomicAlly) ProcessMessage(m *message.Message) error {
	switch pl := m.Payload.(type) {
	case *ChannelReadings:
		a.reading(pl)
		return nil
	case *ally.HeatingForecast:
		a.forecast = pl
		a.gaveUp = false
		return nil
	case *ElecBudget:
		a.budget = pl
		return nil
	case *AllyMode:
		return a.mode(pl.Dormant)
	case *StratSavingDone:
		res, err := a.ctrl.StratSavingDone()
		if err != nil {
			return problems.New(0).AddWarning(err)
		}
		return a.apply([]ally.Result{res})
	case *cmdtree.NewCommandTree:
		a.svc.Logger().Debug("command tree", "tree", pl.Tree)
		return nil
	case *tick:
		a.pat()
		return a.evaluate()
	}
	return problems.New(0).AddWarning(fmt.Errorf("%s: unexpected %s", a.name, m.Header.MessageType))
}

// reading records a temperature. Water temperatures arrive as degrees F
// times 1000.
func (a *AtomicAlly) reading(r *ChannelReadings) {
	if !slices.Contains(ally.RequiredChannels, r.ChannelName) {
		return
	}
	if v, _, ok := r.Latest(); ok {
		a.temps[r.ChannelName] = float64(v) / 1000
	}
}

func (a *AtomicAlly) mode(dormant bool) error {
	a.dormant = dormant
	if !dormant || a.ctrl.State() == ally.Dormant {
		return nil
	}
	res, err := a.ctrl.GoDormant()
	if err != nil {
		return err
	}
	return a.apply([]ally.Result{res})
}

func (a *AtomicAlly) inputs() ally.Inputs {
	in := ally.Inputs{
		TempsF:   a.temps,
		Forecast: a.forecast,
		Now:      a.svc.Now(),
	}
	if a.budget != nil {
		in.RemainingElecWh = a.budget.RemainingWh
		in.OilBoilerOn = a.budget.OilBoilerOn
	}
	return in
}

func (a *AtomicAlly) evaluate() error {
	if a.dormant || a.budget == nil {
		return nil
	}
	in := a.inputs()
	var (
		res []ally.Result
		err error
	)
	if a.ctrl.State() == ally.Dormant {
		res, err = a.ctrl.WakeUp(in)
		if errors.Is(err, ally.ErrNoForecast) {
			return a.giveUp(err)
		}
	} else {
		res, err = a.ctrl.Evaluate(in)
	}
	probs := problems.New(0)
	if err != nil {
		probs.AddWarning(err)
	}
	probs.Add(a.apply(res))
	return probs.ErrorOrNil()
}

// giveUp reports once per missing forecast.
func (a *AtomicAlly) giveUp(cause error) error {
	if a.gaveUp {
		return nil
	}
	a.gaveUp = true
	a.svc.Logger().Warn("ally gives up", "reason", cause)
	return a.svc.GenerateEvent(&ally.GivesUp{Reason: cause.Error()})
}

// apply publishes each transition and drives the relays it implies.
// Entering StratBoss hands the heat pump relays to the strat boss through
// the strat-saver tree; leaving it takes them back before commanding them.
func (a *AtomicAlly) apply(results []ally.Result) error {
	probs := problems.New(0)
	for _, res := range results {
		if !res.Changed() {
			continue
		}
		a.svc.Logger().Info("ally transition", "trigger", res.Trigger, "from", res.From, "to", res.To)
		probs.Add(a.svc.GenerateEvent(&ally.StateChangeEvent{
			FromState: string(res.From),
			ToState:   string(res.To),
			Trigger:   string(res.Trigger),
		}))
		if res.From == ally.StratBoss {
			a.send(cmdtree.TreeManager, &cmdtree.SwitchTree{Tree: cmdtree.Normal})
		}
		if res.To == ally.StratBoss {
			a.send(cmdtree.TreeManager, &cmdtree.SwitchTree{Tree: cmdtree.StratSaver})
			a.send(cmdtree.StratBoss, &StartStratSaving{})
		}
		a.command(ally.UpdateRelays(res.From, res.To))
	}
	a.report()
	return probs.ErrorOrNil()
}

func (a *AtomicAlly) command(cmds []ally.RelayCommand) {
	from, _ := a.layout.Handle(a.name)
	nowMs := a.svc.Now().UnixMilli()
	for _, c := range cmds {
		to, ok := a.layout.Handle(c.Relay)
		if !ok {
			continue
		}
		a.send(c.Relay, &FsmEvent{FromHandle: from, ToHandle: to, EventName: c.Position, SendTimeUnixMs: nowMs})
	}
}

func (a *AtomicAlly) send(dst string, p message.Payload) {
	a.svc.Send(message.New(a.name, dst, p))
}

func (a *AtomicAlly) report() {
	if a.tracker != nil {
		a.tracker.SetAllyState(string(a.ctrl.State()))
	}
}
