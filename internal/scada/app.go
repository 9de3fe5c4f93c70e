package scada

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thegridelectric/gwproactor/internal/ally"
	"github.com/thegridelectric/gwproactor/internal/cmdtree"
	"github.com/thegridelectric/gwproactor/internal/config"
	"github.com/thegridelectric/gwproactor/internal/contract"
	"github.com/thegridelectric/gwproactor/internal/gpio"
	"github.com/thegridelectric/gwproactor/internal/layout"
	"github.com/thegridelectric/gwproactor/internal/link"
	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/mqtt"
	"github.com/thegridelectric/gwproactor/internal/persister"
	"github.com/thegridelectric/gwproactor/internal/proactor"
	"github.com/thegridelectric/gwproactor/internal/problems"
	"github.com/thegridelectric/gwproactor/internal/status"
	"github.com/thegridelectric/gwproactor/internal/web"
)

// Options configure an App. Config and Layout are required; Writer is
// required when the layout has relays.
type Options struct {
	Config   *config.Proactor
	Layout   *layout.Layout
	Settings Settings
	Writer   gpio.Writer

	Persister persister.Persister
	Dialer    mqtt.Dialer
	AfterFunc link.AfterFunc
	Now       func() time.Time
	Logger    *slog.Logger
	AccessLog io.Writer
}

// App is a SCADA: a proactor hosting one actor per layout node, plus the
// HTTP server.
type App struct {
	proactor *proactor.Proactor
	layout   *layout.Layout
	tracker  *status.Tracker
	web      *web.Server
	logger   *slog.Logger

	ally      *AtomicAlly
	stratBoss *StratBoss
	tree      *TreeActor
	contract  *ContractResponder
	relays    map[string]*Relay
	flows     map[string]*FlowModule
}

// New builds the proactor and registers the actors the layout calls for.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil || opts.Layout == nil {
		return nil, fmt.Errorf("%w: scada needs a config and a layout", config.ErrInvalidConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tracker := status.NewTracker(now(), status.Config{
		Node:       cfg.Name,
		HTTPAddr:   cfg.HTTPAddr,
		AckTimeout: cfg.AckTimeout,
		PingPeriod: cfg.PingPeriod,
		DataDir:    cfg.Paths.DataDir,
	})
	p, err := proactor.New(proactor.Options{
		Config:       cfg,
		Registry:     Registry(),
		Persister:    opts.Persister,
		Dialer:       opts.Dialer,
		AfterFunc:    opts.AfterFunc,
		Now:          now,
		Logger:       logger,
		OnTransition: tracker.RecordTransition,
	})
	if err != nil {
		return nil, err
	}
	tracker.SetLinkSource(p.Snapshot)

	a := &App{
		proactor: p,
		layout:   opts.Layout,
		tracker:  tracker,
		logger:   p.Logger(),
		relays:   make(map[string]*Relay),
		flows:    make(map[string]*FlowModule),
	}
	if err := a.build(opts); err != nil {
		return nil, err
	}
	p.SetHandler(a.handle)

	if cfg.HTTPAddr != "" {
		wopts := web.Options{
			Addr:      cfg.HTTPAddr,
			Tracker:   tracker,
			Layout:    opts.Layout,
			Sink:      p,
			Node:      p.Name(),
			AccessLog: opts.AccessLog,
			Logger:    a.logger,
		}
		if cfg.MetricsEnabled {
			wopts.Metrics = p.Metrics().Handler()
		}
		a.web = web.New(wopts)
	}
	return a, nil
}

func (a *App) build(opts Options) error {
	l := opts.Layout
	settings := opts.Settings
	allyName := ""
	if nodes := l.NodesOfClass(layout.ClassAtomicAlly); len(nodes) > 0 {
		allyName = nodes[0].Name
	}

	var actors []proactor.Communicator
	if settings.Atn != "" {
		path := ""
		if opts.Config.Paths.DataDir != "" {
			path = opts.Config.Paths.ContractFile()
		}
		c, err := NewContractResponder(a.proactor, ContractOptions{
			Atn:     settings.Atn,
			Ally:    allyName,
			Path:    path,
			Tracker: a.tracker,
		})
		if err != nil {
			return err
		}
		a.contract = c
		actors = append(actors, c)
	}

	var listeners []string
	if allyName != "" {
		listeners = append(listeners, allyName)
	}
	if a.contract != nil {
		listeners = append(listeners, a.contract.Name())
	}
	for _, class := range []string{layout.ClassFlowHall, layout.ClassFlowReed} {
		for _, n := range l.NodesOfClass(class) {
			f, err := NewFlowModule(a.proactor, l, n.Name, FlowOptions{Listeners: listeners, Tracker: a.tracker})
			if err != nil {
				return err
			}
			a.flows[n.Name] = f
			actors = append(actors, f)
		}
	}

	relays := l.NodesOfClass(layout.ClassRelay)
	if len(relays) > 0 && opts.Writer == nil {
		return fmt.Errorf("%w: layout has relays but no gpio writer", config.ErrInvalidConfig)
	}
	for _, n := range relays {
		r, err := NewRelay(a.proactor, l, n.Name, opts.Writer, a.tracker)
		if err != nil {
			return err
		}
		a.relays[n.Name] = r
		actors = append(actors, r)
	}

	if allyName != "" {
		al, err := NewAtomicAlly(a.proactor, l, allyName, AllyOptions{
			Params:  settings.Ally.Params(),
			Period:  settings.AllyPeriod,
			Tracker: a.tracker,
		})
		if err != nil {
			return err
		}
		a.ally = al
		actors = append(actors, al)
	}
	if _, ok := l.Node(cmdtree.StratBoss); ok {
		sb, err := NewStratBoss(a.proactor, l, allyName, settings.StratSaving)
		if err != nil {
			return err
		}
		a.stratBoss = sb
		actors = append(actors, sb)
	}

	names := make([]string, 0, len(actors))
	for _, c := range actors {
		names = append(names, c.Name())
	}
	a.tree = NewTreeActor(a.proactor, cmdtree.NewManager(l), a.tracker, names)
	actors = append(actors, a.tree)

	for _, c := range actors {
		if err := a.proactor.AddCommunicator(c); err != nil {
			return err
		}
	}
	return nil
}

// handle takes what the ATN and the drivers send the SCADA itself.
func (a *App) handle(m *message.Message) error {
	switch pl := m.Payload.(type) {
	case *ChannelReadings:
		return a.readings(pl)
	case *ally.HeatingForecast, *AllyMode:
		return a.forward(m, a.allyName())
	case *contract.Heartbeat, *contract.TerminateContract:
		if a.contract == nil {
			return problems.New(0).AddWarning(fmt.Errorf("%s without contract responder", m.Header.MessageType))
		}
		return a.forward(m, a.contract.Name())
	case *cmdtree.SwitchTree:
		return a.forward(m, a.tree.Name())
	}
	return problems.New(0).AddWarning(fmt.Errorf("%w: %s from %s", proactor.ErrNoRoute, m.Header.MessageType, m.Header.Src))
}

// readings from a driver go upstream and to the actors that use them.
func (a *App) readings(r *ChannelReadings) error {
	if v, ms, ok := r.Latest(); ok {
		a.tracker.SetReading(r.ChannelName, v, ms)
	}
	for _, name := range []string{a.allyName(), a.contractName()} {
		if name != "" {
			cp := *r
			a.proactor.Send(message.New(a.proactor.Name(), name, &cp))
		}
	}
	return a.proactor.GenerateEvent(r)
}

func (a *App) forward(m *message.Message, dst string) error {
	if dst == "" {
		return problems.New(0).AddWarning(fmt.Errorf("%w: %s", proactor.ErrNoRoute, m.Header.MessageType))
	}
	a.proactor.Send(message.New(m.Header.Src, dst, m.Payload))
	return nil
}

func (a *App) allyName() string {
	if a.ally == nil {
		return ""
	}
	return a.ally.Name()
}

func (a *App) contractName() string {
	if a.contract == nil {
		return ""
	}
	return a.contract.Name()
}

// Proactor returns the hosting proactor.
func (a *App) Proactor() *proactor.Proactor { return a.proactor }

// Tracker returns the status tracker served over HTTP.
func (a *App) Tracker() *status.Tracker { return a.tracker }

// Web returns the HTTP server, or nil when http_addr is empty.
func (a *App) Web() *web.Server { return a.web }

// Ally returns the atomic ally actor, or nil.
func (a *App) Ally() *AtomicAlly { return a.ally }

// Contract returns the contract responder, or nil.
func (a *App) Contract() *ContractResponder { return a.contract }

// Relay returns the named relay actor.
func (a *App) Relay(name string) (*Relay, bool) {
	r, ok := a.relays[name]
	return r, ok
}

// Flow returns the named flow module.
func (a *App) Flow(name string) (*FlowModule, bool) {
	f, ok := a.flows[name]
	return f, ok
}

// Run starts the proactor and the HTTP server and returns once both have
// stopped. Cancelling ctx or a Stop call ends it.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if err := a.proactor.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		if err := a.proactor.Join(); err != nil {
			return err
		}
		if a.web != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.web.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("http shutdown", "err", err)
			}
		}
		return a.proactor.Err()
	})
	if a.web != nil {
		g.Go(func() error {
			a.logger.Info("http listening", "addr", a.proactor.Config().HTTPAddr)
			if err := a.web.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop asks the proactor to shut down.
func (a *App) Stop(reason string) { a.proactor.Stop(reason) }
