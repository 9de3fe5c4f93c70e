// Package proactor runs a single-writer dispatch loop for a node.
//
// Everything that changes proactor state arrives as a message on one
// receive queue: MQTT callbacks, ack timers, ping and watchdog ticks, and
// messages between in-process communicators. The loop takes one message
// at a time, so link state, the event persister and communicator state are
// only ever touched from one goroutine.
package proactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/thegridelectric/gwproactor/internal/config"
	"github.com/thegridelectric/gwproactor/internal/fsm"
	"github.com/thegridelectric/gwproactor/internal/link"
	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/metrics"
	"github.com/thegridelectric/gwproactor/internal/mqtt"
	"github.com/thegridelectric/gwproactor/internal/persister"
	"github.com/thegridelectric/gwproactor/internal/problems"
)

var (
	// ErrDuplicateCommunicator is returned when two communicators share a
	// name.
	ErrDuplicateCommunicator = errors.New("duplicate communicator")

	// ErrNoRoute is a warning: nothing can take a message addressed to Dst.
	ErrNoRoute = errors.New("no route")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("proactor already started")
)

// Problem events generated from handler failures are limited to this rate.
const (
	problemRate  = 10
	problemBurst = 10
)

// Handler receives messages addressed to the proactor itself, and every
// message received from a peer that no communicator claims.
type Handler func(m *message.Message) error

// Options configure a Proactor. Only Config is required.
type Options struct {
	Config *config.Proactor

	// Registry decodes domain payloads in addition to the builtins.
	Registry *message.Registry

	// Persister defaults to a TimedRollingFilePersister under the events
	// directory.
	Persister persister.Persister

	// Dialer defaults to mqtt.DialPaho.
	Dialer mqtt.Dialer

	AfterFunc link.AfterFunc
	Now       func() time.Time
	Logger    *slog.Logger

	// OnTransition is called on the dispatch loop after every link state
	// change.
	OnTransition func(linkName string, res fsm.Result[link.State, link.Trigger])
}

// Proactor hosts communicators and links for one node.
type Proactor struct {
	name      string
	cfg       *config.Proactor
	logger    *slog.Logger
	now       func() time.Time
	queue     *Queue
	persister persister.Persister
	clients   *mqtt.Clients
	links     *link.Manager
	metrics   *metrics.Collector
	watchdog  *Watchdog
	limiter   *rate.Limiter

	communicators map[string]Communicator
	order         []string
	handler       Handler

	started    bool
	cancel     context.CancelFunc
	group      *errgroup.Group
	stopping   bool
	drainLeft  int
	stopReason string
	fatalErr   error
}

// New builds a proactor and its links from opts. The event store is
// reindexed from disk.
func New(opts Options) (*Proactor, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalidConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("proactor", cfg.Name)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	registry := opts.Registry
	if registry == nil {
		registry = message.NewRegistry()
	}
	dial := opts.Dialer
	if dial == nil {
		dial = mqtt.DialPaho
	}

	store := opts.Persister
	if store == nil {
		rolling, err := persister.NewTimedRollingFilePersister(cfg.Paths.EventsDir(), cfg.MaxEventBytes, persister.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("event store: %w", err)
		}
		store = rolling
	} else if err := store.Reindex(); err != nil {
		if !problems.IsWarningOnly(err) {
			return nil, fmt.Errorf("event store: %w", err)
		}
		logger.Warn("event store reindex", "problems", err)
	}

	p := &Proactor{
		name:          cfg.Name,
		cfg:           cfg,
		logger:        logger,
		now:           now,
		queue:         NewQueue(),
		persister:     store,
		watchdog:      NewWatchdog(),
		limiter:       rate.NewLimiter(rate.Limit(problemRate), problemBurst),
		communicators: make(map[string]Communicator),
	}
	p.clients = mqtt.NewClients(p, dial, cfg.Reconnect, logger)
	p.links = link.NewManager(link.Options{
		Name:           cfg.Name,
		Clients:        p.clients,
		Persister:      store,
		Sink:           p,
		Codec:          message.NewJSONCodec(registry),
		ReuploadWindow: cfg.InitialReuploads,
		AfterFunc:      opts.AfterFunc,
		Now:            now,
		Logger:         logger,
		OnTransition:   opts.OnTransition,
	})
	for _, l := range cfg.Links {
		if err := p.links.AddLink(l, cfg.AckTimeoutFor(l), cfg.PingPeriodFor(l), nil); err != nil {
			return nil, err
		}
	}
	p.metrics = metrics.NewCollector(cfg.Name, p.links)
	return p, nil
}

// Name implements Services.
func (p *Proactor) Name() string { return p.name }

// Config returns the settings the proactor was built from.
func (p *Proactor) Config() *config.Proactor { return p.cfg }

// Logger implements Services.
func (p *Proactor) Logger() *slog.Logger { return p.logger }

// Now implements Services.
func (p *Proactor) Now() time.Time { return p.now() }

// Metrics returns the proactor's Prometheus collector.
func (p *Proactor) Metrics() *metrics.Collector { return p.metrics }

// Snapshot returns link statistics. Safe for concurrent use.
func (p *Proactor) Snapshot() link.Snapshot { return p.links.Snapshot() }

// Links returns the link manager. Outside the dispatch loop only Snapshot
// may be called on it.
func (p *Proactor) Links() *link.Manager { return p.links }

// Err returns the fatal error that stopped the loop, if any.
func (p *Proactor) Err() error { return p.fatalErr }

// StopReason returns why the loop stopped. Valid after Join.
func (p *Proactor) StopReason() string { return p.stopReason }

// AddCommunicator registers c under its name. Must be called before Start.
func (p *Proactor) AddCommunicator(c Communicator) error {
	name := c.Name()
	if _, ok := p.communicators[name]; ok || name == p.name {
		return fmt.Errorf("%w: %s", ErrDuplicateCommunicator, name)
	}
	p.communicators[name] = c
	p.order = append(p.order, name)
	if m, ok := c.(Monitored); ok {
		for _, mn := range m.MonitoredNames() {
			p.watchdog.Monitor(mn.Name, mn.Timeout, p.now())
		}
	}
	p.metrics.SetCommunicators(len(p.communicators))
	return nil
}

// Communicator returns the named communicator.
func (p *Proactor) Communicator(name string) (Communicator, bool) {
	c, ok := p.communicators[name]
	return c, ok
}

// SetHandler installs the handler for messages addressed to the proactor.
func (p *Proactor) SetHandler(h Handler) { p.handler = h }

// Subscribe adds an extra topic subscription to a link.
func (p *Proactor) Subscribe(linkName, topic string, qos byte) error {
	return p.links.Subscribe(linkName, topic, qos)
}

// Send implements Services.
func (p *Proactor) Send(m *message.Message) {
	p.SendThreadsafe(m)
}

// SendThreadsafe implements Services and mqtt.Sink.
func (p *Proactor) SendThreadsafe(m *message.Message) {
	if !p.queue.Put(m) {
		p.logger.Debug("message after close", "type", m.Header.MessageType)
	}
}

// GenerateEvent implements Services.
func (p *Proactor) GenerateEvent(ev message.Event) error {
	return p.links.GenerateEvent(ev)
}

// Publish implements Services.
func (p *Proactor) Publish(m *message.Message) error {
	linkName, ok := p.links.LinkForPeer(m.Header.Dst)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, m.Header.Dst)
	}
	return p.links.PublishMessage(linkName, m)
}

// ReportProblem implements Services.
func (p *Proactor) ReportProblem(kind message.ProblemType, summary, details string) {
	if !p.limiter.Allow() {
		p.logger.Debug("problem event dropped", "summary", summary)
		return
	}
	p.metrics.Problem(string(kind))
	if err := p.links.GenerateEvent(message.NewProblemEvent(kind, summary, details)); err != nil {
		p.logger.Warn("problem event", "summary", summary, "err", err)
	}
}

// Start launches the links, the runnable communicators and the loop tasks.
func (p *Proactor) Start(ctx context.Context) error {
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)

	p.Send(message.New(p.name, p.name, &message.StartupEvent{}))
	if err := p.links.Start(ctx); err != nil {
		p.logger.Warn("link start", "problems", err)
	}
	for _, name := range p.order {
		if r, ok := p.communicators[name].(Runnable); ok {
			if err := r.Start(); err != nil {
				p.cancel()
				return fmt.Errorf("start %s: %w", name, err)
			}
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	p.group = group
	group.Go(func() error {
		defer p.cancel()
		return p.processMessages(gctx)
	})
	for _, name := range p.links.Names() {
		name := name
		l, _ := p.links.Link(name)
		every := l.PingPeriod() / 4
		if every < 10*time.Millisecond {
			every = 10 * time.Millisecond
		}
		group.Go(func() error {
			return p.tick(gctx, every, func() *message.Message {
				return message.New(p.name, p.name, &message.PingCheck{LinkName: name})
			})
		})
	}
	group.Go(func() error {
		return p.tick(gctx, p.cfg.WatchdogPeriod, func() *message.Message {
			return message.New(p.name, p.name, &message.WatchdogCheck{})
		})
	})
	p.logger.Info("proactor started", "links", p.links.Names(), "communicators", p.order)
	return nil
}

func (p *Proactor) tick(ctx context.Context, every time.Duration, build func() *message.Message) error {
	if every <= 0 {
		every = config.DefaultWatchdogPeriod
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.SendThreadsafe(build())
		}
	}
}

// Stop asks the loop to shut down after the messages already queued.
func (p *Proactor) Stop(reason string) {
	if !p.queue.Put(message.New(p.name, p.name, &message.Shutdown{Reason: reason})) && p.cancel != nil {
		p.cancel()
	}
}

// Join waits for the loop to finish, generates a ShutdownEvent, stops the
// links and every runnable communicator. Failures are logged.
func (p *Proactor) Join() error {
	if p.group == nil {
		return nil
	}
	if err := p.group.Wait(); err != nil {
		p.logger.Error("dispatch loop", "err", err)
	}
	if p.stopReason == "" {
		p.stopReason = "context cancelled"
	}
	if err := p.links.GenerateEvent(&message.ShutdownEvent{Reason: p.stopReason}); err != nil {
		p.logger.Warn("shutdown event", "err", err)
	}
	p.links.Stop()
	for _, name := range p.order {
		if r, ok := p.communicators[name].(Runnable); ok {
			r.Stop()
		}
	}
	for _, name := range p.order {
		if r, ok := p.communicators[name].(Runnable); ok {
			if err := r.Join(); err != nil {
				p.logger.Warn("communicator join", "communicator", name, "err", err)
			}
		}
	}
	p.queue.Close()
	p.logger.Info("proactor stopped", "reason", p.stopReason)
	return nil
}

// Run is Start followed by Join. It returns when a Shutdown message is
// processed or ctx is cancelled.
func (p *Proactor) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	return p.Join()
}

func (p *Proactor) processMessages(ctx context.Context) error {
	for {
		if m, ok := p.queue.TryGet(); ok {
			if err := p.dispatch(m); err != nil {
				p.fatalErr = err
				p.stopReason = "fatal: " + err.Error()
				p.logger.Error("dispatch loop failed", "type", m.Header.MessageType, "err", err)
				return err
			}
			if p.stopping {
				if p.drainLeft <= 0 {
					return nil
				}
				p.drainLeft--
			}
			continue
		}
		if p.stopping {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.queue.Wait():
		}
	}
}

func (p *Proactor) dispatch(m *message.Message) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v\n%s", m.Header.MessageType, r, debug.Stack())
		}
		p.metrics.Dispatched(m.Header.MessageType, time.Since(start).Seconds())
	}()
	p.report(m, p.handle(m))
	return nil
}

func (p *Proactor) report(m *message.Message, err error) {
	if err == nil {
		return
	}
	summary := fmt.Sprintf("%s from %s", m.Header.MessageType, m.Header.Src)
	if problems.IsWarningOnly(err) {
		p.logger.Warn("message problems", "type", m.Header.MessageType, "src", m.Header.Src, "problems", err)
		p.ReportProblem(message.ProblemWarning, summary, err.Error())
		return
	}
	p.logger.Error("message failed", "type", m.Header.MessageType, "src", m.Header.Src, "err", err)
	p.ReportProblem(message.ProblemError, summary, err.Error())
}

func (p *Proactor) handle(m *message.Message) error {
	switch pl := m.Payload.(type) {
	case *message.MQTTReceipt:
		return p.processReceipt(pl)
	case *message.MQTTConnect:
		return p.links.ProcessMQTTConnected(pl)
	case *message.MQTTDisconnect:
		return p.links.ProcessMQTTDisconnected(pl)
	case *message.MQTTConnectFail:
		return p.links.ProcessMQTTConnectFailed(pl)
	case *message.MQTTSuback:
		return p.links.ProcessMQTTSuback(pl)
	case *message.MQTTProblems:
		return p.links.ProcessMQTTProblems(pl)
	case *message.AckTimeout:
		return p.links.ProcessAckTimeout(pl)
	case *message.PingCheck:
		return p.links.SendPingIfDue(pl.LinkName)
	case *message.WatchdogCheck:
		p.checkWatchdog()
		return nil
	case *message.PatWatchdog:
		if !p.watchdog.Pat(m.Header.Src, p.now()) {
			return problems.New(0).AddWarning(fmt.Errorf("pat from unmonitored %s", m.Header.Src))
		}
		return nil
	case *message.Shutdown:
		p.beginShutdown(pl.Reason)
		return nil
	case message.Event:
		// Events addressed to a communicator are delivered, not generated.
		if m.Header.Dst == "" || m.Header.Dst == p.name {
			return p.links.GenerateEvent(pl)
		}
	}
	return p.route(m, false)
}

func (p *Proactor) beginShutdown(reason string) {
	if p.stopping {
		return
	}
	p.stopping = true
	p.drainLeft = p.queue.Len()
	p.stopReason = reason
	p.logger.Info("shutdown requested", "reason", reason, "draining", p.drainLeft)
}

func (p *Proactor) checkWatchdog() {
	for _, name := range p.watchdog.Check(p.now()) {
		p.metrics.WatchdogMissed(name)
		p.logger.Warn("watchdog pat missed", "name", name)
		p.ReportProblem(message.ProblemError, "watchdog", fmt.Sprintf("%s missed its watchdog pat", name))
	}
}

func (p *Proactor) processReceipt(r *message.MQTTReceipt) error {
	decoded, err := p.links.ProcessMQTTMessage(r)
	if decoded == nil {
		return err
	}
	probs := problems.New(0)
	probs.Add(err)
	switch decoded.Payload.(type) {
	case *message.Ack, *message.Ping:
	default:
		probs.Add(p.route(decoded, true))
	}
	probs.Add(p.links.AutoAck(r.ClientName, decoded))
	return probs.ErrorOrNil()
}

// route delivers m to a communicator, the proactor's handler or, for
// local messages addressed to a peer, the peer's link.
func (p *Proactor) route(m *message.Message, remote bool) error {
	dst := m.Header.Dst
	if c, ok := p.communicators[dst]; ok {
		return p.deliver(dst, func() error { return c.ProcessMessage(m) })
	}
	if !remote {
		if linkName, ok := p.links.LinkForPeer(dst); ok {
			return p.links.PublishMessage(linkName, m)
		}
	}
	if dst == "" || dst == p.name || remote {
		if p.handler != nil {
			return p.deliver(p.name, func() error { return p.handler(m) })
		}
	}
	return problems.New(0).AddWarning(fmt.Errorf("%w: %s for %q", ErrNoRoute, m.Header.MessageType, dst))
}

// deliver runs f, turning a panic into an error so one broken
// communicator does not stop the loop.
func (p *Proactor) deliver(name string, f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
			p.logger.Error("communicator panic", "communicator", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return f()
}
