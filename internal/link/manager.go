package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thegridelectric/gwproactor/internal/config"
	"github.com/thegridelectric/gwproactor/internal/fsm"
	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/mqtt"
	"github.com/thegridelectric/gwproactor/internal/persister"
	"github.com/thegridelectric/gwproactor/internal/problems"
)

var (
	// ErrUnknownLink is returned for a link name that was never added.
	ErrUnknownLink = errors.New("unknown link")

	// ErrUnknownAck is reported, as a warning, for an ack that matches
	// neither an outstanding wait nor a persisted event.
	ErrUnknownAck = errors.New("ack for unknown message")
)

// Link is one named MQTT peer connection.
type Link struct {
	cfg            config.Link
	codec          message.Codec
	machine        *fsm.Machine[State, Trigger]
	pendingSubacks map[string]struct{}
	ackTimeout     time.Duration
	pingPeriod     time.Duration
	lastSend       time.Time
	lastRecv       time.Time
}

// Name returns the link (and MQTT client) name.
func (l *Link) Name() string { return l.cfg.Name }

// PeerName returns the node name of the proactor at the other end.
func (l *Link) PeerName() string { return l.cfg.PeerName }

// State returns the current link state.
func (l *Link) State() State { return l.machine.State() }

// PingPeriod returns the idle interval after which a Ping is sent.
func (l *Link) PingPeriod() time.Duration { return l.pingPeriod }

// AckTimeout returns how long an AckRequired send waits for its Ack.
func (l *Link) AckTimeout() time.Duration { return l.ackTimeout }

// Options configure a Manager.
type Options struct {
	// Name is the node name of this proactor, used as Src.
	Name      string
	Clients   *mqtt.Clients
	Persister persister.Persister
	Sink      mqtt.Sink
	Codec     message.Codec

	// ReuploadWindow is the number of pending events sent at once when
	// the upstream link becomes Active.
	ReuploadWindow int

	AfterFunc    AfterFunc
	Now          func() time.Time
	Logger       *slog.Logger
	OnAckOutcome func(*AckWait, Outcome)
	OnTransition func(link string, res fsm.Result[State, Trigger])
}

// Manager owns every link of one proactor. All methods except Snapshot
// must be called from the dispatch loop.
type Manager struct {
	name      string
	clients   *mqtt.Clients
	persister persister.Persister
	codec     message.Codec
	logger    *slog.Logger
	now       func() time.Time
	acks      *AckManager
	reuploads *Reuploads
	stats     *statsBook
	onOutcome func(*AckWait, Outcome)
	onChange  func(string, fsm.Result[State, Trigger])

	links       map[string]*Link
	order       []string
	upstream    string
	primaryPeer string
}

// NewManager returns a Manager with no links.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Codec == nil {
		opts.Codec = message.NewJSONCodec(message.NewRegistry())
	}
	if opts.ReuploadWindow <= 0 {
		opts.ReuploadWindow = config.DefaultReuploadWindow
	}
	m := &Manager{
		name:      opts.Name,
		clients:   opts.Clients,
		persister: opts.Persister,
		codec:     opts.Codec,
		logger:    opts.Logger,
		now:       opts.Now,
		reuploads: NewReuploads(opts.ReuploadWindow),
		stats:     newStatsBook(),
		onOutcome: opts.OnAckOutcome,
		onChange:  opts.OnTransition,
		links:     make(map[string]*Link),
	}
	m.acks = NewAckManager(opts.Sink, opts.AfterFunc, opts.Now, m.recordOutcome)
	m.stats.pending(m.persister.NumPending())
	return m
}

func (m *Manager) recordOutcome(w *AckWait, o Outcome) {
	m.stats.update(w.LinkName, func(s *Stats) {
		switch o {
		case OutcomeAcked:
			s.Acked++
		case OutcomeTimeout:
			s.Timeouts++
		case OutcomeConnectionFailure:
			s.ConnectionFailures++
		}
	})
	if m.onOutcome != nil {
		m.onOutcome(w, o)
	}
}

// AddLink adds an MQTT client for cfg and subscribes it to everything the
// peer publishes. A nil codec uses the manager's codec.
func (m *Manager) AddLink(cfg config.Link, ackTimeout, pingPeriod time.Duration, codec message.Codec) error {
	if _, ok := m.links[cfg.Name]; ok {
		return fmt.Errorf("link %s already added", cfg.Name)
	}
	if codec == nil {
		codec = m.codec
	}
	if err := m.clients.AddClient(cfg.Name, cfg.MQTT, cfg.Upstream, cfg.PrimaryPeer); err != nil {
		return fmt.Errorf("add link %s: %w", cfg.Name, err)
	}
	if err := m.clients.Subscribe(cfg.Name, message.SubscriptionFor(cfg.PeerName), mqtt.AtMostOnce); err != nil {
		return fmt.Errorf("add link %s: %w", cfg.Name, err)
	}
	m.links[cfg.Name] = &Link{
		cfg:        cfg,
		codec:      codec,
		machine:    fsm.NewMachine(Table, NotStarted),
		ackTimeout: ackTimeout,
		pingPeriod: pingPeriod,
	}
	m.order = append(m.order, cfg.Name)
	if cfg.Upstream {
		m.upstream = cfg.Name
	}
	if cfg.PrimaryPeer {
		m.primaryPeer = cfg.Name
	}
	m.stats.add(cfg.Name, cfg.PeerName, cfg.Upstream)
	return nil
}

// Subscribe adds an extra subscription to a link.
func (m *Manager) Subscribe(linkName, topic string, qos byte) error {
	if _, err := m.link(linkName); err != nil {
		return err
	}
	return m.clients.Subscribe(linkName, topic, qos)
}

func (m *Manager) link(name string) (*Link, error) {
	l, ok := m.links[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLink, name)
	}
	return l, nil
}

// Link returns the named link.
func (m *Manager) Link(name string) (*Link, bool) {
	l, ok := m.links[name]
	return l, ok
}

// Names returns link names in the order they were added.
func (m *Manager) Names() []string {
	return append([]string(nil), m.order...)
}

// Upstream returns the name of the link that receives events, or "".
func (m *Manager) Upstream() string { return m.upstream }

// PrimaryPeer returns the name of the link to the primary peer, or "".
func (m *Manager) PrimaryPeer() string { return m.primaryPeer }

// LinkForPeer returns the link whose peer is node.
func (m *Manager) LinkForPeer(node string) (string, bool) {
	for _, name := range m.order {
		if m.links[name].cfg.PeerName == node {
			return name, true
		}
	}
	return "", false
}

// State returns the state of the named link.
func (m *Manager) State(name string) (State, error) {
	l, err := m.link(name)
	if err != nil {
		return "", err
	}
	return l.State(), nil
}

// Snapshot returns the current stats. Safe for concurrent use.
func (m *Manager) Snapshot() Snapshot {
	return m.stats.snapshot()
}

// NumPending returns the number of persisted, unacknowledged events.
func (m *Manager) NumPending() int {
	return m.persister.NumPending()
}

// OutstandingAcks returns the number of unresolved ack waits on a link.
func (m *Manager) OutstandingAcks(name string) int {
	return m.acks.Outstanding(name)
}

// ReuploadInProgress reports whether pending events are still being
// replayed upstream.
func (m *Manager) ReuploadInProgress() bool {
	return m.reuploads.InProgress()
}

// Start moves every link to Connecting and starts the client pool.
func (m *Manager) Start(ctx context.Context) error {
	probs := problems.New(0)
	for _, name := range m.order {
		m.fire(m.links[name], TriggerStart, probs)
	}
	m.clients.Start(ctx)
	return probs.ErrorOrNil()
}

// Stop moves every link to Stopped, failing outstanding acks, and stops
// the client pool.
func (m *Manager) Stop() {
	probs := problems.New(0)
	for _, name := range m.order {
		m.fire(m.links[name], TriggerStop, probs)
	}
	m.clients.Stop()
	if !probs.Empty() {
		m.logger.Warn("link stop", "problems", probs.Summary())
	}
}

// fire applies trigger. Triggers that are not valid in the current state
// are ignored. Leaving Active, or dropping out of the send-capable
// states, fails every outstanding ack on the link.
func (m *Manager) fire(l *Link, trigger Trigger, probs *problems.Problems) (fsm.Result[State, Trigger], bool) {
	res, err := l.machine.Fire(trigger)
	if err != nil {
		m.logger.Debug("link trigger ignored", "link", l.Name(), "trigger", trigger, "state", res.From)
		return res, false
	}
	if res.Changed() {
		m.logger.Info("link transition", "link", l.Name(), "trigger", trigger, "from", res.From, "to", res.To)
	}
	m.stats.update(l.Name(), func(s *Stats) {
		s.State = res.To
		if res.Changed() {
			s.Transitions++
		}
	})
	if m.onChange != nil {
		m.onChange(l.Name(), res)
	}
	leftActive := res.From == Active && res.To != Active
	if leftActive || (res.From.ActiveForSend() && !res.To.ActiveForSend()) {
		if failed := m.acks.FailAll(l.Name()); len(failed) > 0 {
			m.logger.Info("acks failed", "link", l.Name(), "count", len(failed), "state", res.To)
		}
	}
	if leftActive && l.Name() == m.upstream && m.reuploads.InProgress() {
		m.logger.Info("reupload abandoned", "link", l.Name(), "remaining", m.reuploads.Remaining())
		m.reuploads.Clear()
	}
	return res, true
}

// settle runs the actions that follow a completed transition.
func (m *Manager) settle(l *Link, res fsm.Result[State, Trigger], probs *problems.Problems) {
	if res.To != Active || res.From == Active {
		return
	}
	var pending []string
	if l.Name() == m.upstream {
		pending = m.persister.Pending()
	}
	m.commEvent(l, &message.PeerActiveEvent{}, "", probs)
	if l.Name() != m.upstream {
		return
	}
	if len(pending) == 0 {
		return
	}
	m.logger.Info("reupload started", "link", l.Name(), "events", len(pending))
	m.stats.update(l.Name(), func(s *Stats) { s.ReuploadsStarted++ })
	m.reupload(l, m.reuploads.Start(pending), probs)
}

func (m *Manager) reupload(l *Link, ids []string, probs *problems.Problems) {
	for len(ids) > 0 {
		id := ids[0]
		ids = ids[1:]
		if err := m.publishPersisted(l, id); err != nil {
			probs.AddWarning(err)
			ids = append(ids, m.reuploads.Acked(id)...)
		}
	}
	if !m.reuploads.InProgress() {
		m.logger.Info("reuploads complete", "link", l.Name())
		m.stats.update(l.Name(), func(s *Stats) { s.ReuploadsCompleted++ })
	}
}

func (m *Manager) publishPersisted(l *Link, id string) error {
	data, err := m.persister.Retrieve(id)
	if err != nil {
		return fmt.Errorf("reupload %s: %w", id, err)
	}
	msg, err := l.codec.Decode("", data)
	if err != nil {
		return fmt.Errorf("reupload %s: %w", id, err)
	}
	msg.Header.AckRequired = true
	return m.PublishMessage(l.Name(), msg)
}

// PublishMessage encodes msg and publishes it on the named link. An
// AckRequired message gets an ack timer before it is handed to the client.
func (m *Manager) PublishMessage(linkName string, msg *message.Message) error {
	l, err := m.link(linkName)
	if err != nil {
		return err
	}
	data, err := l.codec.Encode(msg)
	if err != nil {
		return err
	}
	if msg.Header.AckRequired {
		if err := m.acks.Start(linkName, msg.Header.MessageID, msg.Header.MessageType, l.ackTimeout); err != nil {
			return err
		}
	}
	if err := m.clients.Publish(linkName, message.TopicFor(msg), data, mqtt.AtMostOnce); err != nil {
		if msg.Header.AckRequired {
			m.acks.Fail(linkName, msg.Header.MessageID)
		}
		return fmt.Errorf("publish %s on %s: %w", msg.Header.MessageType, linkName, err)
	}
	l.lastSend = m.now()
	m.stats.update(linkName, func(s *Stats) {
		s.Sent[msg.Header.MessageType]++
		s.LastSend = l.lastSend
	})
	return nil
}

// GenerateEvent stamps, persists and, if the upstream link can send,
// publishes ev. The event stays persisted until the upstream peer acks it.
func (m *Manager) GenerateEvent(ev message.Event) error {
	probs := problems.New(0)
	m.generate(ev, probs)
	return probs.ErrorOrNil()
}

func (m *Manager) generate(ev message.Event, probs *problems.Problems) {
	message.Stamp(ev, m.name, m.now())
	up := m.links[m.upstream]
	dst := ""
	codec := m.codec
	if up != nil {
		dst = up.PeerName()
		codec = up.codec
	}
	msg := message.New(m.name, dst, ev, message.WithAckRequired())
	data, err := codec.Encode(msg)
	if err != nil {
		probs.AddError(fmt.Errorf("event %s: %w", ev.TypeName(), err))
		return
	}
	if err := m.persister.Persist(msg.Header.MessageID, data); err != nil {
		probs.Add(err)
	}
	m.stats.event(ev.TypeName(), m.persister.NumPending())
	if up == nil || !up.State().ActiveForSend() {
		return
	}
	if err := m.PublishMessage(up.Name(), msg); err != nil {
		probs.AddWarning(err)
	}
}

func (m *Manager) commEvent(l *Link, ev message.CommEventer, reason string, probs *problems.Problems) {
	c := ev.Comm()
	c.PeerName = l.PeerName()
	c.Reason = reason
	m.stats.update(l.Name(), func(s *Stats) { s.CommEvents[ev.TypeName()]++ })
	m.generate(ev, probs)
}

// ProcessMQTTConnected handles a client connection: subscriptions are sent
// and the link waits for their subacks.
func (m *Manager) ProcessMQTTConnected(p *message.MQTTConnect) error {
	l, err := m.link(p.ClientName)
	if err != nil {
		return err
	}
	probs := problems.New(0)
	if _, ok := m.fire(l, TriggerMQTTConnected, probs); !ok {
		return probs.ErrorOrNil()
	}
	m.commEvent(l, &message.MQTTConnectEvent{}, "", probs)
	pending, err := m.clients.SubscribeAll(l.Name())
	if err != nil {
		probs.AddError(err)
	}
	l.pendingSubacks = pending
	if len(pending) == 0 {
		m.fullySubscribed(l, probs)
	}
	return probs.ErrorOrNil()
}

func (m *Manager) fullySubscribed(l *Link, probs *problems.Problems) {
	res, ok := m.fire(l, TriggerMQTTFullySubscribed, probs)
	if !ok {
		return
	}
	m.commEvent(l, &message.MQTTFullySubscribedEvent{}, "", probs)
	m.settle(l, res, probs)
	if res.To == AwaitingPeer {
		if err := m.sendPing(l); err != nil {
			probs.AddWarning(err)
		}
	}
}

// ProcessMQTTSuback records one subscription acknowledgement.
func (m *Manager) ProcessMQTTSuback(p *message.MQTTSuback) error {
	l, err := m.link(p.ClientName)
	if err != nil {
		return err
	}
	if _, ok := l.pendingSubacks[p.Topic]; !ok {
		m.logger.Debug("unexpected suback", "link", l.Name(), "topic", p.Topic)
		return nil
	}
	delete(l.pendingSubacks, p.Topic)
	probs := problems.New(0)
	if len(l.pendingSubacks) > 0 {
		m.fire(l, TriggerMQTTSuback, probs)
	} else {
		m.fullySubscribed(l, probs)
	}
	return probs.ErrorOrNil()
}

// ProcessMQTTDisconnected moves the link back to Connecting.
func (m *Manager) ProcessMQTTDisconnected(p *message.MQTTDisconnect) error {
	l, err := m.link(p.ClientName)
	if err != nil {
		return err
	}
	probs := problems.New(0)
	if _, ok := m.fire(l, TriggerMQTTDisconnected, probs); !ok {
		return probs.ErrorOrNil()
	}
	l.pendingSubacks = nil
	m.commEvent(l, &message.MQTTDisconnectEvent{}, p.Reason, probs)
	return probs.ErrorOrNil()
}

// ProcessMQTTConnectFailed records a failed connection attempt.
func (m *Manager) ProcessMQTTConnectFailed(p *message.MQTTConnectFail) error {
	l, err := m.link(p.ClientName)
	if err != nil {
		return err
	}
	probs := problems.New(0)
	if _, ok := m.fire(l, TriggerMQTTConnectFailed, probs); !ok {
		return probs.ErrorOrNil()
	}
	m.commEvent(l, &message.MQTTConnectFailedEvent{}, p.Reason, probs)
	return probs.ErrorOrNil()
}

// ProcessMQTTProblems reports a client-side failure as a problem event.
func (m *Manager) ProcessMQTTProblems(p *message.MQTTProblems) error {
	if _, err := m.link(p.ClientName); err != nil {
		return err
	}
	return m.GenerateEvent(message.NewProblemEvent(
		message.ProblemWarning,
		fmt.Sprintf("mqtt problems on %s", p.ClientName),
		p.Problem,
	))
}

// ProcessMQTTMessage decodes a received payload, updates the link and
// resolves acks. The decoded message is returned for routing.
func (m *Manager) ProcessMQTTMessage(p *message.MQTTReceipt) (*message.Message, error) {
	l, err := m.link(p.ClientName)
	if err != nil {
		return nil, err
	}
	probs := problems.New(0)
	msg, err := l.codec.Decode(p.Topic, p.Payload)
	if err != nil {
		probs.AddWarning(fmt.Errorf("link %s: %w", l.Name(), err))
		return nil, probs
	}
	l.lastRecv = m.now()
	m.stats.update(l.Name(), func(s *Stats) {
		s.Received[msg.Header.MessageType]++
		s.LastRecv = l.lastRecv
	})
	if msg.Header.Src == l.PeerName() {
		if res, ok := m.fire(l, TriggerMessageFromPeer, probs); ok {
			m.settle(l, res, probs)
		}
	}
	if ack, ok := msg.Payload.(*message.Ack); ok {
		m.processAck(l, ack.AckMessageID, probs)
	}
	return msg, probs.ErrorOrNil()
}

func (m *Manager) processAck(l *Link, id string, probs *problems.Problems) {
	_, waited := m.acks.Ack(l.Name(), id)
	if !waited {
		m.logger.Debug("ack without wait", "link", l.Name(), "message_id", id)
	}
	if !waited && !m.persister.Contains(id) {
		probs.AddWarning(fmt.Errorf("link %s: %w: %s", l.Name(), ErrUnknownAck, id))
		return
	}
	if m.persister.Contains(id) {
		if err := m.persister.Clear(id); err != nil {
			probs.Add(err)
		}
		m.stats.pending(m.persister.NumPending())
	}
	if l.Name() != m.upstream || !m.reuploads.InProgress() {
		return
	}
	if next := m.reuploads.Acked(id); len(next) > 0 || !m.reuploads.InProgress() {
		m.reupload(l, next, probs)
	}
}

// AutoAck answers msg with an Ack if it asked for one.
func (m *Manager) AutoAck(linkName string, msg *message.Message) error {
	if !msg.Header.AckRequired {
		return nil
	}
	ack := message.New(m.name, msg.Header.Src, &message.Ack{AckMessageID: msg.Header.MessageID})
	return m.PublishMessage(linkName, ack)
}

// ProcessAckTimeout resolves a fired ack timer. A timeout on an Active link
// moves it to AwaitingPeer and fails every other outstanding ack.
func (m *Manager) ProcessAckTimeout(p *message.AckTimeout) error {
	l, err := m.link(p.LinkName)
	if err != nil {
		return err
	}
	if _, ok := m.acks.Timeout(l.Name(), p.MessageID); !ok {
		return nil
	}
	probs := problems.New(0)
	res, ok := m.fire(l, TriggerResponseTimeout, probs)
	if ok && res.From == Active {
		m.commEvent(l, &message.ResponseTimeoutEvent{}, "ack timeout "+p.MessageID, probs)
	}
	return probs.ErrorOrNil()
}

// SendPingIfDue pings the peer if the link can send and has been idle for
// a ping period.
func (m *Manager) SendPingIfDue(linkName string) error {
	l, err := m.link(linkName)
	if err != nil {
		return err
	}
	if !l.State().ActiveForSend() || m.now().Sub(l.lastSend) < l.pingPeriod {
		return nil
	}
	return m.sendPing(l)
}

func (m *Manager) sendPing(l *Link) error {
	return m.PublishMessage(l.Name(), message.New(m.name, l.PeerName(), &message.Ping{}, message.WithAckRequired()))
}
