package mqtt

import (
	"errors"
	"strings"
	"sync"

	"github.com/thegridelectric/gwproactor/internal/config"
)

// Published records one publish seen by a FakeConn.
type Published struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// FakeBroker is an in-memory broker for tests. Conns dialed through it
// route publishes to every connected conn with a matching subscription.
type FakeBroker struct {
	mu    sync.Mutex
	conns map[string]*FakeConn
}

// NewFakeBroker returns an empty broker.
func NewFakeBroker() *FakeBroker {
	return &FakeBroker{conns: make(map[string]*FakeConn)}
}

// Dialer returns a Dialer whose conns are keyed by prefix+client name, so
// several proactors can share one broker.
func (b *FakeBroker) Dialer(prefix string) Dialer {
	return func(name string, cfg config.MQTTClient, h Handlers) (Conn, error) {
		c := &FakeConn{Name: prefix + name, Handlers: h, broker: b}
		b.mu.Lock()
		b.conns[c.Name] = c
		b.mu.Unlock()
		return c, nil
	}
}

// Conn returns the conn registered under key.
func (b *FakeBroker) Conn(key string) *FakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[key]
}

func (b *FakeBroker) route(from *FakeConn, topic string, payload []byte) {
	b.mu.Lock()
	targets := make([]*FakeConn, 0, len(b.conns))
	for _, c := range b.conns {
		if c != from && c.wants(topic) {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()
	for _, c := range targets {
		c.Deliver(topic, payload)
	}
}

// FakeConn is a Conn that records calls. Tests drive connection
// transitions with Drop and Restore.
type FakeConn struct {
	Name     string
	Handlers Handlers

	mu           sync.Mutex
	broker       *FakeBroker
	connected    bool
	blockInbound bool
	connectErr   error
	subscribeErr error
	published    []Published
	subscribed   []Subscription
	connects     int
}

// SetConnectError makes later Connect calls fail with err (nil clears).
func (f *FakeConn) SetConnectError(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

// SetSubscribeError makes later Subscribe calls fail with err.
func (f *FakeConn) SetSubscribeError(err error) {
	f.mu.Lock()
	f.subscribeErr = err
	f.mu.Unlock()
}

// BlockInbound drops everything routed to this conn while set.
func (f *FakeConn) BlockInbound(block bool) {
	f.mu.Lock()
	f.blockInbound = block
	f.mu.Unlock()
}

// Connect implements Conn and fires OnConnect on success.
func (f *FakeConn) Connect() error {
	f.mu.Lock()
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	f.connected = true
	f.connects++
	f.subscribed = nil
	f.mu.Unlock()
	if f.Handlers.OnConnect != nil {
		f.Handlers.OnConnect()
	}
	return nil
}

// Disconnect implements Conn.
func (f *FakeConn) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

// Drop simulates a lost connection.
func (f *FakeConn) Drop(err error) {
	f.mu.Lock()
	f.connected = false
	f.subscribed = nil
	f.mu.Unlock()
	if err == nil {
		err = errors.New("connection lost")
	}
	if f.Handlers.OnConnectionLost != nil {
		f.Handlers.OnConnectionLost(err)
	}
}

// Restore simulates an automatic reconnect.
func (f *FakeConn) Restore() {
	_ = f.Connect()
}

// Subscribe implements Conn.
func (f *FakeConn) Subscribe(topic string, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	if !f.connected {
		return ErrNotConnected
	}
	f.subscribed = append(f.subscribed, Subscription{Topic: topic, QoS: qos})
	return nil
}

// Publish implements Conn and routes through the broker, if any.
func (f *FakeConn) Publish(topic string, qos byte, payload []byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return ErrNotConnected
	}
	f.published = append(f.published, Published{Topic: topic, QoS: qos, Payload: append([]byte(nil), payload...)})
	broker := f.broker
	f.mu.Unlock()
	if broker != nil {
		broker.route(f, topic, payload)
	}
	return nil
}

// IsConnected implements Conn.
func (f *FakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Deliver hands payload to OnMessage as if received from the broker.
func (f *FakeConn) Deliver(topic string, payload []byte) {
	f.mu.Lock()
	blocked := f.blockInbound
	f.mu.Unlock()
	if blocked || f.Handlers.OnMessage == nil {
		return
	}
	f.Handlers.OnMessage(topic, payload)
}

// Published returns a copy of everything published.
func (f *FakeConn) Published() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Published(nil), f.published...)
}

// Subscribed returns the subscriptions made since the last connect.
func (f *FakeConn) Subscribed() []Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Subscription(nil), f.subscribed...)
}

// Connects returns the number of successful Connect calls.
func (f *FakeConn) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *FakeConn) wants(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	for _, s := range f.subscribed {
		if TopicMatches(s.Topic, topic) {
			return true
		}
	}
	return false
}

// TopicMatches reports whether topic matches an MQTT filter with '+' and
// '#' wildcards.
func TopicMatches(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
