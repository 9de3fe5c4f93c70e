// Package mqtt manages a pool of named MQTT client sessions with
// abstraction for testing.
//
// Client callbacks never touch proactor state directly: connects,
// disconnects, subacks and received bytes are posted to a Sink as typed
// messages and handled on the proactor's dispatch loop.
package mqtt

import (
	"errors"

	"github.com/thegridelectric/gwproactor/internal/config"
	"github.com/thegridelectric/gwproactor/internal/message"
)

// QoS levels used by the pool.
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
)

var (
	// ErrUnknownClient is returned for a client name that was never added.
	ErrUnknownClient = errors.New("unknown mqtt client")

	// ErrDuplicateClient is returned when a name is added twice.
	ErrDuplicateClient = errors.New("duplicate mqtt client")

	// ErrNotConnected is returned by Publish while a client is down.
	ErrNotConnected = errors.New("mqtt client not connected")
)

// Conn is one broker session. RealConn wraps paho; FakeConn is used in tests.
type Conn interface {
	// Connect blocks until the session is up or the attempt fails.
	Connect() error

	// Disconnect closes the session.
	Disconnect()

	// Subscribe blocks until the broker acknowledges the subscription.
	Subscribe(topic string, qos byte) error

	// Publish sends payload on topic.
	Publish(topic string, qos byte, payload []byte) error

	// IsConnected reports whether the session is up.
	IsConnected() bool
}

// Handlers are invoked from the connection's own goroutines.
type Handlers struct {
	OnConnect        func()
	OnConnectionLost func(err error)
	OnMessage        func(topic string, payload []byte)
}

// Dialer builds a Conn for a named client. It must not connect.
type Dialer func(name string, cfg config.MQTTClient, h Handlers) (Conn, error)

// Sink receives client callbacks as messages. It must be safe to call from
// any goroutine.
type Sink interface {
	SendThreadsafe(m *message.Message)
}

// Subscription is a topic filter and QoS.
type Subscription struct {
	Topic string
	QoS   byte
}
