// Package message defines the envelope exchanged between proactors and
// between in-process actors, the payload registry, the JSON wire codec and
// the MQTT topic scheme.
package message

import (
	"github.com/google/uuid"
)

// HeaderTypeName identifies the header shape on the wire.
const HeaderTypeName = "gridworks.header"

// Header carries routing and acknowledgement data for a Message.
type Header struct {
	Src         string `json:"Src"`
	Dst         string `json:"Dst"`
	MessageType string `json:"MessageType"`
	MessageID   string `json:"MessageId"`
	AckRequired bool   `json:"AckRequired"`
	TypeName    string `json:"TypeName"`
}

// Payload is the body of a Message. TypeName must be unique across the
// registry and must not contain '-'.
type Payload interface {
	TypeName() string
}

// Message is a header plus a typed payload.
type Message struct {
	Header  Header
	Payload Payload
}

// Option customises a Message built by New.
type Option func(*Message)

// WithAckRequired marks the message as needing an application-level Ack.
func WithAckRequired() Option {
	return func(m *Message) { m.Header.AckRequired = true }
}

// WithMessageID overrides the generated message id.
func WithMessageID(id string) Option {
	return func(m *Message) { m.Header.MessageID = id }
}

// New builds a Message from src to dst. The message id is a fresh UUID
// unless the payload is an Event, in which case the event's own id is used.
func New(src, dst string, payload Payload, opts ...Option) *Message {
	m := &Message{
		Header: Header{
			Src:         src,
			Dst:         dst,
			MessageType: payload.TypeName(),
			TypeName:    HeaderTypeName,
		},
		Payload: payload,
	}
	if ev, ok := payload.(Event); ok && ev.Base().MessageID != "" {
		m.Header.MessageID = ev.Base().MessageID
	} else {
		m.Header.MessageID = uuid.NewString()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ping keeps a link alive; it is sent with AckRequired so a silent peer
// produces an ack timeout.
type Ping struct{}

func (*Ping) TypeName() string { return "gridworks.ping" }

// Ack acknowledges the message identified by AckMessageID.
type Ack struct {
	AckMessageID string `json:"AckMessageID"`
}

func (*Ack) TypeName() string { return "gridworks.ack" }

// Shutdown asks the receiving proactor to stop.
type Shutdown struct {
	Reason string `json:"Reason"`
}

func (*Shutdown) TypeName() string { return "gridworks.shutdown" }

// PatWatchdog tells the watchdog that Header.Src is alive.
type PatWatchdog struct{}

func (*PatWatchdog) TypeName() string { return "gridworks.pat.watchdog" }
