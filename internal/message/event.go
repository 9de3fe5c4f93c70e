package message

import (
	"time"

	"github.com/google/uuid"
)

// EventBase is embedded by every event payload.
type EventBase struct {
	MessageID     string `json:"MessageId"`
	TimeCreatedMs int64  `json:"TimeCreatedMs"`
	Src           string `json:"Src"`
	Type          string `json:"TypeName"`
}

// Base gives access to the embedded EventBase.
func (b *EventBase) Base() *EventBase { return b }

// Event is a payload that is persisted when generated and cleared when the
// upstream peer acks it.
type Event interface {
	Payload
	Base() *EventBase
}

// Stamp fills any unset EventBase fields of ev.
func Stamp(ev Event, src string, now time.Time) {
	b := ev.Base()
	if b.MessageID == "" {
		b.MessageID = uuid.NewString()
	}
	if b.TimeCreatedMs == 0 {
		b.TimeCreatedMs = now.UnixMilli()
	}
	if b.Src == "" {
		b.Src = src
	}
	b.Type = ev.TypeName()
}

// CommEvent reports a transition of a link to PeerName.
type CommEvent struct {
	EventBase
	PeerName string `json:"PeerName"`
	Reason   string `json:"Reason,omitempty"`
}

// Comm gives access to the embedded CommEvent.
func (c *CommEvent) Comm() *CommEvent { return c }

// CommEventer is implemented by every comm event.
type CommEventer interface {
	Event
	Comm() *CommEvent
}

// PeerActiveEvent is generated when a link enters Active.
type PeerActiveEvent struct{ CommEvent }

func (*PeerActiveEvent) TypeName() string { return "gridworks.event.comm.peer.active" }

// MQTTConnectEvent is generated when a client connects.
type MQTTConnectEvent struct{ CommEvent }

func (*MQTTConnectEvent) TypeName() string { return "gridworks.event.comm.mqtt.connect" }

// MQTTDisconnectEvent is generated when a client loses its connection.
type MQTTDisconnectEvent struct{ CommEvent }

func (*MQTTDisconnectEvent) TypeName() string { return "gridworks.event.comm.mqtt.disconnect" }

// MQTTConnectFailedEvent is generated when a connection attempt fails.
type MQTTConnectFailedEvent struct{ CommEvent }

func (*MQTTConnectFailedEvent) TypeName() string {
	return "gridworks.event.comm.mqtt.connect.failed"
}

// MQTTFullySubscribedEvent is generated when every subscription of a client
// has been acknowledged.
type MQTTFullySubscribedEvent struct{ CommEvent }

func (*MQTTFullySubscribedEvent) TypeName() string {
	return "gridworks.event.comm.mqtt.fully.subscribed"
}

// ResponseTimeoutEvent is generated when an Active link misses an ack.
type ResponseTimeoutEvent struct{ CommEvent }

func (*ResponseTimeoutEvent) TypeName() string {
	return "gridworks.event.comm.peer.response.timeout"
}

// ProblemType grades a ProblemEvent.
type ProblemType string

const (
	ProblemError   ProblemType = "error"
	ProblemWarning ProblemType = "warning"
)

// ProblemEvent reports a non-fatal failure upstream.
type ProblemEvent struct {
	EventBase
	ProblemType ProblemType `json:"ProblemType"`
	Summary     string      `json:"Summary"`
	Details     string      `json:"Details"`
}

func (*ProblemEvent) TypeName() string { return "gridworks.event.problem" }

// NewProblemEvent builds an unstamped problem event.
func NewProblemEvent(kind ProblemType, summary, details string) *ProblemEvent {
	return &ProblemEvent{ProblemType: kind, Summary: summary, Details: details}
}

// StartupEvent is generated once when a proactor starts.
type StartupEvent struct {
	EventBase
}

func (*StartupEvent) TypeName() string { return "gridworks.event.startup" }

// ShutdownEvent is generated when a proactor stops.
type ShutdownEvent struct {
	EventBase
	Reason string `json:"Reason"`
}

func (*ShutdownEvent) TypeName() string { return "gridworks.event.shutdown" }
