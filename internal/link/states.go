// Package link tracks the health of each named MQTT peer connection.
//
// Every link owns a small state machine driven by MQTT callbacks, peer
// traffic and ack timeouts. The Manager publishes through links, starts ack
// timers, generates and persists events, and replays pending events to the
// upstream peer whenever its link becomes Active.
package link

import (
	"github.com/thegridelectric/gwproactor/internal/fsm"
)

// State is the condition of one link.
type State string

const (
	NotStarted           State = "not_started"
	Connecting           State = "connecting"
	AwaitingSetupAndPeer State = "awaiting_setup_and_peer"
	AwaitingSetup        State = "awaiting_setup"
	AwaitingPeer         State = "awaiting_peer"
	Active               State = "active"
	Stopped              State = "stopped"
)

// Trigger is an input to a link state machine.
type Trigger string

const (
	TriggerStart               Trigger = "start"
	TriggerMQTTConnected       Trigger = "mqtt_connected"
	TriggerMQTTConnectFailed   Trigger = "mqtt_connect_failed"
	TriggerMQTTSuback          Trigger = "mqtt_suback"
	TriggerMQTTFullySubscribed Trigger = "mqtt_fully_subscribed"
	TriggerMessageFromPeer     Trigger = "message_from_peer"
	TriggerResponseTimeout     Trigger = "response_timeout"
	TriggerMQTTDisconnected    Trigger = "mqtt_disconnected"
	TriggerStop                Trigger = "stop"
)

// States lists every link state.
var States = []State{
	NotStarted,
	Connecting,
	AwaitingSetupAndPeer,
	AwaitingSetup,
	AwaitingPeer,
	Active,
	Stopped,
}

// Triggers lists every link trigger.
var Triggers = []Trigger{
	TriggerStart,
	TriggerMQTTConnected,
	TriggerMQTTConnectFailed,
	TriggerMQTTSuback,
	TriggerMQTTFullySubscribed,
	TriggerMessageFromPeer,
	TriggerResponseTimeout,
	TriggerMQTTDisconnected,
	TriggerStop,
}

type row = fsm.Transition[State, Trigger]

func transitions() []row {
	rows := []row{
		{From: NotStarted, Trigger: TriggerStart, To: Connecting},
		{From: Connecting, Trigger: TriggerMQTTConnected, To: AwaitingSetupAndPeer},
		{From: Connecting, Trigger: TriggerMQTTConnectFailed, To: Connecting},

		{From: AwaitingSetupAndPeer, Trigger: TriggerMQTTSuback, To: AwaitingSetupAndPeer},
		{From: AwaitingSetupAndPeer, Trigger: TriggerMQTTFullySubscribed, To: AwaitingPeer},
		{From: AwaitingSetupAndPeer, Trigger: TriggerMessageFromPeer, To: AwaitingSetup},

		{From: AwaitingSetup, Trigger: TriggerMQTTSuback, To: AwaitingSetup},
		{From: AwaitingSetup, Trigger: TriggerMQTTFullySubscribed, To: Active},
		{From: AwaitingSetup, Trigger: TriggerMessageFromPeer, To: AwaitingSetup},
		{From: AwaitingSetup, Trigger: TriggerResponseTimeout, To: AwaitingSetup},

		{From: AwaitingPeer, Trigger: TriggerMessageFromPeer, To: Active},
		{From: AwaitingPeer, Trigger: TriggerResponseTimeout, To: AwaitingPeer},

		{From: Active, Trigger: TriggerMessageFromPeer, To: Active},
		{From: Active, Trigger: TriggerResponseTimeout, To: AwaitingPeer},
	}
	for _, s := range States {
		if s != Stopped {
			rows = append(rows, row{From: s, Trigger: TriggerMQTTDisconnected, To: Connecting})
		}
		rows = append(rows, row{From: s, Trigger: TriggerStop, To: Stopped})
	}
	return rows
}

// Table is the validated link transition table.
var Table = fsm.MustTable(States, Triggers, transitions())

// ActiveForSend reports whether the peer is expected to receive what is
// published on a link in state s.
func (s State) ActiveForSend() bool {
	return s == AwaitingPeer || s == AwaitingSetup || s == Active
}

// ActiveForRecv reports whether messages from the peer are flowing.
func (s State) ActiveForRecv() bool {
	return s == AwaitingSetup || s == Active
}

// Active reports whether the link is usable in both directions.
func (s State) Active() bool {
	return s.ActiveForSend() && s.ActiveForRecv()
}

// StateIndex returns the position of s in States, or -1.
func StateIndex(s State) int {
	for i, v := range States {
		if v == s {
			return i
		}
	}
	return -1
}
