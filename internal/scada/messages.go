package scada

import (
	"github.com/thegridelectric/gwproactor/internal/ally"
	"github.com/thegridelectric/gwproactor/internal/cmdtree"
	"github.com/thegridelectric/gwproactor/internal/contract"
	"github.com/thegridelectric/gwproactor/internal/flow"
	"github.com/thegridelectric/gwproactor/internal/message"
)

// ChannelReadings carries a batch of readings of one data channel. It is
// an event: readings are persisted until the ATN acks them.
type ChannelReadings struct {
	message.EventBase
	ChannelName             string  `json:"ChannelName"`
	ValueList               []int64 `json:"ValueList"`
	ScadaReadTimeUnixMsList []int64 `json:"ScadaReadTimeUnixMsList"`
}

func (*ChannelReadings) TypeName() string { return "channel.readings" }

// Add appends one reading.
func (c *ChannelReadings) Add(value, unixMs int64) {
	c.ValueList = append(c.ValueList, value)
	c.ScadaReadTimeUnixMsList = append(c.ScadaReadTimeUnixMsList, unixMs)
}

// Latest returns the most recent value of the batch.
func (c *ChannelReadings) Latest() (value, unixMs int64, ok bool) {
	n := len(c.ValueList)
	if n == 0 || n != len(c.ScadaReadTimeUnixMsList) {
		return 0, 0, false
	}
	return c.ValueList[n-1], c.ScadaReadTimeUnixMsList[n-1], true
}

// FsmEvent asks a node to change state. FromHandle is the sender's handle
// when the command was issued; the receiver rejects it unless that handle
// still commands it.
type FsmEvent struct {
	FromHandle     string `json:"FromHandle"`
	ToHandle       string `json:"ToHandle"`
	EventName      string `json:"EventName"`
	SendTimeUnixMs int64  `json:"SendTimeUnixMs"`
}

func (*FsmEvent) TypeName() string { return "fsm.event" }

// RelayReport is generated each time a relay actor changes its output.
type RelayReport struct {
	message.EventBase
	RelayName  string `json:"RelayName"`
	FromHandle string `json:"FromHandle"`
	Position   string `json:"Position"`
	Energized  bool   `json:"Energized"`
}

func (*RelayReport) TypeName() string { return "relay.report" }

// ElecBudget tells the ally how much energy the current contract has left.
type ElecBudget struct {
	RemainingWh float64 `json:"RemainingWh"`
	OilBoilerOn bool    `json:"OilBoilerOn"`
	ContractID  string  `json:"ContractId,omitempty"`
}

func (*ElecBudget) TypeName() string { return "elec.budget" }

// StratSavingDone is sent by the strat boss when it hands control back.
type StratSavingDone struct{}

func (*StratSavingDone) TypeName() string { return "strat.saving.done" }

// StartStratSaving is sent by the ally when it hands control to the strat
// boss.
type StartStratSaving struct{}

func (*StartStratSaving) TypeName() string { return "strat.saving.start" }

// AllyMode asks the ally to wake up or go dormant.
type AllyMode struct {
	Dormant bool `json:"Dormant"`
}

func (*AllyMode) TypeName() string { return "ally.mode" }

// tick is the periodic wake-up a runnable actor sends itself.
type tick struct{}

func (*tick) TypeName() string { return "scada.tick" }

// Registry decodes every payload a SCADA exchanges with its peers.
func Registry() *message.Registry {
	return message.NewRegistry(
		func() message.Payload { return &ChannelReadings{} },
		func() message.Payload { return &FsmEvent{} },
		func() message.Payload { return &RelayReport{} },
		func() message.Payload { return &ElecBudget{} },
		func() message.Payload { return &AllyMode{} },
		func() message.Payload { return &ally.HeatingForecast{} },
		func() message.Payload { return &ally.GivesUp{} },
		func() message.Payload { return &ally.StateChangeEvent{} },
		func() message.Payload { return &cmdtree.NewCommandTree{} },
		func() message.Payload { return &cmdtree.SwitchTree{} },
		func() message.Payload { return &contract.Heartbeat{} },
		func() message.Payload { return &contract.TerminateContract{} },
		func() message.Payload { return &flow.TicklistHall{} },
		func() message.Payload { return &flow.TicklistReed{} },
		func() message.Payload { return &flow.HallParams{} },
		func() message.Payload { return &flow.ReedParams{} },
	)
}
