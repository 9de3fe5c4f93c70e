// Package contract implements the slow-dispatch contract between an ATN
// and its SCADA: an hour-long agreement on average electrical power,
// carried by heartbeats that both sides persist.
package contract

import "errors"

// ErrNoContract is returned when an operation needs an open contract.
var ErrNoContract = errors.New("no active contract")

// Status is where a contract is in its life.
type Status string

const (
	Created                 Status = "Created"
	Received                Status = "Received"
	Confirmed               Status = "Confirmed"
	Active                  Status = "Active"
	TerminatedByAtn         Status = "TerminatedByAtn"
	TerminatedByScada       Status = "TerminatedByScada"
	CompletedUnknownOutcome Status = "CompletedUnknownOutcome"
	CompletedSuccess        Status = "CompletedSuccess"
	CompletedFailureByAtn   Status = "CompletedFailureByAtn"
	CompletedFailureByScada Status = "CompletedFailureByScada"
)

// Terminal reports whether no further heartbeat follows s.
func (s Status) Terminal() bool {
	switch s {
	case TerminatedByAtn, TerminatedByScada,
		CompletedUnknownOutcome, CompletedSuccess, CompletedFailureByAtn, CompletedFailureByScada:
		return true
	}
	return false
}

// Contract is one hour of agreed power.
type Contract struct {
	ContractID      string `json:"ContractId"`
	ScadaAlias      string `json:"ScadaAlias"`
	StartS          int64  `json:"StartS"`
	DurationMinutes int    `json:"DurationMinutes"`
	AvgPowerWatts   int    `json:"AvgPowerWatts"`
	OilBoilerOn     bool   `json:"OilBoilerOn"`
}

// EndS is the unix second the contract expires.
func (c Contract) EndS() int64 {
	return c.StartS + int64(c.DurationMinutes)*60
}

// Heartbeat is a signed snapshot of a contract. MyDigit and YourLastDigit
// let each side notice a skipped heartbeat.
type Heartbeat struct {
	FromNode         string   `json:"FromGNodeAlias"`
	Contract         Contract `json:"Contract"`
	Status           Status   `json:"Status"`
	PreviousStatus   Status   `json:"PreviousStatus,omitempty"`
	Cause            string   `json:"Cause,omitempty"`
	MessageCreatedMs int64    `json:"MessageCreatedMs"`
	MyDigit          int      `json:"MyDigit"`
	YourLastDigit    *int     `json:"YourLastDigit,omitempty"`
	WattHoursUsed    *int     `json:"WattHoursUsed,omitempty"`
}

func (*Heartbeat) TypeName() string { return "slow.dispatch.contract.heartbeat" }

// Copy returns a deep copy of hb.
func (hb *Heartbeat) Copy() *Heartbeat {
	if hb == nil {
		return nil
	}
	out := *hb
	if hb.YourLastDigit != nil {
		d := *hb.YourLastDigit
		out.YourLastDigit = &d
	}
	if hb.WattHoursUsed != nil {
		w := *hb.WattHoursUsed
		out.WattHoursUsed = &w
	}
	return &out
}

// TerminateContract asks the running ATN to end the open contract.
type TerminateContract struct {
	Cause string `json:"Cause"`
}

func (*TerminateContract) TypeName() string { return "terminate.contract" }

// PriceUpdate carries the latest electricity price in $/MWh.
type PriceUpdate struct {
	PriceUsdPerMwh float64 `json:"PriceUsdPerMwh"`
}

func (*PriceUpdate) TypeName() string { return "price.update" }

// EnergyInstruction sets the energy for the next contract.
type EnergyInstruction struct {
	WattHours int `json:"WattHours"`
}

func (*EnergyInstruction) TypeName() string { return "energy.instruction" }
