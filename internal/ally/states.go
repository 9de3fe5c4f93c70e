// Package ally decides how a heat pump and its thermal storage run.
//
// Each tick the controller looks at the electricity left in the current
// contract, the heating forecast and the tank temperatures, fires the
// triggers those imply and reports the relay positions the new state
// needs.
package ally

import (
	"github.com/thegridelectric/gwproactor/internal/fsm"
)

// State is a control mode.
type State string

const (
	Dormant                    State = "Dormant"
	WaitingElec                State = "WaitingElec"
	WaitingNoElec              State = "WaitingNoElec"
	HpOnStoreOff               State = "HpOnStoreOff"
	HpOnStoreCharge            State = "HpOnStoreCharge"
	HpOffStoreOff              State = "HpOffStoreOff"
	HpOffStoreDischarge        State = "HpOffStoreDischarge"
	HpOffOilBoilerTankAquastat State = "HpOffOilBoilerTankAquastat"
	StratBoss                  State = "StratBoss"
)

// Trigger moves the controller between states.
type Trigger string

const (
	NoMoreElec        Trigger = "NoMoreElec"
	ElecAvailable     Trigger = "ElecAvailable"
	ElecBufferFull    Trigger = "ElecBufferFull"
	ElecBufferEmpty   Trigger = "ElecBufferEmpty"
	NoElecBufferFull  Trigger = "NoElecBufferFull"
	NoElecBufferEmpty Trigger = "NoElecBufferEmpty"
	WakeUp            Trigger = "WakeUp"
	GoDormant         Trigger = "GoDormant"
	StartHackOil      Trigger = "StartHackOil"
	StopHackOil       Trigger = "StopHackOil"
	StartStratSaving  Trigger = "StartStratSaving"
	StopStratSaving   Trigger = "StopStratSaving"
)

// States lists every control mode.
var States = []State{
	Dormant,
	WaitingElec,
	WaitingNoElec,
	HpOnStoreOff,
	HpOnStoreCharge,
	HpOffStoreOff,
	HpOffStoreDischarge,
	HpOffOilBoilerTankAquastat,
	StratBoss,
}

// Triggers lists every trigger.
var Triggers = []Trigger{
	NoMoreElec,
	ElecAvailable,
	ElecBufferFull,
	ElecBufferEmpty,
	NoElecBufferFull,
	NoElecBufferEmpty,
	WakeUp,
	GoDormant,
	StartHackOil,
	StopHackOil,
	StartStratSaving,
	StopStratSaving,
}

type row = fsm.Transition[State, Trigger]

func transitions() []row {
	rows := []row{
		{From: Dormant, Trigger: WakeUp, To: WaitingNoElec},

		{From: WaitingElec, Trigger: NoMoreElec, To: WaitingNoElec},
		{From: WaitingElec, Trigger: ElecBufferEmpty, To: HpOnStoreOff},
		{From: WaitingElec, Trigger: ElecBufferFull, To: HpOnStoreCharge},

		{From: WaitingNoElec, Trigger: ElecAvailable, To: WaitingElec},
		{From: WaitingNoElec, Trigger: NoElecBufferEmpty, To: HpOffStoreDischarge},
		{From: WaitingNoElec, Trigger: NoElecBufferFull, To: HpOffStoreOff},

		{From: HpOnStoreOff, Trigger: NoMoreElec, To: HpOffStoreOff},
		{From: HpOnStoreOff, Trigger: ElecBufferFull, To: HpOnStoreCharge},

		{From: HpOnStoreCharge, Trigger: NoMoreElec, To: HpOffStoreOff},
		{From: HpOnStoreCharge, Trigger: ElecBufferEmpty, To: HpOnStoreOff},
		{From: HpOnStoreCharge, Trigger: ElecBufferFull, To: WaitingElec},

		{From: HpOffStoreOff, Trigger: ElecAvailable, To: HpOnStoreOff},
		{From: HpOffStoreOff, Trigger: NoElecBufferEmpty, To: HpOffStoreDischarge},

		{From: HpOffStoreDischarge, Trigger: ElecAvailable, To: HpOnStoreOff},
		{From: HpOffStoreDischarge, Trigger: NoElecBufferFull, To: HpOffStoreOff},
		{From: HpOffStoreDischarge, Trigger: StartStratSaving, To: StratBoss},

		{From: StratBoss, Trigger: StopStratSaving, To: HpOnStoreOff},

		{From: HpOffOilBoilerTankAquastat, Trigger: StopHackOil, To: WaitingNoElec},
	}
	for _, s := range []State{HpOffStoreOff, HpOffStoreDischarge, WaitingNoElec} {
		rows = append(rows, row{From: s, Trigger: StartHackOil, To: HpOffOilBoilerTankAquastat})
	}
	for _, s := range States {
		if s != Dormant {
			rows = append(rows, row{From: s, Trigger: GoDormant, To: Dormant})
		}
	}
	return rows
}

// Table is the validated transition table.
var Table = fsm.MustTable(States, Triggers, transitions())
