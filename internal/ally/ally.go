package ally

import (
	"sort"
	"strings"
	"time"

	"github.com/thegridelectric/gwproactor/internal/fsm"
	"github.com/thegridelectric/gwproactor/internal/message"
)

// maxChain bounds the transitions one evaluation may fire.
const maxChain = 6

// Result is one fired transition.
type Result = fsm.Result[State, Trigger]

// Ally is the controller state. Not safe for concurrent use.
type Ally struct {
	machine          *fsm.Machine[State, Trigger]
	params           Params
	stratBoss        bool
	storageFullUntil time.Time
}

// New returns a dormant controller. stratBoss says whether the site has a
// strat boss to hand the heat pump to when it restarts over a
// discharging store.
func New(params Params, stratBoss bool) *Ally {
	return &Ally{
		machine:   fsm.NewMachine(Table, Dormant),
		params:    params,
		stratBoss: stratBoss,
	}
}

// State returns the current mode.
func (a *Ally) State() State { return a.machine.State() }

// WakeUp leaves Dormant and evaluates once. Without a forecast it fails
// with ErrNoForecast and stays Dormant.
func (a *Ally) WakeUp(in Inputs) ([]Result, error) {
	if in.Forecast == nil || len(in.Forecast.RswtF) == 0 {
		return nil, ErrNoForecast
	}
	res, err := a.machine.Fire(WakeUp)
	if err != nil {
		return nil, err
	}
	more, err := a.Evaluate(in)
	return append([]Result{res}, more...), err
}

// GoDormant stops active control.
func (a *Ally) GoDormant() (Result, error) {
	return a.machine.Fire(GoDormant)
}

// StratSavingDone hands control back from the strat boss.
func (a *Ally) StratSavingDone() (Result, error) {
	return a.machine.Fire(StopStratSaving)
}

// Evaluate fires triggers until the inputs imply no further change. A
// failed predicate stops the chain and is returned with the transitions
// already made.
func (a *Ally) Evaluate(in Inputs) ([]Result, error) {
	var out []Result
	for i := 0; i < maxChain; i++ {
		trigger, err := a.next(in)
		if err != nil || trigger == "" {
			return out, err
		}
		res, err := a.machine.Fire(trigger)
		if err != nil {
			return out, err
		}
		out = append(out, res)
		if !res.Changed() {
			break
		}
	}
	return out, nil
}

// storageFull is sticky: once the store cold pipe is over MaxEwtF the
// store counts as full for StorageFullFor.
func (a *Ally) storageFull(in Inputs) (bool, error) {
	cold, err := in.temp(StoreColdPipe)
	if err != nil {
		return false, err
	}
	if cold > a.params.MaxEwtF {
		a.storageFullUntil = in.Now.Add(a.params.StorageFullFor)
		return true, nil
	}
	return in.Now.Before(a.storageFullUntil), nil
}

func (a *Ally) next(in Inputs) (Trigger, error) {
	state := a.State()
	switch state {
	case Dormant, StratBoss:
		return "", nil
	case HpOffOilBoilerTankAquastat:
		if !in.OilBoilerOn {
			return StopHackOil, nil
		}
		return "", nil
	}
	if in.OilBoilerOn && a.machine.Can(StartHackOil) {
		return StartHackOil, nil
	}

	noElec := in.noMoreElec()
	switch state {
	case WaitingElec:
		if noElec {
			return NoMoreElec, nil
		}
		empty, err := in.bufferEmpty()
		if err != nil {
			return "", err
		}
		if empty {
			return ElecBufferEmpty, nil
		}
		full, err := a.storageFull(in)
		if err != nil {
			return "", err
		}
		if !full {
			return ElecBufferFull, nil
		}

	case WaitingNoElec:
		if !noElec {
			return ElecAvailable, nil
		}
		return a.noElecBuffer(in)

	case HpOnStoreOff:
		if noElec {
			return NoMoreElec, nil
		}
		full, err := in.bufferFull(false, a.params)
		if err != nil {
			return "", err
		}
		if full {
			return ElecBufferFull, nil
		}

	case HpOnStoreCharge:
		if noElec {
			return NoMoreElec, nil
		}
		empty, err := in.bufferEmpty()
		if err != nil {
			return "", err
		}
		if empty {
			return ElecBufferEmpty, nil
		}
		full, err := a.storageFull(in)
		if err != nil {
			return "", err
		}
		if full {
			return ElecBufferFull, nil
		}

	case HpOffStoreOff:
		if !noElec {
			return ElecAvailable, nil
		}
		t, err := a.noElecBuffer(in)
		if t == NoElecBufferEmpty {
			return t, nil
		}
		return "", err

	case HpOffStoreDischarge:
		if !noElec {
			if a.stratBoss {
				return StartStratSaving, nil
			}
			return ElecAvailable, nil
		}
		full, err := in.bufferFull(true, a.params)
		if err != nil {
			return "", err
		}
		colder, err := in.storageColderThanBuffer(a.params)
		if err != nil {
			return "", err
		}
		if full || colder {
			return NoElecBufferFull, nil
		}
	}
	return "", nil
}

// noElecBuffer picks between discharging the store into an empty buffer
// and leaving both alone.
func (a *Ally) noElecBuffer(in Inputs) (Trigger, error) {
	empty, err := in.bufferEmpty()
	if err != nil {
		return "", err
	}
	colder, err := in.storageColderThanBuffer(a.params)
	if err != nil {
		return "", err
	}
	if empty && !colder {
		return NoElecBufferEmpty, nil
	}
	return NoElecBufferFull, nil
}

// Relay node names and the positions the ally drives them to.
const (
	HpScadaOps        = "hp-scada-ops"
	StorePumpFailsafe = "store-pump-failsafe"
	StoreValves       = "store-charge-discharge"
	HpFailsafe        = "hp-failsafe"
	AquastatCtrl      = "aquastat-ctrl"

	HpOn           = "HpOn"
	HpOff          = "HpOff"
	StorePumpOn    = "StorePumpOn"
	StorePumpOff   = "StorePumpOff"
	Charging       = "Charging"
	Discharging    = "Discharging"
	HpScada        = "HpScada"
	HpAquastat     = "HpAquastat"
	AquastatScada  = "AquastatScada"
	AquastatBoiler = "AquastatBoiler"
)

// RelayPositions returns the relay positions state s calls for, keyed by
// relay name. Dormant drives nothing. In StratBoss the heat pump and store
// pump belong to the strat boss and are left out.
func RelayPositions(s State) map[string]string {
	if s == Dormant {
		return nil
	}
	name := string(s)
	out := map[string]string{
		HpScadaOps:        HpOff,
		StorePumpFailsafe: StorePumpOff,
		HpFailsafe:        HpScada,
		AquastatCtrl:      AquastatScada,
	}
	if strings.Contains(name, "HpOn") {
		out[HpScadaOps] = HpOn
	}
	switch {
	case strings.Contains(name, "StoreCharge"):
		out[StorePumpFailsafe] = StorePumpOn
		out[StoreValves] = Charging
	case strings.Contains(name, "StoreDischarge"):
		out[StorePumpFailsafe] = StorePumpOn
		out[StoreValves] = Discharging
	}
	if strings.Contains(name, "OilBoilerTankAquastat") {
		out[HpFailsafe] = HpAquastat
		out[AquastatCtrl] = AquastatBoiler
	}
	if s == StratBoss {
		delete(out, HpScadaOps)
		delete(out, StorePumpFailsafe)
	}
	return out
}

// RelayCommand asks one relay for one position.
type RelayCommand struct {
	Relay    string
	Position string
}

// UpdateRelays returns, sorted by relay, the commands that move the relays
// from where prev left them to where next wants them. Leaving Dormant or
// StratBoss commands every relay next drives.
func UpdateRelays(prev, next State) []RelayCommand {
	want := RelayPositions(next)
	had := RelayPositions(prev)
	full := prev == Dormant || prev == StratBoss
	var out []RelayCommand
	for relay, pos := range want {
		if full || had[relay] != pos {
			out = append(out, RelayCommand{Relay: relay, Position: pos})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Relay < out[j].Relay })
	return out
}

// GivesUp is generated when the ally cannot take control.
type GivesUp struct {
	message.EventBase
	Reason string `json:"Reason"`
}

func (*GivesUp) TypeName() string { return "ally.gives.up" }

// StateChangeEvent records one transition.
type StateChangeEvent struct {
	message.EventBase
	FromState string `json:"FromState"`
	ToState   string `json:"ToState"`
	Trigger   string `json:"Trigger"`
}

func (*StateChangeEvent) TypeName() string { return "ally.state.change" }
