package contract

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Contract timing.
const (
	HourS              = 3600
	CreationWindow     = 10 * time.Second
	HeartbeatPeriod    = 60 * time.Second
	ContractMinutes    = 60
	oilSubstituteMaxWh = 2500
)

// Options configure a Handler.
type Options struct {
	// Node is the ATN's own alias, used as FromNode.
	Node       string
	ScadaAlias string

	// Path is the contract file.
	Path string

	// FuelSubstitution enables running the oil boiler instead of the heat
	// pump when electricity costs more than OilPriceThreshold $/MWh.
	FuelSubstitution  bool
	OilPriceThreshold float64

	Now    func() time.Time
	Digit  func() int
	Logger *slog.Logger
}

// Handler is the ATN side of the contract protocol. It holds at most one
// open heartbeat. Not safe for concurrent use.
type Handler struct {
	opts Options

	latest         *Heartbeat
	latestPrice    *float64
	nextEnergyWh   *int
	energyUsedWh   int
	energyUpdatedS int64
	layoutReceived bool
	lastStartS     int64
}

// NewHandler returns a handler with no open contract; call Start to
// recover from the contract file.
func NewHandler(opts Options) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Digit == nil {
		opts.Digit = func() int { return rand.Intn(10) }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{opts: opts}
}

// Latest returns a copy of the open heartbeat, or nil.
func (h *Handler) Latest() *Heartbeat { return h.latest.Copy() }

// EnergyUsedWh is the consumption the SCADA last reported.
func (h *Handler) EnergyUsedWh() int { return h.energyUsedWh }

// EnergyUpdatedS is when EnergyUsedWh last changed, in unix seconds.
func (h *Handler) EnergyUpdatedS() int64 { return h.energyUpdatedS }

// SetPrice records the latest electricity price.
func (h *Handler) SetPrice(usdPerMwh float64) { h.latestPrice = &usdPerMwh }

// SetNextEnergy sets the energy the next contract will carry.
func (h *Handler) SetNextEnergy(wh int) { h.nextEnergyWh = &wh }

// SetLayoutReceived marks the SCADA's layout as known.
func (h *Handler) SetLayoutReceived() { h.layoutReceived = true }

func (h *Handler) nowMs() int64 { return h.opts.Now().UnixMilli() }

// stamp returns a creation time no earlier than the open heartbeat's, so
// that times never go backwards within a contract.
func (h *Handler) stamp() int64 {
	ms := h.nowMs()
	if h.latest != nil && h.latest.MessageCreatedMs > ms {
		return h.latest.MessageCreatedMs
	}
	return ms
}

func (h *Handler) persist(hb *Heartbeat) error {
	if h.opts.Path == "" {
		return nil
	}
	return WriteFile(h.opts.Path, hb)
}

// Start recovers from the contract file. It returns a heartbeat to send
// when recovery produced one: the completion of a contract that expired
// while the ATN was down, or an operator termination written offline.
func (h *Handler) Start() (*Heartbeat, error) {
	hb, err := ReadFile(h.opts.Path)
	if err != nil || hb == nil {
		return nil, err
	}
	nowS := h.opts.Now().Unix()
	expired := nowS >= hb.Contract.EndS()
	switch {
	case hb.Status.Terminal():
		h.opts.Logger.Info("contract file closed", "contract", hb.Contract.ContractID, "status", hb.Status)
		if hb.Status == TerminatedByAtn && hb.FromNode == h.opts.Node && !expired {
			return hb, nil
		}
		return nil, nil
	case expired:
		h.latest = hb
		done, err := h.complete()
		return done, err
	case hb.FromNode == h.opts.Node && hb.Status == Created:
		h.latest = hb
	case hb.FromNode == h.opts.Node:
		// Only an unanswered offer is retried. The hour stays used.
		h.lastStartS = hb.Contract.StartS
		h.opts.Logger.Info("contract dropped", "contract", hb.Contract.ContractID, "status", hb.Status)
		return nil, nil
	default:
		if hb.WattHoursUsed != nil {
			h.energyUsedWh = *hb.WattHoursUsed
			h.energyUpdatedS = nowS
		}
		h.latest = hb
	}
	h.lastStartS = hb.Contract.StartS
	h.opts.Logger.Info("contract recovered", "contract", hb.Contract.ContractID, "status", hb.Status, "from", hb.FromNode)
	return nil, nil
}

// complete closes the open contract with an unknown outcome.
func (h *Handler) complete() (*Heartbeat, error) {
	prev := h.latest
	hb := &Heartbeat{
		FromNode:         h.opts.Node,
		Contract:         prev.Contract,
		Status:           CompletedUnknownOutcome,
		PreviousStatus:   prev.Status,
		MessageCreatedMs: h.stamp(),
		MyDigit:          h.opts.Digit(),
		YourLastDigit:    digit(prev.MyDigit),
	}
	h.latest = nil
	h.opts.Logger.Info("contract completed", "contract", hb.Contract.ContractID)
	return hb, h.persist(hb)
}

func digit(d int) *int { return &d }

// MaybeCreate opens a new contract when every precondition holds: the
// layout is known, no contract is open, energy and price are known and now
// is within CreationWindow after an hour boundary not already used.
func (h *Handler) MaybeCreate() (*Heartbeat, error) {
	now := h.opts.Now()
	hour := now.Unix() / HourS * HourS
	if !h.layoutReceived || h.latest != nil || h.nextEnergyWh == nil || h.latestPrice == nil {
		return nil, nil
	}
	if now.Sub(time.Unix(hour, 0)) > CreationWindow || hour == h.lastStartS {
		return nil, nil
	}

	wh := *h.nextEnergyWh
	oil := false
	if h.opts.FuelSubstitution && *h.latestPrice > h.opts.OilPriceThreshold {
		wh = 0
		oil = true
		// wh is zero here, so this branch is dead; see DESIGN.md.
		if wh > oilSubstituteMaxWh {
			oil = false
		}
	}

	hb := &Heartbeat{
		FromNode: h.opts.Node,
		Contract: Contract{
			ContractID:      uuid.NewString(),
			ScadaAlias:      h.opts.ScadaAlias,
			StartS:          hour,
			DurationMinutes: ContractMinutes,
			AvgPowerWatts:   wh,
			OilBoilerOn:     oil,
		},
		Status:           Created,
		MessageCreatedMs: now.UnixMilli(),
		MyDigit:          h.opts.Digit(),
	}
	h.latest = hb
	h.lastStartS = hour
	h.opts.Logger.Info("contract created", "contract", hb.Contract.ContractID, "avg_power_watts", wh, "oil_boiler_on", oil)
	return hb.Copy(), h.persist(hb)
}

// Tick runs the heartbeat cadence. It returns the heartbeat to send, if
// any: the unchanged Created heartbeat while unacknowledged, a fresh
// Active heartbeat mid-contract, or a completion once the contract has
// expired.
func (h *Handler) Tick() (*Heartbeat, error) {
	if h.latest == nil {
		return nil, nil
	}
	if h.opts.Now().Unix() >= h.latest.Contract.EndS() {
		return h.complete()
	}
	switch h.latest.Status {
	case Created:
		return h.latest.Copy(), nil
	case Received, Active:
		prev := h.latest
		hb := &Heartbeat{
			FromNode:         h.opts.Node,
			Contract:         prev.Contract,
			Status:           Active,
			PreviousStatus:   prev.Status,
			MessageCreatedMs: h.stamp(),
			MyDigit:          h.opts.Digit(),
			YourLastDigit:    digit(prev.MyDigit),
		}
		h.latest = hb
		return hb.Copy(), h.persist(hb)
	}
	return nil, nil
}

// ProcessScadaHeartbeat takes a heartbeat from the SCADA. Heartbeats for
// another contract, or older than the open one, are dropped. A completion
// frees the slot and a new contract is attempted at once; that contract,
// if any, is returned for sending.
func (h *Handler) ProcessScadaHeartbeat(hb *Heartbeat) (*Heartbeat, error) {
	if h.latest == nil {
		h.opts.Logger.Debug("heartbeat without open contract", "contract", hb.Contract.ContractID)
		return nil, nil
	}
	if hb.Contract.ContractID != h.latest.Contract.ContractID {
		h.opts.Logger.Debug("heartbeat for other contract", "got", hb.Contract.ContractID, "open", h.latest.Contract.ContractID)
		return nil, nil
	}
	if hb.MessageCreatedMs < h.latest.MessageCreatedMs {
		h.opts.Logger.Debug("stale heartbeat", "contract", hb.Contract.ContractID, "status", hb.Status)
		return nil, nil
	}
	if hb.WattHoursUsed != nil {
		h.energyUsedWh = *hb.WattHoursUsed
		h.energyUpdatedS = h.opts.Now().Unix()
	}
	hb = hb.Copy()
	if err := h.persist(hb); err != nil {
		return nil, err
	}
	switch {
	case hb.Status == TerminatedByScada:
		h.opts.Logger.Info("contract terminated by scada", "contract", hb.Contract.ContractID, "cause", hb.Cause)
		h.latest = nil
	case hb.Status.Terminal():
		h.opts.Logger.Info("contract completed by scada", "contract", hb.Contract.ContractID, "status", hb.Status)
		h.latest = nil
		return h.MaybeCreate()
	default:
		h.latest = hb
	}
	return nil, nil
}

// Terminate ends the open contract from the ATN side and returns the
// heartbeat to send.
func (h *Handler) Terminate(cause string) (*Heartbeat, error) {
	if h.latest == nil {
		return nil, ErrNoContract
	}
	prev := h.latest
	hb := &Heartbeat{
		FromNode:         h.opts.Node,
		Contract:         prev.Contract,
		Status:           TerminatedByAtn,
		PreviousStatus:   prev.Status,
		Cause:            cause,
		MessageCreatedMs: h.stamp(),
		MyDigit:          h.opts.Digit(),
		YourLastDigit:    digit(prev.MyDigit),
	}
	h.latest = nil
	h.opts.Logger.Info("contract terminated", "contract", hb.Contract.ContractID, "cause", cause)
	return hb, h.persist(hb)
}

// TerminateFile writes a TerminatedByAtn heartbeat over an open contract
// in the file at path, for an ATN that is not running. It returns
// ErrNoContract when the file holds no open contract.
func TerminateFile(path, node, cause string, now time.Time) (*Heartbeat, error) {
	h := NewHandler(Options{Node: node, Path: path, Now: func() time.Time { return now }})
	hb, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if hb == nil || hb.Status.Terminal() {
		return nil, ErrNoContract
	}
	h.latest = hb
	out, err := h.Terminate(cause)
	if err != nil {
		return nil, fmt.Errorf("terminate %s: %w", hb.Contract.ContractID, err)
	}
	return out, nil
}
