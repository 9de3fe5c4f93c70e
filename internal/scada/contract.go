package scada

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/thegridelectric/gwproactor/internal/cmdtree"
	"github.com/thegridelectric/gwproactor/internal/contract"
	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/proactor"
	"github.com/thegridelectric/gwproactor/internal/problems"
	"github.com/thegridelectric/gwproactor/internal/status"
)

// Contract responder defaults.
const (
	ContractResponderName = "contract"
	HpPowerChannel        = "hp-power"
	contractTick          = 5 * time.Second
)

// ContractOptions configure a ContractResponder.
type ContractOptions struct {
	// Atn is the peer that offers contracts.
	Atn string

	// Ally receives an ElecBudget after every change.
	Ally string

	// Path is the contract file; empty keeps the contract in memory.
	Path string

	// PowerChannel is integrated into the energy used. Watts.
	PowerChannel string

	Tracker *status.Tracker
	Digit   func() int
}

// ContractResponder is the SCADA side of the contract protocol. It
// answers the ATN's heartbeats, meters the heat pump against the open
// contract and ends contracts the ATN lets expire.
type ContractResponder struct {
	ticker
	opts ContractOptions

	latest *contract.Heartbeat
	usedWh float64

	lastPowerW  float64
	lastPowerMs int64
	havePower   bool
}

// NewContractResponder builds the responder and recovers an open contract
// from opts.Path.
func NewContractResponder(svc proactor.Services, opts ContractOptions) (*ContractResponder, error) {
	if opts.Atn == "" {
		return nil, errors.New("contract responder: no atn")
	}
	if opts.PowerChannel == "" {
		opts.PowerChannel = HpPowerChannel
	}
	if opts.Digit == nil {
		opts.Digit = func() int { return rand.Intn(10) }
	}
	c := &ContractResponder{
		ticker: newTicker(svc, ContractResponderName, contractTick),
		opts:   opts,
	}
	if err := c.recover(); err != nil {
		return nil, err
	}
	c.report()
	return c, nil
}

func (c *ContractResponder) Name() string { return c.name }

// Latest returns a copy of the open heartbeat, or nil. Dispatch loop only.
func (c *ContractResponder) Latest() *contract.Heartbeat { return c.latest.Copy() }

// UsedWh returns the energy metered against the open contract.
func (c *ContractResponder) UsedWh() float64 { return c.usedWh }

func (c *ContractResponder) MonitoredNames() []proactor.MonitoredName {
	return []proactor.MonitoredName{{Name: c.name, Timeout: 6 * contractTick}}
}

func (c *ContractResponder) recover() error {
	if c.opts.Path == "" {
		return nil
	}
	hb, err := contract.ReadFile(c.opts.Path)
	if err != nil || hb == nil {
		return err
	}
	if hb.Status.Terminal() || c.svc.Now().Unix() >= hb.Contract.EndS() {
		return nil
	}
	c.latest = hb
	if hb.WattHoursUsed != nil {
		c.usedWh = float64(*hb.WattHoursUsed)
	}
	c.svc.Logger().Info("contract recovered", "contract", hb.Contract.ContractID, "status", hb.Status)
	return nil
}

func (c *ContractResponder) ProcessMessage(m *message.Message) error {
	switch pl := m.Payload.(type) {
	case *contract.Heartbeat:
		return c.heartbeat(pl)
	case *ChannelReadings:
		if pl.ChannelName == c.opts.PowerChannel {
			c.meter(pl)
		}
		return nil
	case *contract.TerminateContract:
		return c.terminate(pl.Cause)
	case *cmdtree.NewCommandTree:
		return nil
	case *tick:
		c.pat()
		return c.tick()
	}
	return problems.New(0).AddWarning(fmt.Errorf("%s: unexpected %s", c.name, m.Header.MessageType))
}

func (c *ContractResponder) heartbeat(hb *contract.Heartbeat) error {
	log := c.svc.Logger()
	if hb.Status == contract.Created {
		if c.latest != nil && c.latest.Contract.ContractID == hb.Contract.ContractID {
			log.Debug("contract offer repeated", "contract", hb.Contract.ContractID)
			return c.send(c.latest.Copy())
		}
		if c.latest != nil {
			log.Warn("contract replaced", "open", c.latest.Contract.ContractID, "offered", hb.Contract.ContractID)
		}
		c.usedWh, c.havePower = 0, false
		return c.reply(hb, contract.Received)
	}
	if c.latest == nil || c.latest.Contract.ContractID != hb.Contract.ContractID {
		log.Debug("heartbeat for unknown contract", "contract", hb.Contract.ContractID, "status", hb.Status)
		return nil
	}
	if hb.MessageCreatedMs < c.latest.MessageCreatedMs {
		log.Debug("stale heartbeat", "contract", hb.Contract.ContractID, "status", hb.Status)
		return nil
	}
	if hb.Status.Terminal() {
		log.Info("contract closed by atn", "contract", hb.Contract.ContractID, "status", hb.Status, "cause", hb.Cause)
		return c.close(hb)
	}
	return c.reply(hb, contract.Active)
}

// reply answers hb with status and makes the answer the open heartbeat.
func (c *ContractResponder) reply(hb *contract.Heartbeat, st contract.Status) error {
	used := int(c.usedWh)
	yours := hb.MyDigit
	out := &contract.Heartbeat{
		FromNode:         c.svc.Name(),
		Contract:         hb.Contract,
		Status:           st,
		PreviousStatus:   hb.Status,
		MessageCreatedMs: max(c.svc.Now().UnixMilli(), hb.MessageCreatedMs),
		MyDigit:          c.opts.Digit(),
		YourLastDigit:    &yours,
		WattHoursUsed:    &used,
	}
	c.latest = out
	probs := problems.New(0)
	probs.Add(c.persist(out))
	probs.Add(c.send(out.Copy()))
	c.budget()
	c.report()
	return probs.ErrorOrNil()
}

// close records a terminal heartbeat and tells the ally the budget is gone.
func (c *ContractResponder) close(hb *contract.Heartbeat) error {
	c.latest = nil
	c.usedWh, c.havePower = 0, false
	err := c.persist(hb)
	c.budget()
	c.report()
	return err
}

func (c *ContractResponder) ending(st contract.Status, cause string) error {
	prev := c.latest
	used := int(c.usedWh)
	yours := prev.MyDigit
	if prev.YourLastDigit != nil {
		yours = *prev.YourLastDigit
	}
	hb := &contract.Heartbeat{
		FromNode:         c.svc.Name(),
		Contract:         prev.Contract,
		Status:           st,
		PreviousStatus:   prev.Status,
		Cause:            cause,
		MessageCreatedMs: max(c.svc.Now().UnixMilli(), prev.MessageCreatedMs),
		MyDigit:          c.opts.Digit(),
		YourLastDigit:    &yours,
		WattHoursUsed:    &used,
	}
	probs := problems.New(0)
	probs.Add(c.send(hb.Copy()))
	probs.Add(c.close(hb))
	return probs.ErrorOrNil()
}

func (c *ContractResponder) terminate(cause string) error {
	if c.latest == nil {
		return problems.New(0).AddWarning(contract.ErrNoContract)
	}
	c.svc.Logger().Info("contract terminated", "contract", c.latest.Contract.ContractID, "cause", cause)
	return c.ending(contract.TerminatedByScada, cause)
}

func (c *ContractResponder) tick() error {
	if c.latest == nil {
		return nil
	}
	if c.svc.Now().Unix() >= c.latest.Contract.EndS() {
		c.svc.Logger().Info("contract expired", "contract", c.latest.Contract.ContractID, "used_wh", int(c.usedWh))
		return c.ending(contract.CompletedUnknownOutcome, "")
	}
	c.budget()
	return nil
}

// meter integrates power readings, holding each value until the next.
func (c *ContractResponder) meter(r *ChannelReadings) {
	for i, w := range r.ValueList {
		ms := r.ScadaReadTimeUnixMsList[i]
		if c.latest != nil && c.havePower && ms > c.lastPowerMs {
			c.usedWh += c.lastPowerW * float64(ms-c.lastPowerMs) / float64(time.Hour/time.Millisecond)
		}
		c.lastPowerW, c.lastPowerMs, c.havePower = float64(w), ms, true
	}
	c.report()
}

func (c *ContractResponder) budget() {
	if c.opts.Ally == "" {
		return
	}
	b := &ElecBudget{}
	if c.latest != nil {
		k := c.latest.Contract
		b.RemainingWh = float64(k.AvgPowerWatts*k.DurationMinutes)/60 - c.usedWh
		b.OilBoilerOn = k.OilBoilerOn
		b.ContractID = k.ContractID
	}
	c.svc.Send(message.New(c.name, c.opts.Ally, b))
}

func (c *ContractResponder) send(hb *contract.Heartbeat) error {
	return c.svc.Publish(message.New(c.svc.Name(), c.opts.Atn, hb, message.WithAckRequired()))
}

func (c *ContractResponder) persist(hb *contract.Heartbeat) error {
	if c.opts.Path == "" {
		return nil
	}
	return contract.WriteFile(c.opts.Path, hb)
}

func (c *ContractResponder) report() {
	if c.opts.Tracker == nil {
		return
	}
	if c.latest == nil {
		c.opts.Tracker.SetContract(nil)
		return
	}
	c.opts.Tracker.SetContract(&status.Contract{
		ID:     c.latest.Contract.ContractID,
		Status: string(c.latest.Status),
		UsedWh: int(c.usedWh),
	})
}
