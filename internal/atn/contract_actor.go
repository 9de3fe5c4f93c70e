package atn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thegridelectric/gwproactor/internal/contract"
	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/proactor"
	"github.com/thegridelectric/gwproactor/internal/problems"
	"github.com/thegridelectric/gwproactor/internal/status"
)

// ContractActorName is the communicator name of the contract actor.
const ContractActorName = "contract"

// DefaultCheckPeriod is how often the actor looks for an hour boundary.
const DefaultCheckPeriod = time.Second

// check is the actor's own wake-up.
type check struct{}

func (*check) TypeName() string { return "atn.contract.check" }

// ContractActor runs a contract.Handler on the dispatch loop and sends
// what it produces to the SCADA.
type ContractActor struct {
	svc     proactor.Services
	handler *contract.Handler
	scada   string
	tracker *status.Tracker
	now     func() time.Time

	period   time.Duration
	lastBeat time.Time
	pending  *contract.Heartbeat

	stopOnce sync.Once
	started  bool
	stop     chan struct{}
	done     chan struct{}
}

// ContractActorOptions configure a ContractActor.
type ContractActorOptions struct {
	Handler *contract.Handler
	Scada   string

	// Now must be the handler's clock. Defaults to time.Now.
	Now         func() time.Time
	CheckPeriod time.Duration
	Tracker     *status.Tracker
}

// NewContractActor recovers the handler from its file. A heartbeat the
// recovery produced is sent on the first check.
func NewContractActor(svc proactor.Services, opts ContractActorOptions) (*ContractActor, error) {
	if opts.Handler == nil || opts.Scada == "" {
		return nil, errors.New("contract actor needs a handler and a scada")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CheckPeriod <= 0 {
		opts.CheckPeriod = DefaultCheckPeriod
	}
	pending, err := opts.Handler.Start()
	if err != nil {
		return nil, fmt.Errorf("recover contract: %w", err)
	}
	c := &ContractActor{
		svc:     svc,
		handler: opts.Handler,
		scada:   opts.Scada,
		tracker: opts.Tracker,
		now:     opts.Now,
		period:  opts.CheckPeriod,
		pending: pending,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.report()
	return c, nil
}

func (c *ContractActor) Name() string { return ContractActorName }

// Handler returns the wrapped handler. Dispatch loop only.
func (c *ContractActor) Handler() *contract.Handler { return c.handler }

func (c *ContractActor) MonitoredNames() []proactor.MonitoredName {
	return []proactor.MonitoredName{{Name: ContractActorName, Timeout: 10 * c.period}}
}

func (c *ContractActor) Start() error {
	c.started = true
	go func() {
		defer close(c.done)
		t := time.NewTicker(c.period)
		defer t.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-t.C:
				c.svc.SendThreadsafe(message.New(ContractActorName, ContractActorName, &check{}))
			}
		}
	}()
	return nil
}

func (c *ContractActor) Stop() { c.stopOnce.Do(func() { close(c.stop) }) }

func (c *ContractActor) Join() error {
	if c.started {
		<-c.done
	}
	return nil
}

func (c *ContractActor) ProcessMessage(m *message.Message) error {
	var (
		hb  *contract.Heartbeat
		err error
	)
	switch pl := m.Payload.(type) {
	case *contract.Heartbeat:
		hb, err = c.handler.ProcessScadaHeartbeat(pl)
	case *contract.TerminateContract:
		hb, err = c.handler.Terminate(pl.Cause)
		if err != nil {
			err = problems.New(0).AddWarning(err)
		}
	case *contract.PriceUpdate:
		c.handler.SetPrice(pl.PriceUsdPerMwh)
	case *contract.EnergyInstruction:
		c.handler.SetNextEnergy(pl.WattHours)
	case *check:
		c.svc.Send(message.New(ContractActorName, c.svc.Name(), &message.PatWatchdog{}))
		return c.check()
	default:
		return problems.New(0).AddWarning(fmt.Errorf("%s: unexpected %s", ContractActorName, m.Header.MessageType))
	}
	probs := problems.New(0)
	probs.Add(err)
	probs.Add(c.send(hb))
	c.report()
	return probs.ErrorOrNil()
}

// check sends a recovered heartbeat, opens a contract on an hour boundary
// and heartbeats the open one every contract.HeartbeatPeriod.
func (c *ContractActor) check() error {
	probs := problems.New(0)
	if c.pending != nil {
		probs.Add(c.send(c.pending))
		c.pending = nil
	}
	created, err := c.handler.MaybeCreate()
	probs.Add(err)
	if created != nil {
		c.lastBeat = c.now()
		probs.Add(c.send(created))
	} else if c.now().Sub(c.lastBeat) >= contract.HeartbeatPeriod {
		c.lastBeat = c.now()
		hb, err := c.handler.Tick()
		probs.Add(err)
		probs.Add(c.send(hb))
	}
	c.report()
	return probs.ErrorOrNil()
}

func (c *ContractActor) send(hb *contract.Heartbeat) error {
	if hb == nil {
		return nil
	}
	c.svc.Logger().Debug("heartbeat out", "contract", hb.Contract.ContractID, "status", hb.Status)
	if err := c.svc.Publish(message.New(c.svc.Name(), c.scada, hb, message.WithAckRequired())); err != nil {
		return problems.New(0).AddWarning(err)
	}
	return nil
}

func (c *ContractActor) report() {
	if c.tracker == nil {
		return
	}
	hb := c.handler.Latest()
	if hb == nil {
		c.tracker.SetContract(nil)
		return
	}
	c.tracker.SetContract(&status.Contract{
		ID:     hb.Contract.ContractID,
		Status: string(hb.Status),
		UsedWh: c.handler.EnergyUsedWh(),
	})
}
