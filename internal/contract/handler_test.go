package contract

import (
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	atnNode   = "hw1.isone.me"
	scadaNode = "hw1.isone.me.scada"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var hour = time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC)

func newHandler(t *testing.T, c *clock) (*Handler, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slow_dispatch_contract.json")
	h := NewHandler(Options{
		Node:       atnNode,
		ScadaAlias: scadaNode,
		Path:       path,
		Now:        c.now,
		Digit:      func() int { return 7 },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h, path
}

func ready(h *Handler, wh int) {
	h.SetLayoutReceived()
	h.SetPrice(40)
	h.SetNextEnergy(wh)
}

func reply(hb *Heartbeat, status Status, createdMs int64, used int) *Heartbeat {
	return &Heartbeat{
		FromNode:         scadaNode,
		Contract:         hb.Contract,
		Status:           status,
		PreviousStatus:   hb.Status,
		MessageCreatedMs: createdMs,
		MyDigit:          3,
		YourLastDigit:    digit(hb.MyDigit),
		WattHoursUsed:    &used,
	}
}

func TestHourRollCreatesContract(t *testing.T) {
	c := &clock{t: hour.Add(3 * time.Second)}
	h, path := newHandler(t, c)
	ready(h, 4000)

	hb, err := h.MaybeCreate()
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, Created, hb.Status)
	assert.Equal(t, hour.Unix(), hb.Contract.StartS)
	assert.Equal(t, 4000, hb.Contract.AvgPowerWatts)
	assert.Equal(t, 60, hb.Contract.DurationMinutes)
	assert.Nil(t, hb.YourLastDigit)
	assert.NotEmpty(t, hb.Contract.ContractID)

	stored, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, hb, stored)

	c.advance(time.Second)
	next, err := h.ProcessScadaHeartbeat(reply(hb, Active, c.t.UnixMilli(), 150))
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, 150, h.EnergyUsedWh())
	assert.Equal(t, Active, h.Latest().Status)
}

func TestCreationPreconditions(t *testing.T) {
	c := &clock{t: hour.Add(11 * time.Second)}
	h, _ := newHandler(t, c)
	ready(h, 4000)
	hb, err := h.MaybeCreate()
	require.NoError(t, err)
	assert.Nil(t, hb, "outside the creation window")

	c.t = hour.Add(2 * time.Second)
	h2, _ := newHandler(t, c)
	h2.SetPrice(40)
	h2.SetNextEnergy(4000)
	hb, _ = h2.MaybeCreate()
	assert.Nil(t, hb, "layout not received")

	h2.SetLayoutReceived()
	first, _ := h2.MaybeCreate()
	require.NotNil(t, first)
	again, _ := h2.MaybeCreate()
	assert.Nil(t, again, "contract already open")

	_, err = h2.Terminate("test")
	require.NoError(t, err)
	again, _ = h2.MaybeCreate()
	assert.Nil(t, again, "hour already used")
}

func TestOilSubstitution(t *testing.T) {
	c := &clock{t: hour}
	h, _ := newHandler(t, c)
	h.opts.FuelSubstitution = true
	h.opts.OilPriceThreshold = 100
	h.SetLayoutReceived()
	h.SetNextEnergy(4000)
	h.SetPrice(250)

	hb, err := h.MaybeCreate()
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Zero(t, hb.Contract.AvgPowerWatts)
	assert.True(t, hb.Contract.OilBoilerOn)
}

func TestTickCadence(t *testing.T) {
	c := &clock{t: hour.Add(time.Second)}
	h, _ := newHandler(t, c)
	ready(h, 2000)
	created, err := h.MaybeCreate()
	require.NoError(t, err)

	c.advance(HeartbeatPeriod)
	resent, err := h.Tick()
	require.NoError(t, err)
	assert.Equal(t, created, resent, "unacknowledged contract is resent unchanged")

	_, err = h.ProcessScadaHeartbeat(reply(created, Received, c.t.UnixMilli(), 0))
	require.NoError(t, err)

	c.advance(HeartbeatPeriod)
	mid, err := h.Tick()
	require.NoError(t, err)
	require.NotNil(t, mid)
	assert.Equal(t, Active, mid.Status)
	assert.Equal(t, Received, mid.PreviousStatus)
	require.NotNil(t, mid.YourLastDigit)
	assert.Equal(t, 3, *mid.YourLastDigit)

	c.t = hour.Add(time.Hour)
	done, err := h.Tick()
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, CompletedUnknownOutcome, done.Status)
	assert.Nil(t, h.Latest())

	none, err := h.Tick()
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestScadaHeartbeatDrops(t *testing.T) {
	c := &clock{t: hour}
	h, _ := newHandler(t, c)

	orphan := &Heartbeat{Contract: Contract{ContractID: "x"}, Status: Active}
	out, err := h.ProcessScadaHeartbeat(orphan)
	require.NoError(t, err)
	assert.Nil(t, out)

	ready(h, 1000)
	hb, _ := h.MaybeCreate()

	other := reply(hb, Active, c.t.UnixMilli()+10, 99)
	other.Contract.ContractID = "someone-else"
	_, err = h.ProcessScadaHeartbeat(other)
	require.NoError(t, err)
	assert.Zero(t, h.EnergyUsedWh())

	stale := reply(hb, Active, hb.MessageCreatedMs-1, 99)
	_, err = h.ProcessScadaHeartbeat(stale)
	require.NoError(t, err)
	assert.Zero(t, h.EnergyUsedWh())
	assert.Equal(t, Created, h.Latest().Status)
}

func TestScadaCompletionStartsNextContract(t *testing.T) {
	c := &clock{t: hour}
	h, _ := newHandler(t, c)
	ready(h, 1000)
	hb, _ := h.MaybeCreate()

	// The SCADA closes the contract right at the next hour roll.
	c.t = hour.Add(time.Hour + 2*time.Second)
	next, err := h.ProcessScadaHeartbeat(reply(hb, CompletedUnknownOutcome, c.t.UnixMilli(), 900))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, Created, next.Status)
	assert.Equal(t, hour.Add(time.Hour).Unix(), next.Contract.StartS)
	assert.Equal(t, 900, h.EnergyUsedWh())
}

// Any SCADA completion, not only CompletedUnknownOutcome, frees the slot
// and offers the next contract. Keeping a terminal heartbeat as the open
// one would block every later hour.
func TestScadaSuccessStartsNextContract(t *testing.T) {
	c := &clock{t: hour}
	h, _ := newHandler(t, c)
	ready(h, 1000)
	hb, _ := h.MaybeCreate()

	c.t = hour.Add(time.Hour + time.Second)
	next, err := h.ProcessScadaHeartbeat(reply(hb, CompletedSuccess, c.t.UnixMilli(), 1000))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, Created, next.Status)
	assert.NotEqual(t, hb.Contract.ContractID, next.Contract.ContractID)
	assert.Equal(t, Created, h.Latest().Status)
}

func TestTerminatedByScadaClears(t *testing.T) {
	c := &clock{t: hour}
	h, _ := newHandler(t, c)
	ready(h, 1000)
	hb, _ := h.MaybeCreate()

	next, err := h.ProcessScadaHeartbeat(reply(hb, TerminatedByScada, c.t.UnixMilli(), 10))
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Nil(t, h.Latest())
}

func TestTerminate(t *testing.T) {
	c := &clock{t: hour}
	h, path := newHandler(t, c)
	_, err := h.Terminate("nothing open")
	require.ErrorIs(t, err, ErrNoContract)

	ready(h, 1000)
	hb, _ := h.MaybeCreate()
	c.advance(time.Minute)
	term, err := h.Terminate("operator")
	require.NoError(t, err)
	assert.Equal(t, TerminatedByAtn, term.Status)
	assert.Equal(t, Created, term.PreviousStatus)
	assert.Equal(t, "operator", term.Cause)
	assert.Equal(t, hb.Contract, term.Contract)
	assert.Nil(t, h.Latest())

	stored, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, TerminatedByAtn, stored.Status)
}

func TestRecovery(t *testing.T) {
	c := &clock{t: hour.Add(time.Second)}
	base := Contract{ContractID: "c1", ScadaAlias: scadaNode, StartS: hour.Unix(), DurationMinutes: 60, AvgPowerWatts: 500}
	used := 42

	t.Run("missing file", func(t *testing.T) {
		h, _ := newHandler(t, c)
		out, err := h.Start()
		require.NoError(t, err)
		assert.Nil(t, out)
		assert.Nil(t, h.Latest())
	})

	t.Run("terminal discarded", func(t *testing.T) {
		h, path := newHandler(t, c)
		require.NoError(t, WriteFile(path, &Heartbeat{FromNode: scadaNode, Contract: base, Status: CompletedSuccess}))
		out, err := h.Start()
		require.NoError(t, err)
		assert.Nil(t, out)
		assert.Nil(t, h.Latest())
	})

	t.Run("offline termination resent", func(t *testing.T) {
		h, path := newHandler(t, c)
		require.NoError(t, WriteFile(path, &Heartbeat{FromNode: atnNode, Contract: base, Status: Active}))
		_, err := TerminateFile(path, atnNode, "maintenance", c.t)
		require.NoError(t, err)

		out, err := h.Start()
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, TerminatedByAtn, out.Status)
		assert.Equal(t, "maintenance", out.Cause)
		assert.Nil(t, h.Latest())
	})

	t.Run("expired completes", func(t *testing.T) {
		late := &clock{t: hour.Add(2 * time.Hour)}
		h, path := newHandler(t, late)
		require.NoError(t, WriteFile(path, &Heartbeat{FromNode: atnNode, Contract: base, Status: Active, MyDigit: 4}))
		out, err := h.Start()
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, CompletedUnknownOutcome, out.Status)
		require.NotNil(t, out.YourLastDigit)
		assert.Equal(t, 4, *out.YourLastDigit)
		assert.Nil(t, h.Latest())
	})

	t.Run("own created kept", func(t *testing.T) {
		h, path := newHandler(t, c)
		require.NoError(t, WriteFile(path, &Heartbeat{FromNode: atnNode, Contract: base, Status: Created}))
		out, err := h.Start()
		require.NoError(t, err)
		assert.Nil(t, out)
		require.NotNil(t, h.Latest())
		assert.Equal(t, Created, h.Latest().Status)

		ready(h, 100)
		again, _ := h.MaybeCreate()
		assert.Nil(t, again, "recovered hour is not reused")
	})

	t.Run("own active dropped", func(t *testing.T) {
		h, path := newHandler(t, c)
		require.NoError(t, WriteFile(path, &Heartbeat{FromNode: atnNode, Contract: base, Status: Active, MyDigit: 2}))
		out, err := h.Start()
		require.NoError(t, err)
		assert.Nil(t, out)
		assert.Nil(t, h.Latest())

		ready(h, 100)
		again, _ := h.MaybeCreate()
		assert.Nil(t, again, "recovered hour is not reused")
	})

	t.Run("peer adopted", func(t *testing.T) {
		h, path := newHandler(t, c)
		require.NoError(t, WriteFile(path, &Heartbeat{FromNode: scadaNode, Contract: base, Status: Active, WattHoursUsed: &used}))
		_, err := h.Start()
		require.NoError(t, err)
		assert.Equal(t, 42, h.EnergyUsedWh())
		assert.Equal(t, Active, h.Latest().Status)
	})
}

func TestTerminateFileWithoutContract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "none.json")
	_, err := TerminateFile(path, atnNode, "x", hour)
	require.ErrorIs(t, err, ErrNoContract)
}

// A random walk over every input never leaves two open contracts and never
// lets a contract's creation times go backwards.
func TestRandomWalkKeepsOneContract(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	c := &clock{t: hour}
	h, _ := newHandler(t, c)
	h.SetLayoutReceived()
	h.SetPrice(30)

	lastMs := map[string]int64{}
	check := func(hb *Heartbeat) {
		if hb == nil {
			return
		}
		id := hb.Contract.ContractID
		require.GreaterOrEqual(t, hb.MessageCreatedMs, lastMs[id], "contract %s went backwards", id)
		lastMs[id] = hb.MessageCreatedMs
	}

	open := map[string]bool{}
	for i := 0; i < 2000; i++ {
		c.advance(time.Duration(rng.Intn(90)) * time.Second)
		var out *Heartbeat
		var err error
		switch rng.Intn(5) {
		case 0:
			h.SetNextEnergy(rng.Intn(5000))
			out, err = h.MaybeCreate()
		case 1:
			out, err = h.Tick()
		case 2:
			if l := h.Latest(); l != nil {
				statuses := []Status{Received, Active, CompletedUnknownOutcome, TerminatedByScada}
				skew := int64(rng.Intn(2000)) - 1000
				out, err = h.ProcessScadaHeartbeat(reply(l, statuses[rng.Intn(len(statuses))], c.t.UnixMilli()+skew, rng.Intn(100)))
			}
		case 3:
			if h.Latest() != nil && rng.Intn(10) == 0 {
				out, err = h.Terminate("random")
			}
		default:
			c.t = c.t.Truncate(time.Hour).Add(time.Hour + time.Duration(rng.Intn(8))*time.Second)
			h.SetNextEnergy(1000)
			out, err = h.MaybeCreate()
		}
		require.NoError(t, err)
		check(out)
		check(h.Latest())

		if l := h.Latest(); l != nil {
			open[l.Contract.ContractID] = true
		}
		for id := range open {
			if l := h.Latest(); l == nil || l.Contract.ContractID != id {
				delete(open, id)
			}
		}
		require.LessOrEqual(t, len(open), 1)
	}
}
