package ally

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0)

func forecast() *HeatingForecast {
	return &HeatingForecast{
		RswtF:       []float64{140, 150, 145, 170},
		RswtDeltaTF: []float64{20, 18, 19, 30},
	}
}

// temps returns a warm, settled system: buffer between the thresholds,
// store hotter than the buffer top and not full.
func temps() map[string]float64 {
	return map[string]float64{
		BufferDepth1:   145,
		BufferDepth2:   140,
		BufferDepth4:   135,
		BufferColdPipe: 130,
		StoreColdPipe:  150,
		Tank1Depth1:    165,
	}
}

func inputs(elecWh float64, mutate func(map[string]float64)) Inputs {
	tf := temps()
	if mutate != nil {
		mutate(tf)
	}
	return Inputs{RemainingElecWh: elecWh, TempsF: tf, Forecast: forecast(), Now: t0}
}

func states(rs []Result) []State {
	out := make([]State, len(rs))
	for i, r := range rs {
		out[i] = r.To
	}
	return out
}

func coldBuffer(tf map[string]float64) { tf[BufferDepth2] = 100 }

func TestTableCoversEveryState(t *testing.T) {
	assert.ElementsMatch(t, States, Table.States())
	for _, s := range States {
		if s == Dormant {
			continue
		}
		to, ok := Table.Next(s, GoDormant)
		assert.True(t, ok, "%s must be able to go dormant", s)
		assert.Equal(t, Dormant, to)
	}
}

func TestWakeUpWithoutForecastGivesUp(t *testing.T) {
	a := New(DefaultParams(), false)
	in := inputs(1000, nil)
	in.Forecast = nil
	_, err := a.WakeUp(in)
	require.ErrorIs(t, err, ErrNoForecast)
	assert.Equal(t, Dormant, a.State())
}

func TestWakeUpColdBufferWithElec(t *testing.T) {
	a := New(DefaultParams(), false)
	rs, err := a.WakeUp(inputs(1000, coldBuffer))
	require.NoError(t, err)
	assert.Equal(t, []State{WaitingNoElec, WaitingElec, HpOnStoreOff}, states(rs))

	cmds := UpdateRelays(Dormant, a.State())
	assert.Equal(t, []RelayCommand{
		{Relay: AquastatCtrl, Position: AquastatScada},
		{Relay: HpFailsafe, Position: HpScada},
		{Relay: HpScadaOps, Position: HpOn},
		{Relay: StorePumpFailsafe, Position: StorePumpOff},
	}, cmds)
}

func TestNoElecDischargesIntoColdBuffer(t *testing.T) {
	a := New(DefaultParams(), false)
	rs, err := a.WakeUp(inputs(0, coldBuffer))
	require.NoError(t, err)
	assert.Equal(t, []State{WaitingNoElec, HpOffStoreDischarge}, states(rs))

	// Once the buffer top is well above the store, the store cannot help.
	rs, err = a.Evaluate(inputs(0, func(tf map[string]float64) {
		coldBuffer(tf)
		tf[BufferDepth1] = 170
	}))
	require.NoError(t, err)
	assert.Equal(t, []State{HpOffStoreOff}, states(rs))
}

func TestElecDuringDischargeGoesThroughStratBoss(t *testing.T) {
	a := New(DefaultParams(), true)
	_, err := a.WakeUp(inputs(0, coldBuffer))
	require.NoError(t, err)
	require.Equal(t, HpOffStoreDischarge, a.State())

	rs, err := a.Evaluate(inputs(1000, coldBuffer))
	require.NoError(t, err)
	assert.Equal(t, []State{StratBoss}, states(rs))

	rs, err = a.Evaluate(inputs(1000, coldBuffer))
	require.NoError(t, err)
	assert.Empty(t, rs, "the strat boss has control until it hands back")

	res, err := a.StratSavingDone()
	require.NoError(t, err)
	assert.Equal(t, HpOnStoreOff, res.To)

	positions := RelayPositions(StratBoss)
	assert.NotContains(t, positions, HpScadaOps)
	assert.NotContains(t, positions, StorePumpFailsafe)
}

func TestStorageFullIsSticky(t *testing.T) {
	a := New(DefaultParams(), false)
	warmBuffer := func(tf map[string]float64) { tf[BufferDepth4] = 160 }
	_, err := a.WakeUp(inputs(1000, warmBuffer))
	require.NoError(t, err)
	require.Equal(t, HpOnStoreCharge, a.State())

	full := inputs(1000, func(tf map[string]float64) {
		warmBuffer(tf)
		tf[StoreColdPipe] = 175
	})
	rs, err := a.Evaluate(full)
	require.NoError(t, err)
	assert.Equal(t, []State{WaitingElec}, states(rs))

	cooled := inputs(1000, warmBuffer)
	cooled.Now = t0.Add(5 * time.Minute)
	rs, err = a.Evaluate(cooled)
	require.NoError(t, err)
	assert.Empty(t, rs)

	cooled.Now = t0.Add(16 * time.Minute)
	rs, err = a.Evaluate(cooled)
	require.NoError(t, err)
	assert.Equal(t, []State{HpOnStoreCharge}, states(rs))
}

func TestHackOil(t *testing.T) {
	a := New(DefaultParams(), false)
	_, err := a.WakeUp(inputs(1000, coldBuffer))
	require.NoError(t, err)
	require.Equal(t, HpOnStoreOff, a.State())

	oil := inputs(0, coldBuffer)
	oil.OilBoilerOn = true
	rs, err := a.Evaluate(oil)
	require.NoError(t, err)
	assert.Equal(t, []State{HpOffStoreOff, HpOffOilBoilerTankAquastat}, states(rs))
	assert.Equal(t, []RelayCommand{
		{Relay: AquastatCtrl, Position: AquastatBoiler},
		{Relay: HpFailsafe, Position: HpAquastat},
	}, UpdateRelays(HpOffStoreOff, HpOffOilBoilerTankAquastat))

	rs, err = a.Evaluate(inputs(0, coldBuffer))
	require.NoError(t, err)
	assert.Equal(t, []State{WaitingNoElec, HpOffStoreDischarge}, states(rs))
}

func TestMissingTemperature(t *testing.T) {
	a := New(DefaultParams(), false)
	_, err := a.WakeUp(inputs(1000, func(tf map[string]float64) { delete(tf, BufferDepth2) }))
	require.ErrorIs(t, err, ErrMissingTemperature)
	assert.Equal(t, WaitingElec, a.State(), "transitions made before the failure stand")
}

func TestGoDormant(t *testing.T) {
	a := New(DefaultParams(), false)
	_, err := a.GoDormant()
	require.Error(t, err)

	_, err = a.WakeUp(inputs(1000, nil))
	require.NoError(t, err)
	res, err := a.GoDormant()
	require.NoError(t, err)
	assert.Equal(t, Dormant, res.To)
	assert.Nil(t, RelayPositions(Dormant))
}

func TestRelayTruthTable(t *testing.T) {
	tests := []struct {
		state State
		want  map[string]string
	}{
		{HpOnStoreCharge, map[string]string{
			HpScadaOps: HpOn, StorePumpFailsafe: StorePumpOn, StoreValves: Charging,
			HpFailsafe: HpScada, AquastatCtrl: AquastatScada,
		}},
		{HpOffStoreDischarge, map[string]string{
			HpScadaOps: HpOff, StorePumpFailsafe: StorePumpOn, StoreValves: Discharging,
			HpFailsafe: HpScada, AquastatCtrl: AquastatScada,
		}},
		{WaitingElec, map[string]string{
			HpScadaOps: HpOff, StorePumpFailsafe: StorePumpOff,
			HpFailsafe: HpScada, AquastatCtrl: AquastatScada,
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, RelayPositions(tt.state))
		})
	}
}

func TestUpdateRelaysOnlyChanges(t *testing.T) {
	assert.Equal(t, []RelayCommand{
		{Relay: HpScadaOps, Position: HpOff},
		{Relay: StorePumpFailsafe, Position: StorePumpOff},
	}, UpdateRelays(HpOnStoreCharge, HpOffStoreOff))
	assert.Empty(t, UpdateRelays(HpOffStoreOff, WaitingNoElec))
}
