package scada

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegridelectric/gwproactor/internal/ally"
	"github.com/thegridelectric/gwproactor/internal/cmdtree"
	"github.com/thegridelectric/gwproactor/internal/config"
	"github.com/thegridelectric/gwproactor/internal/gpio"
	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/persister"
	"github.com/thegridelectric/gwproactor/internal/proactor"
)

func newApp(t *testing.T) (*App, *gpio.FakeWriter) {
	t.Helper()
	cfg := &config.Proactor{
		Name:           scadaNode,
		HTTPAddr:       "127.0.0.1:0",
		MetricsEnabled: true,
		WatchdogPeriod: 50 * time.Millisecond,
		Paths:          config.Paths{DataDir: t.TempDir()},
	}
	out := gpio.NewFakeWriter(3, 5, 6, 8, 9)
	app, err := New(Options{
		Config:    cfg,
		Layout:    loadLayout(t),
		Settings:  Settings{Atn: atnNode, StratSaving: time.Millisecond},
		Writer:    out,
		Persister: persister.NewStubPersister(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	t.Cleanup(func() {
		app.Stop("test done")
		cancel()
		<-done
	})
	return app, out
}

func TestAppBuildsActorsFromLayout(t *testing.T) {
	app, _ := newApp(t)
	for _, name := range []string{"atomic-ally", cmdtree.StratBoss, cmdtree.TreeManager, ContractResponderName,
		"primary-flow", "dist-flow", ally.HpScadaOps, ally.StoreValves} {
		_, ok := app.Proactor().Communicator(name)
		assert.True(t, ok, name)
	}
	_, ok := app.Relay(ally.AquastatCtrl)
	assert.True(t, ok)
	_, ok = app.Flow("primary-flow")
	assert.True(t, ok)
	assert.NotNil(t, app.Contract())
}

func TestAppNeedsWriterForRelays(t *testing.T) {
	_, err := New(Options{
		Config:    &config.Proactor{Name: scadaNode},
		Layout:    loadLayout(t),
		Persister: persister.NewStubPersister(),
	})
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestAppHandlerRoutes(t *testing.T) {
	app, err := New(Options{
		Config:    &config.Proactor{Name: scadaNode},
		Layout:    loadLayout(t),
		Settings:  Settings{Atn: atnNode},
		Writer:    gpio.NewFakeWriter(),
		Persister: persister.NewStubPersister(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	assert.Nil(t, app.Web())

	r := &ChannelReadings{ChannelName: ally.BufferDepth2}
	r.Add(100_000, 1_700_000_000_000)
	require.NoError(t, app.handle(message.New("analog-temp", scadaNode, r)))
	assert.Equal(t, int64(100_000), app.Tracker().Snapshot().Readings[ally.BufferDepth2].Value)

	require.NoError(t, app.handle(message.New(atnNode, scadaNode, &AllyMode{Dormant: true})))
	require.NoError(t, app.handle(message.New(atnNode, scadaNode, offer("c-1", 0))))

	err = app.handle(message.New(atnNode, scadaNode, &FsmEvent{}))
	assert.ErrorIs(t, err, proactor.ErrNoRoute)
}

func pinEnergized(t *testing.T, out *gpio.FakeWriter, pin int) bool {
	v, err := out.Get(pin)
	require.NoError(t, err)
	return v
}

// TestAppStratSavingRoundTrip walks the ally from dormant through a strat
// saving and back, with real relays under the command tree.
func TestAppStratSavingRoundTrip(t *testing.T) {
	app, out := newApp(t)
	p := app.Proactor()
	send := func(src, dst string, pl message.Payload) { p.SendThreadsafe(message.New(src, dst, pl)) }
	tracker := app.Tracker()

	temps := map[string]float64{
		ally.BufferDepth1:   145,
		ally.BufferDepth2:   100,
		ally.BufferDepth4:   135,
		ally.BufferColdPipe: 130,
		ally.StoreColdPipe:  150,
		ally.Tank1Depth1:    165,
	}
	for ch, v := range temps {
		r := &ChannelReadings{ChannelName: ch}
		r.Add(fx1000(v), time.Now().UnixMilli())
		send("analog-temp", "atomic-ally", r)
	}
	send(atnNode, scadaNode, &ally.HeatingForecast{
		RswtF:       []float64{140, 150, 145, 170},
		RswtDeltaTF: []float64{20, 18, 19, 30},
	})
	send(ContractResponderName, "atomic-ally", &ElecBudget{RemainingWh: 0})
	send("atomic-ally", "atomic-ally", &tick{})

	require.Eventually(t, func() bool {
		s := tracker.Snapshot()
		return s.AllyState == string(ally.HpOffStoreDischarge) && s.Relays[ally.StorePumpFailsafe] == ally.StorePumpOn
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, pinEnergized(t, out, 9), "store pump on")
	assert.True(t, pinEnergized(t, out, 6), "heat pump off")

	send(ContractResponderName, "atomic-ally", &ElecBudget{RemainingWh: 1000})
	send("atomic-ally", "atomic-ally", &tick{})
	require.Eventually(t, func() bool {
		s := tracker.Snapshot()
		return s.CommandTree == string(cmdtree.StratSaver) && s.Relays[ally.HpScadaOps] == ally.HpOn &&
			s.Relays[ally.StorePumpFailsafe] == ally.StorePumpOff
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, string(ally.StratBoss), tracker.Snapshot().AllyState)

	require.Eventually(t, func() bool {
		send(cmdtree.StratBoss, cmdtree.StratBoss, &tick{})
		s := tracker.Snapshot()
		return s.AllyState == string(ally.HpOnStoreOff) && s.CommandTree == string(cmdtree.Normal)
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, pinEnergized(t, out, 6), "heat pump on")
	assert.False(t, pinEnergized(t, out, 9), "store pump off")
}

func TestAppFlowEndpointFeedsStatus(t *testing.T) {
	app, _ := newApp(t)
	h := app.Web().Handler()

	body, err := json.Marshal(reedTicklist(30, 500, time.Now()))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/dist-flow/ticklist-reed", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		_, ok := app.Tracker().Snapshot().Readings["dist-flow"]
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"dist-flow"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
