// Package atn hosts the ATN side of a SCADA pair: a proactor whose
// contract actor offers the SCADA one slow-dispatch contract per hour.
package atn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thegridelectric/gwproactor/internal/config"
	"github.com/thegridelectric/gwproactor/internal/contract"
	"github.com/thegridelectric/gwproactor/internal/link"
	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/mqtt"
	"github.com/thegridelectric/gwproactor/internal/persister"
	"github.com/thegridelectric/gwproactor/internal/proactor"
	"github.com/thegridelectric/gwproactor/internal/problems"
	"github.com/thegridelectric/gwproactor/internal/scada"
	"github.com/thegridelectric/gwproactor/internal/status"
	"github.com/thegridelectric/gwproactor/internal/web"
)

// Registry decodes everything a SCADA sends its ATN, plus the ATN's own
// inputs.
func Registry() *message.Registry {
	r := scada.Registry()
	r.Register(
		func() message.Payload { return &contract.PriceUpdate{} },
		func() message.Payload { return &contract.EnergyInstruction{} },
	)
	return r
}

// Options configure an App. Config is required.
type Options struct {
	Config   *config.Proactor
	Settings Settings

	Persister persister.Persister
	Dialer    mqtt.Dialer
	AfterFunc link.AfterFunc
	Now       func() time.Time
	Logger    *slog.Logger
	AccessLog io.Writer

	// ContractClock drives contract creation and expiry. Defaults to Now.
	ContractClock func() time.Time
	CheckPeriod   time.Duration
}

// App is an ATN proactor with its contract actor and HTTP server.
type App struct {
	proactor *proactor.Proactor
	tracker  *status.Tracker
	contract *ContractActor
	web      *web.Server
	logger   *slog.Logger
}

// New builds the ATN. The contract file lives under the config's data
// directory.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalidConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	clock := opts.ContractClock
	if clock == nil {
		clock = now
	}
	tracker := status.NewTracker(now(), status.Config{
		Node:       cfg.Name,
		HTTPAddr:   cfg.HTTPAddr,
		AckTimeout: cfg.AckTimeout,
		PingPeriod: cfg.PingPeriod,
		DataDir:    cfg.Paths.DataDir,
	})
	p, err := proactor.New(proactor.Options{
		Config:       cfg,
		Registry:     Registry(),
		Persister:    opts.Persister,
		Dialer:       opts.Dialer,
		AfterFunc:    opts.AfterFunc,
		Now:          now,
		Logger:       logger,
		OnTransition: tracker.RecordTransition,
	})
	if err != nil {
		return nil, err
	}
	tracker.SetLinkSource(p.Snapshot)

	path := ""
	if cfg.Paths.DataDir != "" {
		path = cfg.Paths.ContractFile()
	}
	h := contract.NewHandler(contract.Options{
		Node:              cfg.Name,
		ScadaAlias:        opts.Settings.Scada,
		Path:              path,
		FuelSubstitution:  opts.Settings.FuelSubstitution,
		OilPriceThreshold: opts.Settings.OilPriceThreshold,
		Now:               clock,
		Logger:            p.Logger(),
	})
	if opts.Settings.LayoutReceived || layoutOnDisk(cfg.Paths) {
		h.SetLayoutReceived()
	}
	actor, err := NewContractActor(p, ContractActorOptions{
		Handler:     h,
		Scada:       opts.Settings.Scada,
		Now:         clock,
		CheckPeriod: opts.CheckPeriod,
		Tracker:     tracker,
	})
	if err != nil {
		return nil, err
	}
	if err := p.AddCommunicator(actor); err != nil {
		return nil, err
	}

	a := &App{proactor: p, tracker: tracker, contract: actor, logger: p.Logger()}
	p.SetHandler(a.handle)
	if cfg.HTTPAddr != "" {
		wopts := web.Options{
			Addr:      cfg.HTTPAddr,
			Tracker:   tracker,
			AccessLog: opts.AccessLog,
			Logger:    a.logger,
		}
		if cfg.MetricsEnabled {
			wopts.Metrics = p.Metrics().Handler()
		}
		a.web = web.New(wopts)
	}
	return a, nil
}

func layoutOnDisk(paths config.Paths) bool {
	if paths.DataDir == "" && paths.LayoutFile == "" {
		return false
	}
	_, err := os.Stat(paths.Layout())
	return err == nil
}

// handle takes the SCADA's traffic and the operator's inputs.
func (a *App) handle(m *message.Message) error {
	switch pl := m.Payload.(type) {
	case *contract.Heartbeat, *contract.TerminateContract, *contract.PriceUpdate, *contract.EnergyInstruction:
		a.proactor.Send(message.New(m.Header.Src, ContractActorName, pl))
		return nil
	case *scada.ChannelReadings:
		if v, ms, ok := pl.Latest(); ok {
			a.tracker.SetReading(pl.ChannelName, v, ms)
		}
		return nil
	case message.Event:
		a.logger.Debug("event", "type", m.Header.MessageType, "src", m.Header.Src)
		return nil
	}
	return problems.New(0).AddWarning(fmt.Errorf("%w: %s from %s", proactor.ErrNoRoute, m.Header.MessageType, m.Header.Src))
}

// Proactor returns the hosting proactor.
func (a *App) Proactor() *proactor.Proactor { return a.proactor }

// Tracker returns the status tracker.
func (a *App) Tracker() *status.Tracker { return a.tracker }

// Web returns the HTTP server, or nil when http_addr is empty.
func (a *App) Web() *web.Server { return a.web }

// Run starts the proactor and the HTTP server and returns once both have
// stopped.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if err := a.proactor.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		if err := a.proactor.Join(); err != nil {
			return err
		}
		if a.web != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.web.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("http shutdown", "err", err)
			}
		}
		return a.proactor.Err()
	})
	if a.web != nil {
		g.Go(func() error {
			if err := a.web.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop asks the proactor to shut down.
func (a *App) Stop(reason string) { a.proactor.Stop(reason) }
