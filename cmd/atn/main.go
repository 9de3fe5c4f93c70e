// Command atn runs the aggregator side of slow-dispatch contracts.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thegridelectric/gwproactor/internal/atn"
	"github.com/thegridelectric/gwproactor/internal/config"
	"github.com/thegridelectric/gwproactor/internal/contract"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	cause      string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "atn",
		Short:        "Aggregator proactor for slow-dispatch contracts",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "atn.yaml", "config file")

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the ATN until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts.configPath)
		},
	})

	terminate := &cobra.Command{
		Use:   "terminate",
		Short: "Mark the stored contract terminated; it is sent on the next start",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return terminate(cmd.OutOrStdout(), opts.configPath, opts.cause, time.Now())
		},
	}
	terminate.Flags().StringVar(&opts.cause, "cause", "operator request", "termination cause")
	cmd.AddCommand(terminate)
	return cmd
}

func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()
	if err := cfg.Paths.Mkdirs(); err != nil {
		return err
	}
	settings, err := atn.LoadSettings(cfg)
	if err != nil {
		return err
	}
	app, err := atn.New(atn.Options{
		Config:   cfg,
		Settings: settings,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case s := <-sigCh:
			logger.Info("shutting down", "signal", s.String())
			app.Stop(s.String())
		case <-done:
		}
	}()

	logger.Info("atn starting", "name", cfg.Name, "scada", settings.Scada)
	return app.Run(ctx)
}

func terminate(w io.Writer, path, cause string, now time.Time) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	hb, err := contract.TerminateFile(cfg.Paths.ContractFile(), cfg.Name, cause, now)
	if errors.Is(err, contract.ErrNoContract) {
		_, err = fmt.Fprintln(w, "no open contract")
		return err
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "contract %s %s\n", hb.Contract.ContractID, hb.Status)
	return err
}
