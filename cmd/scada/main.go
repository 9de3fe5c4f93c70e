// Command scada runs the on-site proactor of a heating SCADA.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thegridelectric/gwproactor/internal/config"
	"github.com/thegridelectric/gwproactor/internal/gpio"
	"github.com/thegridelectric/gwproactor/internal/layout"
	"github.com/thegridelectric/gwproactor/internal/scada"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "scada",
		Short:        "Heating SCADA proactor",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "scada.yaml", "config file")

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the SCADA until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts.configPath)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "print-layout",
		Short: "Print the hardware layout as loaded",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printLayout(cmd.OutOrStdout(), opts.configPath)
		},
	})
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
	settings, err := scada.LoadSettings(cfg)
	if err != nil {
		return err
	}
	l, err := layout.Load(cfg.Paths.Layout())
	if err != nil {
		return err
	}
	writer, err := gpio.NewRealWriter(settings.GpioChip, relayPins(l))
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer writer.Close()

	app, err := scada.New(scada.Options{
		Config:   cfg,
		Layout:   l,
		Settings: settings,
		Writer:   writer,
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

	logger.Info("scada starting", "name", cfg.Name, "atn", settings.Atn, "layout", cfg.Paths.Layout())
	return app.Run(ctx)
}

// relayPins returns the GPIO pins of every relay in l, sorted.
func relayPins(l *layout.Layout) []int {
	var pins []int
	for _, n := range l.NodesOfClass(layout.ClassRelay) {
		if c, ok := l.Component(n.Name); ok && c.Relay != nil {
			pins = append(pins, c.Relay.Pin)
		}
	}
	sort.Ints(pins)
	return pins
}

func printLayout(w io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	l, err := layout.Load(cfg.Paths.Layout())
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encode layout: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
