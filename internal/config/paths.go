package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths locates the on-disk state of a proactor.
type Paths struct {
	DataDir    string `yaml:"data_dir"`
	LogDir     string `yaml:"log_dir"`
	LayoutFile string `yaml:"layout_file"`
}

// EventsDir holds the rolling event store.
func (p Paths) EventsDir() string {
	return filepath.Join(p.DataDir, "events")
}

// ContractFile holds the last slow-dispatch heartbeat.
func (p Paths) ContractFile() string {
	return filepath.Join(p.DataDir, "slow_dispatch_contract.json")
}

// Layout returns the hardware layout path.
func (p Paths) Layout() string {
	if p.LayoutFile != "" {
		return p.LayoutFile
	}
	return filepath.Join(p.DataDir, "hardware-layout.json")
}

// Logs returns the log directory.
func (p Paths) Logs() string {
	if p.LogDir != "" {
		return p.LogDir
	}
	return filepath.Join(p.DataDir, "logs")
}

// Mkdirs creates the data, events and log directories.
func (p Paths) Mkdirs() error {
	for _, dir := range []string{p.DataDir, p.EventsDir(), p.Logs()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Level converts a log_level string to a slog level.
func Level(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a text logger writing to stderr at the configured level.
func (p *Proactor) NewLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: Level(p.LogLevel)})
	return slog.New(h)
}
