package proactor

import (
	"sort"
	"time"
)

type watched struct {
	timeout time.Duration
	lastPat time.Time
}

// Watchdog tracks the last pat of every monitored name. It belongs to the
// dispatch loop.
type Watchdog struct {
	names map[string]*watched
}

// NewWatchdog returns an empty watchdog.
func NewWatchdog() *Watchdog {
	return &Watchdog{names: make(map[string]*watched)}
}

// Monitor starts watching name; the first pat is due timeout after now.
func (w *Watchdog) Monitor(name string, timeout time.Duration, now time.Time) {
	w.names[name] = &watched{timeout: timeout, lastPat: now}
}

// Pat records that name is alive. It reports false for an unmonitored name.
func (w *Watchdog) Pat(name string, now time.Time) bool {
	m, ok := w.names[name]
	if ok {
		m.lastPat = now
	}
	return ok
}

// Check returns, sorted, every name whose timeout has passed since its last
// pat. Each missed interval is reported once.
func (w *Watchdog) Check(now time.Time) []string {
	var missed []string
	for name, m := range w.names {
		if now.Sub(m.lastPat) > m.timeout {
			missed = append(missed, name)
			m.lastPat = now
		}
	}
	sort.Strings(missed)
	return missed
}

// Names returns the monitored names, sorted.
func (w *Watchdog) Names() []string {
	names := make([]string, 0, len(w.names))
	for name := range w.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
