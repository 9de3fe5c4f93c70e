// Package status provides a thread-safe status tracker for a proactor.
// It is written from the dispatch loop and read by HTTP handlers.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/thegridelectric/gwproactor/internal/fsm"
	"github.com/thegridelectric/gwproactor/internal/link"
)

// MaxTransitions is how many link transitions the tracker remembers.
const MaxTransitions = 20

// Config contains proactor configuration for display.
type Config struct {
	Node       string
	HTTPAddr   string
	AckTimeout time.Duration
	PingPeriod time.Duration
	DataDir    string
}

// Transition is one recorded link state change.
type Transition struct {
	Link    string
	Trigger string
	From    string
	To      string
	At      time.Time
}

// Reading is the latest value of one data channel.
type Reading struct {
	Value  int64
	UnixMs int64
}

// Contract is the slow-dispatch contract as last seen.
type Contract struct {
	ID     string
	Status string
	UsedWh int
}

// Snapshot is a point-in-time view of proactor state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	StartTime   time.Time
	Now         time.Time
	Config      Config
	Links       link.Snapshot
	CommandTree string
	Handles     map[string]string
	AllyState   string
	Relays      map[string]string
	Readings    map[string]Reading
	Contract    *Contract
	Transitions []Transition
}

// Uptime returns the duration since the proactor started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Channels returns the names of the channels with readings, sorted.
func (s Snapshot) Channels() []string {
	names := make([]string, 0, len(s.Readings))
	for name := range s.Readings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tracker holds mutable proactor state behind an RWMutex.
type Tracker struct {
	mu    sync.RWMutex
	snap  Snapshot
	links func() link.Snapshot
	now   func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
			Handles:   make(map[string]string),
			Relays:    make(map[string]string),
			Readings:  make(map[string]Reading),
		},
		now: time.Now,
	}
}

// SetLinkSource installs the function Snapshot reads link statistics from,
// usually the proactor's Snapshot.
func (t *Tracker) SetLinkSource(f func() link.Snapshot) {
	t.mu.Lock()
	t.links = f
	t.mu.Unlock()
}

// RecordTransition remembers a link state change. It has the shape of the
// proactor's OnTransition hook.
func (t *Tracker) RecordTransition(linkName string, res fsm.Result[link.State, link.Trigger]) {
	tr := Transition{
		Link:    linkName,
		Trigger: string(res.Trigger),
		From:    string(res.From),
		To:      string(res.To),
		At:      t.now(),
	}
	t.mu.Lock()
	t.snap.Transitions = append(t.snap.Transitions, tr)
	if n := len(t.snap.Transitions); n > MaxTransitions {
		t.snap.Transitions = append([]Transition(nil), t.snap.Transitions[n-MaxTransitions:]...)
	}
	t.mu.Unlock()
}

// SetCommandTree records the command tree in force and its handles.
func (t *Tracker) SetCommandTree(tree string, handles map[string]string) {
	t.mu.Lock()
	t.snap.CommandTree = tree
	t.snap.Handles = make(map[string]string, len(handles))
	for k, v := range handles {
		t.snap.Handles[k] = v
	}
	t.mu.Unlock()
}

// SetAllyState records the atomic ally's state.
func (t *Tracker) SetAllyState(s string) {
	t.mu.Lock()
	t.snap.AllyState = s
	t.mu.Unlock()
}

// SetRelay records a relay position.
func (t *Tracker) SetRelay(name, position string) {
	t.mu.Lock()
	t.snap.Relays[name] = position
	t.mu.Unlock()
}

// SetReading records the latest value of a channel.
func (t *Tracker) SetReading(channel string, value, unixMs int64) {
	t.mu.Lock()
	t.snap.Readings[channel] = Reading{Value: value, UnixMs: unixMs}
	t.mu.Unlock()
}

// SetContract records the contract state; nil clears it.
func (t *Tracker) SetContract(c *Contract) {
	t.mu.Lock()
	if c != nil {
		cp := *c
		c = &cp
	}
	t.snap.Contract = c
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the proactor state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Handles = copyMap(t.snap.Handles)
	s.Relays = copyMap(t.snap.Relays)
	s.Readings = make(map[string]Reading, len(t.snap.Readings))
	for k, v := range t.snap.Readings {
		s.Readings[k] = v
	}
	s.Transitions = append([]Transition(nil), t.snap.Transitions...)
	if t.snap.Contract != nil {
		c := *t.snap.Contract
		s.Contract = &c
	}
	links := t.links
	t.mu.RUnlock()
	if links != nil {
		s.Links = links()
	}
	s.Now = t.now()
	return s
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
