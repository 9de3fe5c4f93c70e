package link

import (
	"sync"
	"time"
)

// Stats are the counters of one link.
type Stats struct {
	Name               string
	PeerName           string
	Upstream           bool
	State              State
	Sent               map[string]int
	Received           map[string]int
	CommEvents         map[string]int
	Timeouts           int
	Acked              int
	ConnectionFailures int
	ReuploadsStarted   int
	ReuploadsCompleted int
	Transitions        int
	LastSend           time.Time
	LastRecv           time.Time
}

func (s *Stats) clone() Stats {
	c := *s
	c.Sent = cloneCounts(s.Sent)
	c.Received = cloneCounts(s.Received)
	c.CommEvents = cloneCounts(s.CommEvents)
	return c
}

func cloneCounts(m map[string]int) map[string]int {
	c := make(map[string]int, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// statsBook is written by the dispatch loop and read by HTTP handlers and
// the metrics collector.
type statsBook struct {
	mu         sync.RWMutex
	links      map[string]*Stats
	order      []string
	numPending int
	events     map[string]int
}

func newStatsBook() *statsBook {
	return &statsBook{
		links:  make(map[string]*Stats),
		events: make(map[string]int),
	}
}

func (b *statsBook) add(name, peer string, upstream bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.links[name] = &Stats{
		Name:       name,
		PeerName:   peer,
		Upstream:   upstream,
		State:      NotStarted,
		Sent:       make(map[string]int),
		Received:   make(map[string]int),
		CommEvents: make(map[string]int),
	}
	b.order = append(b.order, name)
}

func (b *statsBook) update(name string, f func(*Stats)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.links[name]; ok {
		f(s)
	}
}

func (b *statsBook) event(typeName string, numPending int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[typeName]++
	b.numPending = numPending
}

func (b *statsBook) pending(n int) {
	b.mu.Lock()
	b.numPending = n
	b.mu.Unlock()
}

// Snapshot is a consistent copy of every link's stats.
type Snapshot struct {
	Links      []Stats
	NumPending int
	Events     map[string]int
}

// Link returns the stats of the named link.
func (s Snapshot) Link(name string) (Stats, bool) {
	for _, l := range s.Links {
		if l.Name == name {
			return l, true
		}
	}
	return Stats{}, false
}

func (b *statsBook) snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := Snapshot{
		Links:      make([]Stats, 0, len(b.order)),
		NumPending: b.numPending,
		Events:     cloneCounts(b.events),
	}
	for _, name := range b.order {
		snap.Links = append(snap.Links, b.links[name].clone())
	}
	return snap
}
