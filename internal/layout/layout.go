// Package layout holds the hardware layout of one site: the nodes that
// make it up, their components, their data channels and the handle that
// says who may command each node.
//
// Nodes are addressed by name everywhere; actors keep the name, never a
// pointer into the layout. Handles are dotted command paths whose last
// segment is the node name. Only the command-tree manager rewrites them.
package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownNode is returned when a name is not in the layout.
	ErrUnknownNode = errors.New("unknown node")

	// ErrInvalidLayout is returned by Parse for a malformed document.
	ErrInvalidLayout = errors.New("invalid layout")
)

// Actor classes recognised by the SCADA app.
const (
	ClassScada      = "Scada"
	ClassAtn        = "Atn"
	ClassAtomicAlly = "AtomicAlly"
	ClassStratBoss  = "StratBoss"
	ClassRelay      = "Relay"
	ClassFlowHall   = "FlowHall"
	ClassFlowReed   = "FlowReed"
	ClassTreeBoss   = "TreeBoss"
	ClassNone       = "NoActor"
)

// Node is one named participant of the site.
type Node struct {
	Name        string `json:"Name"`
	Handle      string `json:"Handle"`
	ActorClass  string `json:"ActorClass"`
	DisplayName string `json:"DisplayName,omitempty"`
	ComponentID string `json:"ComponentId,omitempty"`
}

// FlowConfig configures a flow-meter module.
type FlowConfig struct {
	HwUID                            string  `json:"HwUid"`
	ConstantGallonsPerTick           float64 `json:"ConstantGallonsPerTick"`
	AsyncCaptureThresholdGpmTimes100 int     `json:"AsyncCaptureThresholdGpmTimes100"`
	CapturePeriodS                   int     `json:"CapturePeriodS"`
	NoFlowMs                         int     `json:"NoFlowMs"`
	PublishEmptyTicklistAfterS       int     `json:"PublishEmptyTicklistAfterS,omitempty"`
	PublishAnyTicklistAfterS         int     `json:"PublishAnyTicklistAfterS,omitempty"`
	Smoothing                        string  `json:"Smoothing"`
	ExpAlpha                         float64 `json:"ExpAlpha,omitempty"`
	CutoffFrequency                  float64 `json:"CutoffFrequency,omitempty"`
	SendHz                           bool    `json:"SendHz"`
	HzChannel                        string  `json:"HzChannel,omitempty"`
	GpmChannel                       string  `json:"GpmChannel"`
}

// RelayConfig configures one relay output.
type RelayConfig struct {
	Pin int `json:"Pin"`

	// EnergizedState and DeEnergizedState name what the relay does in each
	// position, e.g. "HpOff" and "HpOn".
	EnergizedState   string `json:"EnergizedState"`
	DeEnergizedState string `json:"DeEnergizedState"`
}

// Component is the hardware behind a node.
type Component struct {
	ID    string       `json:"ComponentId"`
	Flow  *FlowConfig  `json:"Flow,omitempty"`
	Relay *RelayConfig `json:"Relay,omitempty"`
}

// DataChannel is a named telemetry stream about a node.
type DataChannel struct {
	Name          string `json:"Name"`
	AboutNode     string `json:"AboutNodeName"`
	CapturedBy    string `json:"CapturedByNodeName"`
	TelemetryName string `json:"TelemetryName"`
}

type document struct {
	Nodes        []Node        `json:"ShNodes"`
	Components   []Component   `json:"Components"`
	DataChannels []DataChannel `json:"DataChannels"`
}

// Layout is safe for concurrent use. Handles change only through SetHandle.
type Layout struct {
	mu         sync.RWMutex
	nodes      map[string]*Node
	components map[string]Component
	channels   map[string]DataChannel
}

// Load reads and parses a JSON layout file.
func Load(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	return Parse(data)
}

// Parse builds a layout from a JSON document. Every node must have a name
// and a handle ending in that name; component and channel references must
// resolve.
func Parse(data []byte) (*Layout, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}
	return build(doc)
}

func build(doc document) (*Layout, error) {
	l := &Layout{
		nodes:      make(map[string]*Node, len(doc.Nodes)),
		components: make(map[string]Component, len(doc.Components)),
		channels:   make(map[string]DataChannel, len(doc.DataChannels)),
	}
	for _, c := range doc.Components {
		if c.ID == "" {
			return nil, fmt.Errorf("%w: component without id", ErrInvalidLayout)
		}
		l.components[c.ID] = c
	}
	for i := range doc.Nodes {
		n := doc.Nodes[i]
		if n.Name == "" {
			return nil, fmt.Errorf("%w: node %d has no name", ErrInvalidLayout, i)
		}
		if _, dup := l.nodes[n.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate node %s", ErrInvalidLayout, n.Name)
		}
		if n.Handle == "" {
			n.Handle = n.Name
		}
		if LastSegment(n.Handle) != n.Name {
			return nil, fmt.Errorf("%w: handle %q does not end in %s", ErrInvalidLayout, n.Handle, n.Name)
		}
		if n.ComponentID != "" {
			if _, ok := l.components[n.ComponentID]; !ok {
				return nil, fmt.Errorf("%w: node %s references unknown component %s", ErrInvalidLayout, n.Name, n.ComponentID)
			}
		}
		l.nodes[n.Name] = &n
	}
	for _, ch := range doc.DataChannels {
		if _, ok := l.nodes[ch.AboutNode]; !ok {
			return nil, fmt.Errorf("%w: channel %s about unknown node %s", ErrInvalidLayout, ch.Name, ch.AboutNode)
		}
		if _, ok := l.nodes[ch.CapturedBy]; !ok {
			return nil, fmt.Errorf("%w: channel %s captured by unknown node %s", ErrInvalidLayout, ch.Name, ch.CapturedBy)
		}
		l.channels[ch.Name] = ch
	}
	return l, nil
}

// LastSegment returns the part of a handle after its final dot.
func LastSegment(handle string) string {
	if i := strings.LastIndexByte(handle, '.'); i >= 0 {
		return handle[i+1:]
	}
	return handle
}

// IsBoss reports whether boss is a proper ancestor of handle.
func IsBoss(boss, handle string) bool {
	return boss != "" && strings.HasPrefix(handle, boss+".")
}

// Node returns a copy of the named node.
func (l *Layout) Node(name string) (Node, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.nodes[name]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns copies of every node, sorted by name.
func (l *Layout) Nodes() []Node {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Node, 0, len(l.nodes))
	for _, n := range l.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NodesOfClass returns the nodes with the given actor class, sorted.
func (l *Layout) NodesOfClass(class string) []Node {
	var out []Node
	for _, n := range l.Nodes() {
		if n.ActorClass == class {
			out = append(out, n)
		}
	}
	return out
}

// Handle returns the node's current handle.
func (l *Layout) Handle(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.nodes[name]
	if !ok {
		return "", false
	}
	return n.Handle, true
}

// Handles returns every node's current handle keyed by name.
func (l *Layout) Handles() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]string, len(l.nodes))
	for name, n := range l.nodes {
		out[name] = n.Handle
	}
	return out
}

// SetHandle rewrites a node's handle. Reserved for the command-tree
// manager.
func (l *Layout) SetHandle(name, handle string) error {
	if LastSegment(handle) != name {
		return fmt.Errorf("%w: handle %q does not end in %s", ErrInvalidLayout, handle, name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	n.Handle = handle
	return nil
}

// CanCommand reports whether src may currently command dst: src's handle
// must be a proper prefix of dst's.
func (l *Layout) CanCommand(src, dst string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.nodes[src]
	if !ok {
		return false
	}
	d, ok := l.nodes[dst]
	if !ok {
		return false
	}
	return IsBoss(s.Handle, d.Handle)
}

// Boss returns the name of the node that directly commands name, if any.
func (l *Layout) Boss(name string) (string, bool) {
	h, ok := l.Handle(name)
	if !ok {
		return "", false
	}
	i := strings.LastIndexByte(h, '.')
	if i < 0 {
		return "", false
	}
	return LastSegment(h[:i]), true
}

// Component returns the component behind the named node.
func (l *Layout) Component(name string) (Component, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.nodes[name]
	if !ok || n.ComponentID == "" {
		return Component{}, false
	}
	c, ok := l.components[n.ComponentID]
	return c, ok
}

// Channel returns the named data channel.
func (l *Layout) Channel(name string) (DataChannel, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ch, ok := l.channels[name]
	return ch, ok
}

// ChannelsCapturedBy returns the channels a node captures, sorted by name.
func (l *Layout) ChannelsCapturedBy(node string) []DataChannel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []DataChannel
	for _, ch := range l.channels {
		if ch.CapturedBy == node {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MarshalJSON writes the layout in the document form Parse reads.
func (l *Layout) MarshalJSON() ([]byte, error) {
	doc := document{Nodes: l.Nodes()}
	l.mu.RLock()
	for _, c := range l.components {
		doc.Components = append(doc.Components, c)
	}
	for _, ch := range l.channels {
		doc.DataChannels = append(doc.DataChannels, ch)
	}
	l.mu.RUnlock()
	sort.Slice(doc.Components, func(i, j int) bool { return doc.Components[i].ID < doc.Components[j].ID })
	sort.Slice(doc.DataChannels, func(i, j int) bool { return doc.DataChannels[i].Name < doc.DataChannels[j].Name })
	return json.Marshal(doc)
}
