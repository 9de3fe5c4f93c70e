// Package cmdtree switches the site between its command trees.
//
// A command tree assigns every node a handle. In the normal tree the
// atomic ally commands the heat-pump and store-pump relays; in the
// strat-saver tree those relays move under the strat boss. The Manager is
// the only code that rewrites handles in a layout.
package cmdtree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/thegridelectric/gwproactor/internal/layout"
)

// ErrUnknownTree is returned for a tree name that is not defined.
var ErrUnknownTree = errors.New("unknown command tree")

// Tree names a command tree.
type Tree string

const (
	Normal     Tree = "normal"
	StratSaver Tree = "strat-saver"
)

// Node names the trees are built around.
const (
	StratBoss   = "strat-boss"
	TreeManager = "command-tree"
)

// StratSaverNodes move under the strat boss in the strat-saver tree.
var StratSaverNodes = []string{"hp-scada-ops", "store-pump-failsafe"}

// NodeHandle is one entry of a broadcast tree.
type NodeHandle struct {
	Name   string `json:"Name"`
	Handle string `json:"Handle"`
}

// NewCommandTree is broadcast to every actor after a switch.
type NewCommandTree struct {
	Tree    Tree         `json:"Tree"`
	Handles []NodeHandle `json:"Handles"`
	UnixMs  int64        `json:"UnixMs"`
}

func (*NewCommandTree) TypeName() string { return "new.command.tree" }

// SwitchTree asks the tree manager actor for a different tree.
type SwitchTree struct {
	Tree Tree `json:"Tree"`
}

func (*SwitchTree) TypeName() string { return "switch.command.tree" }

// Manager owns the handle assignments of a layout.
type Manager struct {
	layout  *layout.Layout
	current Tree
	trees   map[Tree]map[string]string
}

// NewManager derives both trees from the handles the layout was loaded
// with, which are taken to be the normal tree.
func NewManager(l *layout.Layout) *Manager {
	normal := l.Handles()
	saver := make(map[string]string, len(normal))
	for name, h := range normal {
		saver[name] = h
	}
	if boss, ok := normal[StratBoss]; ok {
		for _, name := range StratSaverNodes {
			if _, ok := saver[name]; ok {
				saver[name] = boss + "." + name
			}
		}
	}
	return &Manager{
		layout:  l,
		current: Normal,
		trees:   map[Tree]map[string]string{Normal: normal, StratSaver: saver},
	}
}

// Current returns the tree in force.
func (m *Manager) Current() Tree { return m.current }

// Handles returns the handles of tree t keyed by node name.
func (m *Manager) Handles(t Tree) (map[string]string, error) {
	handles, ok := m.trees[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTree, t)
	}
	out := make(map[string]string, len(handles))
	for k, v := range handles {
		out[k] = v
	}
	return out, nil
}

// Switch rewrites every handle in the layout to tree t and returns the
// snapshot to broadcast. Switching to the current tree rewrites nothing
// but still returns a snapshot.
func (m *Manager) Switch(t Tree, unixMs int64) (*NewCommandTree, error) {
	handles, ok := m.trees[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTree, t)
	}
	names := make([]string, 0, len(handles))
	for name := range handles {
		names = append(names, name)
	}
	sort.Strings(names)
	out := &NewCommandTree{Tree: t, UnixMs: unixMs, Handles: make([]NodeHandle, 0, len(names))}
	for _, name := range names {
		if err := m.layout.SetHandle(name, handles[name]); err != nil {
			return nil, fmt.Errorf("switch to %s: %w", t, err)
		}
		out.Handles = append(out.Handles, NodeHandle{Name: name, Handle: handles[name]})
	}
	m.current = t
	return out, nil
}
