// Package fsm provides small, validated transition tables.
//
// A Table maps (state, trigger) pairs to destination states. NewTable
// rejects tables in which a declared state is never reachable or left, or in
// which a declared trigger has no source state. A Machine holds the current
// state of one instance of a table.
package fsm

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a trigger has no entry for the
// current state.
var ErrInvalidTransition = errors.New("invalid transition")

// Transition is one row of a table.
type Transition[S comparable, T comparable] struct {
	From    S
	Trigger T
	To      S
}

type key[S comparable, T comparable] struct {
	from    S
	trigger T
}

// Table is an immutable transition table.
type Table[S comparable, T comparable] struct {
	states   []S
	triggers []T
	next     map[key[S, T]]S
}

// NewTable builds and validates a table.
func NewTable[S comparable, T comparable](states []S, triggers []T, rows []Transition[S, T]) (*Table[S, T], error) {
	t := &Table[S, T]{
		states:   states,
		triggers: triggers,
		next:     make(map[key[S, T]]S, len(rows)),
	}
	knownState := make(map[S]bool, len(states))
	for _, s := range states {
		knownState[s] = true
	}
	knownTrigger := make(map[T]bool, len(triggers))
	for _, tr := range triggers {
		knownTrigger[tr] = true
	}

	seenState := make(map[S]bool, len(states))
	seenTrigger := make(map[T]bool, len(triggers))
	for _, r := range rows {
		if !knownState[r.From] {
			return nil, fmt.Errorf("fsm: unknown source state %v", r.From)
		}
		if !knownState[r.To] {
			return nil, fmt.Errorf("fsm: unknown destination state %v", r.To)
		}
		if !knownTrigger[r.Trigger] {
			return nil, fmt.Errorf("fsm: unknown trigger %v", r.Trigger)
		}
		k := key[S, T]{r.From, r.Trigger}
		if prev, dup := t.next[k]; dup {
			return nil, fmt.Errorf("fsm: duplicate transition %v --%v--> %v (already %v)", r.From, r.Trigger, r.To, prev)
		}
		t.next[k] = r.To
		seenState[r.From] = true
		seenState[r.To] = true
		seenTrigger[r.Trigger] = true
	}
	for _, s := range states {
		if !seenState[s] {
			return nil, fmt.Errorf("fsm: state %v appears in no transition", s)
		}
	}
	for _, tr := range triggers {
		if !seenTrigger[tr] {
			return nil, fmt.Errorf("fsm: trigger %v has no source state", tr)
		}
	}
	return t, nil
}

// MustTable is NewTable for package-level tables; it panics on an invalid table.
func MustTable[S comparable, T comparable](states []S, triggers []T, rows []Transition[S, T]) *Table[S, T] {
	t, err := NewTable(states, triggers, rows)
	if err != nil {
		panic(err)
	}
	return t
}

// Next returns the destination for trigger fired in state from.
func (t *Table[S, T]) Next(from S, trigger T) (S, bool) {
	to, ok := t.next[key[S, T]{from, trigger}]
	return to, ok
}

// States returns the declared states.
func (t *Table[S, T]) States() []S {
	return append([]S(nil), t.states...)
}

// Triggers returns the declared triggers.
func (t *Table[S, T]) Triggers() []T {
	return append([]T(nil), t.triggers...)
}

// Result describes one fired trigger.
type Result[S comparable, T comparable] struct {
	Trigger T
	From    S
	To      S
}

// Changed reports whether the state changed.
func (r Result[S, T]) Changed() bool {
	return r.From != r.To
}

// Machine is the current state of one instance of a Table.
// Not safe for concurrent use.
type Machine[S comparable, T comparable] struct {
	table *Table[S, T]
	state S
}

// NewMachine returns a machine in the initial state.
func NewMachine[S comparable, T comparable](table *Table[S, T], initial S) *Machine[S, T] {
	return &Machine[S, T]{table: table, state: initial}
}

// State returns the current state.
func (m *Machine[S, T]) State() S {
	return m.state
}

// Can reports whether trigger is valid in the current state.
func (m *Machine[S, T]) Can(trigger T) bool {
	_, ok := m.table.Next(m.state, trigger)
	return ok
}

// Fire applies trigger. On an invalid trigger the state is unchanged and the
// returned error wraps ErrInvalidTransition.
func (m *Machine[S, T]) Fire(trigger T) (Result[S, T], error) {
	to, ok := m.table.Next(m.state, trigger)
	if !ok {
		return Result[S, T]{Trigger: trigger, From: m.state, To: m.state},
			fmt.Errorf("%w: %v in state %v", ErrInvalidTransition, trigger, m.state)
	}
	res := Result[S, T]{Trigger: trigger, From: m.state, To: to}
	m.state = to
	return res, nil
}

// Reset forces the machine into state s without consulting the table.
func (m *Machine[S, T]) Reset(s S) {
	m.state = s
}
