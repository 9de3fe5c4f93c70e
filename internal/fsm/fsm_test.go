package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type light string
type push string

const (
	off light = "off"
	on  light = "on"

	press push = "press"
)

func TestTableAndMachine(t *testing.T) {
	table, err := NewTable(
		[]light{off, on},
		[]push{press},
		[]Transition[light, push]{
			{From: off, Trigger: press, To: on},
			{From: on, Trigger: press, To: off},
		},
	)
	require.NoError(t, err)

	m := NewMachine(table, off)
	res, err := m.Fire(press)
	require.NoError(t, err)
	assert.True(t, res.Changed())
	assert.Equal(t, on, m.State())
	assert.True(t, m.Can(press))
}

func TestMachineInvalidTrigger(t *testing.T) {
	table := MustTable(
		[]light{off, on},
		[]push{press, "hold"},
		[]Transition[light, push]{
			{From: off, Trigger: press, To: on},
			{From: on, Trigger: "hold", To: off},
		},
	)
	m := NewMachine(table, off)
	_, err := m.Fire("hold")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, off, m.State())
}

func TestNewTableValidation(t *testing.T) {
	tests := []struct {
		name     string
		states   []light
		triggers []push
		rows     []Transition[light, push]
	}{
		{
			name:     "orphan state",
			states:   []light{off, on, "dim"},
			triggers: []push{press},
			rows:     []Transition[light, push]{{From: off, Trigger: press, To: on}},
		},
		{
			name:     "trigger without source",
			states:   []light{off, on},
			triggers: []push{press, "hold"},
			rows:     []Transition[light, push]{{From: off, Trigger: press, To: on}},
		},
		{
			name:     "duplicate",
			states:   []light{off, on},
			triggers: []push{press},
			rows: []Transition[light, push]{
				{From: off, Trigger: press, To: on},
				{From: off, Trigger: press, To: off},
			},
		},
		{
			name:     "unknown state",
			states:   []light{off},
			triggers: []push{press},
			rows:     []Transition[light, push]{{From: off, Trigger: press, To: on}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.states, tt.triggers, tt.rows)
			assert.Error(t, err)
		})
	}
}
