package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegridelectric/gwproactor/internal/contract"
)

func writeConfig(t *testing.T) (cfgPath, contractPath string) {
	t.Helper()
	dir := t.TempDir()
	cfg := "name: hw1.isone.me\n" +
		"paths:\n" +
		"  data_dir: " + dir + "\n"
	cfgPath = filepath.Join(dir, "atn.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath, filepath.Join(dir, "slow_dispatch_contract.json")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTerminateOpenContract(t *testing.T) {
	cfgPath, contractPath := writeConfig(t)
	start := time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC)
	require.NoError(t, contract.WriteFile(contractPath, &contract.Heartbeat{
		FromNode: "hw1.isone.me",
		Contract: contract.Contract{
			ContractID:      "c-1",
			ScadaAlias:      "hw1.isone.me.scada",
			StartS:          start.Unix(),
			DurationMinutes: 60,
			AvgPowerWatts:   3000,
		},
		Status:           contract.Active,
		MessageCreatedMs: start.UnixMilli(),
		MyDigit:          3,
	}))

	out, err := execute(t, "terminate", "--config", cfgPath, "--cause", "price spike")
	require.NoError(t, err)
	assert.Equal(t, "contract c-1 TerminatedByAtn\n", out)

	hb, err := contract.ReadFile(contractPath)
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, contract.TerminatedByAtn, hb.Status)
	assert.Equal(t, contract.Active, hb.PreviousStatus)
	assert.Equal(t, "price spike", hb.Cause)
}

func TestTerminateWithoutContract(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	out, err := execute(t, "terminate", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "no open contract\n", out)
}
