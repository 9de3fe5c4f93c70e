package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
name: hw1.isone.me.beech.scada
log_level: debug
ack_timeout: 3s
paths:
  data_dir: /tmp/scada
links:
  - name: gridworks
    peer_name: hw1.isone.me.beech
    upstream: true
    ping_period: 7s
    mqtt:
      host: broker.example
      username: scada
  - name: local
    peer_name: hw1.isone.me.beech.scada.s2
    primary_peer: true
    mqtt:
      host: localhost
      port: 1884
extra:
  flow_capture_period: 30s
`

func noEnv(string) (string, bool) { return "", false }

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), noEnv)
	require.NoError(t, err)

	assert.Equal(t, "hw1.isone.me.beech.scada", cfg.Name)
	assert.Equal(t, 3*time.Second, cfg.AckTimeout)
	assert.Equal(t, DefaultPingPeriod, cfg.PingPeriod)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, int64(DefaultMaxEventBytes), cfg.MaxEventBytes)

	up, ok := cfg.Link("gridworks")
	require.True(t, ok)
	assert.True(t, up.Upstream)
	assert.Equal(t, 7*time.Second, cfg.PingPeriodFor(up))
	assert.Equal(t, 3*time.Second, cfg.AckTimeoutFor(up))
	assert.Equal(t, "tcp://broker.example:1883", up.MQTT.BrokerURL())
	assert.Equal(t, "hw1.isone.me.beech.scada-gridworks", up.MQTT.ClientID)

	local, ok := cfg.Link("local")
	require.True(t, ok)
	assert.Equal(t, 1884, local.MQTT.Port)

	var extra struct {
		FlowCapturePeriod time.Duration `yaml:"flow_capture_period"`
	}
	require.NoError(t, cfg.Extra.Decode(&extra))
	assert.Equal(t, 30*time.Second, extra.FlowCapturePeriod)
}

func TestParseEnvOverrides(t *testing.T) {
	env := map[string]string{
		"GWP_LOG_LEVEL":               "warn",
		"GWP_DATA_DIR":                "/var/lib/scada",
		"GWP_LINK_GRIDWORKS_PASSWORD": "secret",
		"GWP_LINK_LOCAL_PORT":         "8883",
		"GWP_PING_PERIOD":             "11s",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg, err := Parse([]byte(sampleYAML), lookup)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/var/lib/scada", cfg.Paths.DataDir)
	assert.Equal(t, 11*time.Second, cfg.PingPeriod)
	up, _ := cfg.Link("gridworks")
	assert.Equal(t, "secret", up.MQTT.Password)
	local, _ := cfg.Link("local")
	assert.Equal(t, 8883, local.MQTT.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no name", "links: []"},
		{"two upstreams", `
name: x
links:
  - {name: a, peer_name: p, upstream: true, mqtt: {host: h}}
  - {name: b, peer_name: q, upstream: true, mqtt: {host: h}}
`},
		{"duplicate link", `
name: x
links:
  - {name: a, peer_name: p, mqtt: {host: h}}
  - {name: a, peer_name: q, mqtt: {host: h}}
`},
		{"no host", `
name: x
links:
  - {name: a, peer_name: p}
`},
		{"bad level", "name: x\nlog_level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), noEnv)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestPathsMkdirs(t *testing.T) {
	p := Paths{DataDir: filepath.Join(t.TempDir(), "scada")}
	require.NoError(t, p.Mkdirs())
	for _, dir := range []string{p.DataDir, p.EventsDir(), p.Logs()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, filepath.Join(p.DataDir, "slow_dispatch_contract.json"), p.ContractFile())
	assert.Equal(t, filepath.Join(p.DataDir, "hardware-layout.json"), p.Layout())
}
