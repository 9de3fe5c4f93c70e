// Package config loads proactor settings from a YAML file with environment
// overrides.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is unset.
const (
	DefaultAckTimeout       = 5 * time.Second
	DefaultPingPeriod       = 20 * time.Second
	DefaultWatchdogPeriod   = time.Second
	DefaultHTTPAddr         = ":8080"
	DefaultMaxEventBytes    = 500 * 1024 * 1024
	DefaultReuploadWindow   = 5
	DefaultMQTTPort         = 1883
	DefaultMQTTKeepAlive    = 60 * time.Second
	DefaultLogLevel         = "info"
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = 30 * time.Second
)

// EnvPrefix starts every environment override.
const EnvPrefix = "GWP_"

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// TLS configures an encrypted broker connection.
type TLS struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Config builds a *tls.Config from the configured files.
func (t TLS) Config() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s: no certificates", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	if t.CertFile != "" || t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// MQTTClient configures one broker connection.
type MQTTClient struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	ClientID  string        `yaml:"client_id"`
	KeepAlive time.Duration `yaml:"keep_alive"`
	TLS       TLS           `yaml:"tls"`
}

// BrokerURL returns the paho broker address.
func (c MQTTClient) BrokerURL() string {
	scheme := "tcp"
	if c.TLS.Enabled {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// Link configures one named MQTT peer.
type Link struct {
	Name        string        `yaml:"name"`
	PeerName    string        `yaml:"peer_name"`
	Upstream    bool          `yaml:"upstream"`
	PrimaryPeer bool          `yaml:"primary_peer"`
	PingPeriod  time.Duration `yaml:"ping_period"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
	MQTT        MQTTClient    `yaml:"mqtt"`
}

// Reconnect configures the back-off between failed connection attempts.
type Reconnect struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// Proactor is the full settings document for one proactor process.
type Proactor struct {
	Name             string        `yaml:"name"`
	LogLevel         string        `yaml:"log_level"`
	HTTPAddr         string        `yaml:"http_addr"`
	MetricsEnabled   bool          `yaml:"metrics_enabled"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	PingPeriod       time.Duration `yaml:"ping_period"`
	WatchdogPeriod   time.Duration `yaml:"watchdog_period"`
	MaxEventBytes    int64         `yaml:"max_event_bytes"`
	InitialReuploads int           `yaml:"initial_reuploads"`
	Reconnect        Reconnect     `yaml:"reconnect"`
	Paths            Paths         `yaml:"paths"`
	Links            []Link        `yaml:"links"`
	Extra            yaml.Node     `yaml:"extra"`
}

// Link returns the named link.
func (p *Proactor) Link(name string) (Link, bool) {
	for _, l := range p.Links {
		if l.Name == name {
			return l, true
		}
	}
	return Link{}, false
}

// AckTimeoutFor returns the link's ack timeout, falling back to the
// proactor default.
func (p *Proactor) AckTimeoutFor(l Link) time.Duration {
	if l.AckTimeout > 0 {
		return l.AckTimeout
	}
	return p.AckTimeout
}

// PingPeriodFor returns the link's ping period, falling back to the
// proactor default.
func (p *Proactor) PingPeriodFor(l Link) time.Duration {
	if l.PingPeriod > 0 {
		return l.PingPeriod
	}
	return p.PingPeriod
}

// Load reads path, applies environment overrides and defaults, and
// validates the result.
func Load(path string) (*Proactor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse is Load without file access. lookup is usually os.LookupEnv.
func Parse(data []byte, lookup func(string) (string, bool)) (*Proactor, error) {
	var cfg Proactor
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (p *Proactor) applyDefaults() {
	if p.LogLevel == "" {
		p.LogLevel = DefaultLogLevel
	}
	if p.HTTPAddr == "" {
		p.HTTPAddr = DefaultHTTPAddr
	}
	if p.AckTimeout <= 0 {
		p.AckTimeout = DefaultAckTimeout
	}
	if p.PingPeriod <= 0 {
		p.PingPeriod = DefaultPingPeriod
	}
	if p.WatchdogPeriod <= 0 {
		p.WatchdogPeriod = DefaultWatchdogPeriod
	}
	if p.MaxEventBytes <= 0 {
		p.MaxEventBytes = DefaultMaxEventBytes
	}
	if p.InitialReuploads <= 0 {
		p.InitialReuploads = DefaultReuploadWindow
	}
	if p.Reconnect.Initial <= 0 {
		p.Reconnect.Initial = DefaultReconnectInitial
	}
	if p.Reconnect.Max <= 0 {
		p.Reconnect.Max = DefaultReconnectMax
	}
	if p.Paths.DataDir == "" {
		p.Paths.DataDir = filepath.Join(".", "data", p.Name)
	}
	for i := range p.Links {
		l := &p.Links[i]
		if l.MQTT.Port == 0 {
			l.MQTT.Port = DefaultMQTTPort
		}
		if l.MQTT.KeepAlive <= 0 {
			l.MQTT.KeepAlive = DefaultMQTTKeepAlive
		}
		if l.MQTT.ClientID == "" {
			l.MQTT.ClientID = p.Name + "-" + l.Name
		}
	}
}

// Validate checks structural constraints.
func (p *Proactor) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	upstreams, primaries := 0, 0
	for _, l := range p.Links {
		if l.Name == "" {
			return fmt.Errorf("%w: link without name", ErrInvalidConfig)
		}
		if seen[l.Name] {
			return fmt.Errorf("%w: duplicate link %q", ErrInvalidConfig, l.Name)
		}
		seen[l.Name] = true
		if l.PeerName == "" {
			return fmt.Errorf("%w: link %q has no peer_name", ErrInvalidConfig, l.Name)
		}
		if l.MQTT.Host == "" {
			return fmt.Errorf("%w: link %q has no mqtt host", ErrInvalidConfig, l.Name)
		}
		if l.Upstream {
			upstreams++
		}
		if l.PrimaryPeer {
			primaries++
		}
	}
	if upstreams > 1 {
		return fmt.Errorf("%w: at most one upstream link", ErrInvalidConfig)
	}
	if primaries > 1 {
		return fmt.Errorf("%w: at most one primary peer link", ErrInvalidConfig)
	}
	switch p.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, p.LogLevel)
	}
	return nil
}

func envKey(parts ...string) string {
	key := EnvPrefix + strings.Join(parts, "_")
	key = strings.ToUpper(key)
	return strings.NewReplacer("-", "_", ".", "_").Replace(key)
}

// applyEnv overrides file values from GWP_* variables.
func (p *Proactor) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
			}
			*dst = d
		}
		return nil
	}

	str(envKey("NAME"), &p.Name)
	str(envKey("LOG_LEVEL"), &p.LogLevel)
	str(envKey("HTTP_ADDR"), &p.HTTPAddr)
	str(envKey("DATA_DIR"), &p.Paths.DataDir)
	str(envKey("LAYOUT_FILE"), &p.Paths.LayoutFile)
	if err := dur(envKey("ACK_TIMEOUT"), &p.AckTimeout); err != nil {
		return err
	}
	if err := dur(envKey("PING_PERIOD"), &p.PingPeriod); err != nil {
		return err
	}
	if v, ok := lookup(envKey("MAX_EVENT_BYTES")); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: MAX_EVENT_BYTES: %v", ErrInvalidConfig, err)
		}
		p.MaxEventBytes = n
	}
	for i := range p.Links {
		l := &p.Links[i]
		str(envKey("LINK", l.Name, "HOST"), &l.MQTT.Host)
		str(envKey("LINK", l.Name, "USERNAME"), &l.MQTT.Username)
		str(envKey("LINK", l.Name, "PASSWORD"), &l.MQTT.Password)
		if v, ok := lookup(envKey("LINK", l.Name, "PORT")); ok {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: link %s port: %v", ErrInvalidConfig, l.Name, err)
			}
			l.MQTT.Port = port
		}
	}
	return nil
}
