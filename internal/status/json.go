package status

import (
	"encoding/json"
	"sort"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Node          string             `json:"node"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	StartTime     string             `json:"start_time"`
	Timestamp     string             `json:"timestamp"`
	NumPending    int                `json:"num_pending"`
	Links         []LinkJSON         `json:"links"`
	Events        map[string]int     `json:"events"`
	CommandTree   string             `json:"command_tree,omitempty"`
	Handles       map[string]string  `json:"handles,omitempty"`
	AllyState     string             `json:"ally_state,omitempty"`
	Relays        map[string]string  `json:"relays,omitempty"`
	Readings      map[string]Reading `json:"readings,omitempty"`
	Contract      *ContractJSON      `json:"contract,omitempty"`
	Transitions   []TransitionJSON   `json:"transitions"`
	Config        ConfigJSON         `json:"config"`
}

// LinkJSON reports one link.
type LinkJSON struct {
	Name               string `json:"name"`
	Peer               string `json:"peer"`
	Upstream           bool   `json:"upstream"`
	State              string `json:"state"`
	Timeouts           int    `json:"timeouts"`
	Acked              int    `json:"acked"`
	ConnectionFailures int    `json:"connection_failures"`
	Transitions        int    `json:"transitions"`
}

// ContractJSON is the JSON representation of the contract.
type ContractJSON struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	UsedWh int    `json:"used_wh"`
}

// TransitionJSON is the JSON representation of a link transition.
type TransitionJSON struct {
	Link    string `json:"link"`
	Trigger string `json:"trigger"`
	From    string `json:"from"`
	To      string `json:"to"`
	At      string `json:"at"`
}

// ConfigJSON is the JSON representation of proactor config.
type ConfigJSON struct {
	AckTimeoutMs int64  `json:"ack_timeout_ms"`
	PingPeriodMs int64  `json:"ping_period_ms"`
	HTTPAddr     string `json:"http_addr"`
	DataDir      string `json:"data_dir"`
}

// MarshalJSON writes a reading as {"value":..,"unix_ms":..}.
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value  int64 `json:"value"`
		UnixMs int64 `json:"unix_ms"`
	}{r.Value, r.UnixMs})
}

// UnmarshalJSON reads the form MarshalJSON writes.
func (r *Reading) UnmarshalJSON(data []byte) error {
	var v struct {
		Value  int64 `json:"value"`
		UnixMs int64 `json:"unix_ms"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	r.Value, r.UnixMs = v.Value, v.UnixMs
	return nil
}

// Build converts a snapshot to its JSON form.
func Build(snap Snapshot) StatusInner {
	inner := StatusInner{
		Node:          snap.Config.Node,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		NumPending:    snap.Links.NumPending,
		Links:         make([]LinkJSON, 0, len(snap.Links.Links)),
		Events:        snap.Links.Events,
		CommandTree:   snap.CommandTree,
		Handles:       snap.Handles,
		AllyState:     snap.AllyState,
		Relays:        snap.Relays,
		Readings:      snap.Readings,
		Transitions:   make([]TransitionJSON, 0, len(snap.Transitions)),
		Config: ConfigJSON{
			AckTimeoutMs: snap.Config.AckTimeout.Milliseconds(),
			PingPeriodMs: snap.Config.PingPeriod.Milliseconds(),
			HTTPAddr:     snap.Config.HTTPAddr,
			DataDir:      snap.Config.DataDir,
		},
	}
	if inner.Events == nil {
		inner.Events = map[string]int{}
	}
	for _, l := range snap.Links.Links {
		inner.Links = append(inner.Links, LinkJSON{
			Name:               l.Name,
			Peer:               l.PeerName,
			Upstream:           l.Upstream,
			State:              string(l.State),
			Timeouts:           l.Timeouts,
			Acked:              l.Acked,
			ConnectionFailures: l.ConnectionFailures,
			Transitions:        l.Transitions,
		})
	}
	sort.Slice(inner.Links, func(i, j int) bool { return inner.Links[i].Name < inner.Links[j].Name })
	if snap.Contract != nil {
		inner.Contract = &ContractJSON{ID: snap.Contract.ID, Status: snap.Contract.Status, UsedWh: snap.Contract.UsedWh}
	}
	for _, tr := range snap.Transitions {
		inner.Transitions = append(inner.Transitions, TransitionJSON{
			Link:    tr.Link,
			Trigger: tr.Trigger,
			From:    tr.From,
			To:      tr.To,
			At:      tr.At.UTC().Format(time.RFC3339Nano),
		})
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint.
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: Build(snap)}, "", "  ")
	return data
}
