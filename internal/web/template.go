package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/thegridelectric/gwproactor/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"orNone": func(s string) string {
		if s == "" {
			return "none"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Config.Node}}</title>
<style>
body { font-family: monospace; max-width: 760px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.active { color: green; font-weight: bold; }
.inactive { color: orange; }
</style>
</head>
<body>
<h1>{{.Config.Node}}</h1>

<h2>Links</h2>
<table>
<tr><th>Link</th><td>Peer</td><td>State</td><td>Timeouts</td></tr>
{{range .Links.Links}}<tr><th>{{.Name}}{{if .Upstream}} (upstream){{end}}</th><td>{{.PeerName}}</td><td class="{{if eq (printf "%s" .State) "active"}}active{{else}}inactive{{end}}">{{.State}}</td><td>{{.Timeouts}}</td></tr>
{{end}}</table>
<p>Pending events: {{.Links.NumPending}}</p>

<h2>Control</h2>
<table>
<tr><th>Atomic ally</th><td>{{orNone .AllyState}}</td></tr>
<tr><th>Command tree</th><td>{{orNone .CommandTree}}</td></tr>
{{if .Contract}}<tr><th>Contract</th><td>{{.Contract.ID}} {{.Contract.Status}} ({{.Contract.UsedWh}} Wh used)</td></tr>{{end}}
{{range $name, $pos := .Relays}}<tr><th>{{$name}}</th><td>{{$pos}}</td></tr>
{{end}}</table>

<h2>Readings</h2>
<table>
{{range $name := .Snapshot.Channels}}<tr><th>{{$name}}</th><td>{{(index $.Readings $name).Value}}</td></tr>
{{end}}</table>

<h2>Recent transitions</h2>
<table>
{{range .Transitions}}<tr><th>{{.Link}}</th><td>{{.From}} &rarr; {{.To}} ({{.Trigger}})</td></tr>
{{end}}</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Ack timeout</th><td>{{.Config.AckTimeout}}</td></tr>
<tr><th>Ping period</th><td>{{.Config.PingPeriod}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
