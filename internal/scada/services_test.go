package scada

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thegridelectric/gwproactor/internal/layout"
	"github.com/thegridelectric/gwproactor/internal/message"
)

const scadaNode = "hw1.isone.me.scada"

// fakeServices records everything an actor asks of its proactor.
type fakeServices struct {
	mu         sync.Mutex
	now        time.Time
	sent       []*message.Message
	events     []message.Event
	published  []*message.Message
	problems   []string
	publishErr error
}

func newServices(now time.Time) *fakeServices { return &fakeServices{now: now} }

func (f *fakeServices) Name() string { return scadaNode }

func (f *fakeServices) Send(m *message.Message) {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
}

func (f *fakeServices) SendThreadsafe(m *message.Message) { f.Send(m) }

func (f *fakeServices) GenerateEvent(ev message.Event) error {
	message.Stamp(ev, scadaNode, f.now)
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeServices) Publish(m *message.Message) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, m)
	return nil
}

func (f *fakeServices) ReportProblem(_ message.ProblemType, summary, _ string) {
	f.problems = append(f.problems, summary)
}

func (f *fakeServices) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (f *fakeServices) Now() time.Time { return f.now }

func (f *fakeServices) advance(d time.Duration) { f.now = f.now.Add(d) }

// sentTo returns the payloads sent to dst, in order.
func (f *fakeServices) sentTo(dst string) []message.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []message.Payload
	for _, m := range f.sent {
		if m.Header.Dst == dst {
			out = append(out, m.Payload)
		}
	}
	return out
}

func (f *fakeServices) reset() {
	f.mu.Lock()
	f.sent, f.events, f.published, f.problems = nil, nil, nil, nil
	f.mu.Unlock()
}

func loadLayout(t *testing.T) *layout.Layout {
	t.Helper()
	l, err := layout.Load("../layout/testdata/site.json")
	require.NoError(t, err)
	return l
}

func msg(src, dst string, p message.Payload) *message.Message {
	return message.New(src, dst, p)
}
