package proactor

import (
	"log/slog"
	"time"

	"github.com/thegridelectric/gwproactor/internal/message"
)

// Communicator is an in-process actor. ProcessMessage runs on the
// dispatch loop; communicators talk to each other only through messages.
type Communicator interface {
	Name() string
	ProcessMessage(m *message.Message) error
}

// Runnable is a communicator with its own goroutines.
type Runnable interface {
	Communicator
	Start() error
	Stop()
	Join() error
}

// MonitoredName is a name the watchdog expects a PatWatchdog from at least
// once per Timeout.
type MonitoredName struct {
	Name    string
	Timeout time.Duration
}

// Monitored is implemented by communicators that want watchdog coverage.
type Monitored interface {
	MonitoredNames() []MonitoredName
}

// Services is what a proactor offers its communicators.
type Services interface {
	// Name is the node name of the proactor.
	Name() string

	// Send enqueues m. It never blocks.
	Send(m *message.Message)

	// SendThreadsafe is Send for goroutines other than the dispatch loop.
	SendThreadsafe(m *message.Message)

	// GenerateEvent persists ev and sends it upstream. Dispatch loop only.
	GenerateEvent(ev message.Event) error

	// Publish sends m to the peer named by m.Header.Dst. Dispatch loop only.
	Publish(m *message.Message) error

	// ReportProblem generates a rate-limited problem event. Dispatch loop
	// only.
	ReportProblem(kind message.ProblemType, summary, details string)

	Logger() *slog.Logger
	Now() time.Time
}
