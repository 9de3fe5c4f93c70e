package link

import (
	"fmt"
	"time"

	"github.com/thegridelectric/gwproactor/internal/message"
	"github.com/thegridelectric/gwproactor/internal/mqtt"
)

// Outcome is the terminal result of one AckRequired send.
type Outcome string

const (
	OutcomeAcked             Outcome = "acked"
	OutcomeTimeout           Outcome = "timeout"
	OutcomeConnectionFailure Outcome = "connection_failure"
)

// AckWait is an outstanding AckRequired send.
type AckWait struct {
	LinkName  string
	MessageID string
	Type      string
	Deadline  time.Time
	timer     Timer
}

// AckManager keeps one timer per outstanding MessageId. A fired timer
// posts an AckTimeout to the sink; the wait is resolved when that message
// is dispatched, so an Ack processed first always wins.
//
// Not safe for concurrent use; it belongs to the dispatch loop.
type AckManager struct {
	sink      mqtt.Sink
	afterFunc AfterFunc
	now       func() time.Time
	waits     map[string]map[string]*AckWait
	onOutcome func(w *AckWait, o Outcome)
}

// NewAckManager returns a manager. onOutcome, if set, sees every terminal
// outcome exactly once.
func NewAckManager(sink mqtt.Sink, afterFunc AfterFunc, now func() time.Time, onOutcome func(*AckWait, Outcome)) *AckManager {
	if afterFunc == nil {
		afterFunc = RealAfterFunc
	}
	if now == nil {
		now = time.Now
	}
	return &AckManager{
		sink:      sink,
		afterFunc: afterFunc,
		now:       now,
		waits:     make(map[string]map[string]*AckWait),
		onOutcome: onOutcome,
	}
}

// Start begins waiting for an ack of messageID on linkName.
func (a *AckManager) Start(linkName, messageID, typeName string, timeout time.Duration) error {
	waits := a.waits[linkName]
	if waits == nil {
		waits = make(map[string]*AckWait)
		a.waits[linkName] = waits
	}
	if _, ok := waits[messageID]; ok {
		return fmt.Errorf("ack wait for %s on %s already started", messageID, linkName)
	}
	w := &AckWait{
		LinkName:  linkName,
		MessageID: messageID,
		Type:      typeName,
		Deadline:  a.now().Add(timeout),
	}
	w.timer = a.afterFunc(timeout, func() {
		a.sink.SendThreadsafe(message.New(linkName, linkName, &message.AckTimeout{
			LinkName:  linkName,
			MessageID: messageID,
		}))
	})
	waits[messageID] = w
	return nil
}

func (a *AckManager) resolve(linkName, messageID string, o Outcome) (*AckWait, bool) {
	waits := a.waits[linkName]
	w, ok := waits[messageID]
	if !ok {
		return nil, false
	}
	delete(waits, messageID)
	w.timer.Stop()
	if a.onOutcome != nil {
		a.onOutcome(w, o)
	}
	return w, true
}

// Ack resolves messageID as acked. It reports false for an unknown id.
func (a *AckManager) Ack(linkName, messageID string) (*AckWait, bool) {
	return a.resolve(linkName, messageID, OutcomeAcked)
}

// Timeout resolves messageID as timed out. A timeout for a wait that was
// already resolved is ignored and reports false.
func (a *AckManager) Timeout(linkName, messageID string) (*AckWait, bool) {
	return a.resolve(linkName, messageID, OutcomeTimeout)
}

// Fail resolves one wait as a connection failure.
func (a *AckManager) Fail(linkName, messageID string) (*AckWait, bool) {
	return a.resolve(linkName, messageID, OutcomeConnectionFailure)
}

// FailAll resolves every wait on linkName as a connection failure.
func (a *AckManager) FailAll(linkName string) []*AckWait {
	waits := a.waits[linkName]
	failed := make([]*AckWait, 0, len(waits))
	for id := range waits {
		if w, ok := a.resolve(linkName, id, OutcomeConnectionFailure); ok {
			failed = append(failed, w)
		}
	}
	return failed
}

// Outstanding returns the number of unresolved waits on linkName.
func (a *AckManager) Outstanding(linkName string) int {
	return len(a.waits[linkName])
}
