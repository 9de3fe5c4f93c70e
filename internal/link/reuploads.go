package link

// Reuploads paces replay of persisted events after the upstream link
// becomes Active. A fixed window of events is in flight at once; every ack
// for an in-flight event releases the next one.
type Reuploads struct {
	window   int
	queued   []string
	inFlight map[string]struct{}
}

// NewReuploads returns an idle tracker. window < 1 is treated as 1.
func NewReuploads(window int) *Reuploads {
	if window < 1 {
		window = 1
	}
	return &Reuploads{window: window, inFlight: make(map[string]struct{})}
}

// Start replaces any reupload in progress with pending and returns the
// ids to send now.
func (r *Reuploads) Start(pending []string) []string {
	r.Clear()
	r.queued = append(r.queued, pending...)
	return r.release(r.window)
}

func (r *Reuploads) release(n int) []string {
	if n > len(r.queued) {
		n = len(r.queued)
	}
	out := r.queued[:n:n]
	r.queued = r.queued[n:]
	for _, id := range out {
		r.inFlight[id] = struct{}{}
	}
	return out
}

// Acked records that id reached the peer and returns the next id to send,
// if any. Ids outside the reupload are ignored.
func (r *Reuploads) Acked(id string) []string {
	if _, ok := r.inFlight[id]; !ok {
		return nil
	}
	delete(r.inFlight, id)
	return r.release(1)
}

// InProgress reports whether any id is queued or in flight.
func (r *Reuploads) InProgress() bool {
	return len(r.queued) > 0 || len(r.inFlight) > 0
}

// Remaining returns the number of ids queued or in flight.
func (r *Reuploads) Remaining() int {
	return len(r.queued) + len(r.inFlight)
}

// Clear abandons the reupload.
func (r *Reuploads) Clear() {
	r.queued = nil
	r.inFlight = make(map[string]struct{})
}
