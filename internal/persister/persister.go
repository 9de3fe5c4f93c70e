// Package persister stores outbound events on disk until the upstream peer
// acknowledges them.
//
// Files live under <base>/<UTC date>/<time>.uid[<uid>].json. The in-memory
// index is rebuilt from a directory walk, so it survives restarts.
package persister

import (
	"errors"
	"fmt"

	"github.com/thegridelectric/gwproactor/internal/problems"
)

var (
	// ErrFileMissing is returned by Retrieve for an unknown uid, or when the
	// indexed file is gone from disk.
	ErrFileMissing = errors.New("file missing")

	// ErrFileExists is a warning: Persist was called for a uid already held.
	ErrFileExists = errors.New("file exists")

	// ErrPayloadTooLarge is returned when one payload exceeds the size cap.
	ErrPayloadTooLarge = errors.New("payload larger than max bytes")

	// ErrTrimFailed reports that an old entry could not be removed while
	// making room.
	ErrTrimFailed = errors.New("trim failed")

	// ErrReindex reports a failed directory walk.
	ErrReindex = errors.New("reindex failed")

	// ErrClearMissing is a warning: Clear was called for an unknown uid.
	ErrClearMissing = errors.New("clear of unknown uid")
)

// Persister is a durable, ordered store of byte payloads keyed by uid.
// Methods returning error may return a *problems.Problems holding only
// warnings; see problems.IsWarningOnly.
type Persister interface {
	Persist(uid string, content []byte) error
	Clear(uid string) error
	Retrieve(uid string) ([]byte, error)
	Pending() []string
	NumPending() int
	Contains(uid string) bool
	Reindex() error
}

// StubPersister keeps everything in memory. It is used when no data
// directory is configured and in tests.
type StubPersister struct {
	order []string
	data  map[string][]byte
}

// NewStubPersister returns an empty in-memory persister.
func NewStubPersister() *StubPersister {
	return &StubPersister{data: make(map[string][]byte)}
}

func (s *StubPersister) Persist(uid string, content []byte) error {
	if _, ok := s.data[uid]; ok {
		s.data[uid] = append([]byte(nil), content...)
		return warning(fmt.Errorf("%w: %s", ErrFileExists, uid))
	}
	s.order = append(s.order, uid)
	s.data[uid] = append([]byte(nil), content...)
	return nil
}

func (s *StubPersister) Clear(uid string) error {
	if _, ok := s.data[uid]; !ok {
		return warning(fmt.Errorf("%w: %s", ErrClearMissing, uid))
	}
	delete(s.data, uid)
	for i, u := range s.order {
		if u == uid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *StubPersister) Retrieve(uid string) ([]byte, error) {
	b, ok := s.data[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileMissing, uid)
	}
	return append([]byte(nil), b...), nil
}

func (s *StubPersister) Pending() []string {
	return append([]string(nil), s.order...)
}

func (s *StubPersister) NumPending() int {
	return len(s.order)
}

func (s *StubPersister) Contains(uid string) bool {
	_, ok := s.data[uid]
	return ok
}

func (s *StubPersister) Reindex() error {
	return nil
}

func warning(err error) error {
	return problems.New(0).AddWarning(err)
}
