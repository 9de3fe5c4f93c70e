package gpio

import (
	"fmt"
	"sync"
)

// Write is one recorded Set call.
type Write struct {
	Pin       int
	Energized bool
}

// FakeWriter is a test double that records relay writes.
type FakeWriter struct {
	mu     sync.Mutex
	pins   map[int]bool
	writes []Write
	closed bool

	// SetError, if set, is returned by Set.
	SetError error
}

// NewFakeWriter creates a FakeWriter owning pins, all de-energized.
func NewFakeWriter(pins ...int) *FakeWriter {
	f := &FakeWriter{pins: make(map[int]bool, len(pins))}
	for _, p := range pins {
		f.pins[p] = false
	}
	return f
}

// Set implements Writer.
func (f *FakeWriter) Set(pin int, energized bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	if _, ok := f.pins[pin]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPin, pin)
	}
	f.pins[pin] = energized
	f.writes = append(f.writes, Write{Pin: pin, Energized: energized})
	return nil
}

// Get implements Writer.
func (f *FakeWriter) Get(pin int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.pins[pin]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPin, pin)
	}
	return v, nil
}

// Close de-energizes every pin.
func (f *FakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := range f.pins {
		f.pins[p] = false
	}
	f.closed = true
	return nil
}

// Writes returns a copy of every Set call so far.
func (f *FakeWriter) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Write(nil), f.writes...)
}

// Closed reports whether Close was called.
func (f *FakeWriter) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
