//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// RealWriter drives relay outputs on actual hardware using the Linux GPIO
// character device.
type RealWriter struct {
	mu    sync.Mutex
	chip  *gpiocdev.Chip
	lines map[int]*gpiocdev.Line
}

// NewRealWriter requests every pin as an output, initially de-energized.
func NewRealWriter(chipName string, pins []int) (*RealWriter, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	w := &RealWriter{chip: chip, lines: make(map[int]*gpiocdev.Line, len(pins))}
	for _, pin := range pins {
		line, err := chip.RequestLine(pin, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("gwproactor"))
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("request relay pin %d: %w", pin, err)
		}
		w.lines[pin] = line
	}
	return w, nil
}

// Set implements Writer.
func (w *RealWriter) Set(pin int, energized bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	line, ok := w.lines[pin]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPin, pin)
	}
	v := 0
	if energized {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set pin %d: %w", pin, err)
	}
	return nil
}

// Get implements Writer.
func (w *RealWriter) Get(pin int) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	line, ok := w.lines[pin]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPin, pin)
	}
	v, err := line.Value()
	if err != nil {
		return false, fmt.Errorf("read pin %d: %w", pin, err)
	}
	return v == 1, nil
}

// Close de-energizes and releases every line, then the chip.
// Lines are reconfigured as pulled-down inputs to match Pi boot defaults.
func (w *RealWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for pin, line := range w.lines {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("clear pin %d: %w", pin, err))
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
	}
	w.lines = nil
	if w.chip != nil {
		if err := w.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		w.chip = nil
	}
	return errors.Join(errs...)
}
