// Package gpio drives relay outputs with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import "errors"

// ErrUnknownPin is returned for a pin that was not requested at open.
var ErrUnknownPin = errors.New("gpio: unknown pin")

// Writer sets relay coils.
type Writer interface {
	// Set energizes (true) or de-energizes (false) the relay on pin.
	Set(pin int, energized bool) error

	// Get returns the last value written to pin.
	Get(pin int) (bool, error)

	// Close de-energizes every pin and releases GPIO resources.
	Close() error
}

// DefaultChip is the Raspberry Pi GPIO chip.
const DefaultChip = "gpiochip0"
