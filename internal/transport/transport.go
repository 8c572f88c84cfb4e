// Package transport provides the opaque driver abstraction below a bus
// link: open a connection, send and receive frames, probe liveness, close.
// No wire protocol of its own exists below this boundary.
package transport

import (
	"errors"
	"fmt"
	"time"

	"can-gateway/internal/models"
)

// ErrClosed indicates the transport has been closed.
var ErrClosed = errors.New("transport: closed")

// Transport is one connection to a physical or virtual CAN interface.
// Implementations must be safe for one receiving goroutine plus concurrent
// Send/Close callers, and must tolerate Close being called twice.
type Transport interface {
	// Recv waits up to timeout for one frame. ok is false when the timeout
	// elapsed without a frame and without an error.
	Recv(timeout time.Duration) (f models.Frame, ok bool, err error)

	// Send transmits one frame, preserving id, data[0:dlc], extended and
	// RTR flags on the wire.
	Send(f models.Frame) error

	// Alive reports whether the underlying device still looks present.
	// Used by the serial watchdog when the link has gone silent.
	Alive() bool

	Close() error
}

// NoiseError marks line noise: framing or parse errors on an otherwise
// healthy link. Noise is logged rate-limited and never counts toward the
// disconnect threshold.
type NoiseError struct {
	Err error
}

func (e *NoiseError) Error() string { return fmt.Sprintf("transport: line noise: %v", e.Err) }
func (e *NoiseError) Unwrap() error { return e.Err }

// DeviceGoneError marks errors indicating the device was removed or the
// descriptor is dead.
type DeviceGoneError struct {
	Err error
}

func (e *DeviceGoneError) Error() string { return fmt.Sprintf("transport: device gone: %v", e.Err) }
func (e *DeviceGoneError) Unwrap() error { return e.Err }

// IsNoise reports whether err is classified as line noise.
func IsNoise(err error) bool {
	var n *NoiseError
	return errors.As(err, &n)
}

// IsDeviceGone reports whether err indicates device loss.
func IsDeviceGone(err error) bool {
	var d *DeviceGoneError
	return errors.As(err, &d)
}

// Open creates the transport for cfg. simulate forces the deterministic
// simulated source regardless of the configured kind.
func Open(cfg models.BusLinkConfig, simulate bool) (Transport, error) {
	if simulate || cfg.Kind == models.KindSim {
		return NewSim(cfg), nil
	}
	switch cfg.Kind {
	case models.KindSocketCAN:
		return openSocketCAN(cfg)
	case models.KindSLCAN:
		return openSLCAN(cfg)
	default:
		return nil, fmt.Errorf("transport: unknown interface kind %q", cfg.Kind)
	}
}
