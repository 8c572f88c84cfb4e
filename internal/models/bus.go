package models

import (
	"errors"
	"fmt"
	"time"
)

// InterfaceKind selects the transport backing a bus link.
type InterfaceKind string

const (
	// KindSocketCAN is a Linux SocketCAN interface (can0, vcan0, ...).
	KindSocketCAN InterfaceKind = "socketcan"
	// KindSLCAN is a serial-line CAN adapter on a tty device.
	KindSLCAN InterfaceKind = "slcan"
	// KindSim is the built-in deterministic frame source.
	KindSim InterfaceKind = "sim"
)

// Serial reports whether the kind is backed by a serial device. Serial
// links get a watchdog because some USB adapters vanish without raising a
// read error until the next I/O attempt.
func (k InterfaceKind) Serial() bool { return k == KindSLCAN }

// BusLinkConfig describes one managed connection to a CAN interface.
type BusLinkConfig struct {
	Name       string        `json:"name"`
	Channel    string        `json:"channel"`
	Bitrate    int           `json:"bitrate"`
	Kind       InterfaceKind `json:"interface"`
	ListenOnly bool          `json:"listen_only,omitempty"`
	ReceiveOwn bool          `json:"receive_own_frames,omitempty"`
}

// Validate rejects configuration errors before a link is ever created.
func (c BusLinkConfig) Validate() error {
	if c.Name == "" {
		return errors.New("models: bus name must not be empty")
	}
	if c.Bitrate <= 0 {
		return fmt.Errorf("models: bus %q: bitrate must be positive, got %d", c.Name, c.Bitrate)
	}
	switch c.Kind {
	case KindSocketCAN, KindSLCAN, KindSim:
		return nil
	default:
		return fmt.Errorf("models: bus %q: unknown interface kind %q", c.Name, c.Kind)
	}
}

// InterfaceStats is the subset of iproute2 link statistics reported for
// SocketCAN-backed buses.
type InterfaceStats struct {
	State          string `json:"state"`
	BusState       string `json:"bus_state"`
	Bitrate        int    `json:"bitrate"`
	RestartMS      int    `json:"restart_ms"`
	TXErrorCounter int    `json:"tx_error_counter"`
	RXErrorCounter int    `json:"rx_error_counter"`
	RXPackets      uint64 `json:"rx_packets"`
	TXPackets      uint64 `json:"tx_packets"`
	RXErrors       uint64 `json:"rx_errors"`
	TXErrors       uint64 `json:"tx_errors"`
	BusOffRestarts uint64 `json:"bus_off_restarts"`
}

// BusInfo is a point-in-time snapshot of one link's configuration and
// runtime state.
type BusInfo struct {
	Config            BusLinkConfig   `json:"config"`
	Connected         bool            `json:"connected"`
	Simulated         bool            `json:"simulated"`
	LastFrame         time.Time       `json:"last_frame"`
	ConsecutiveErrors int             `json:"consecutive_errors"`
	Interface         *InterfaceStats `json:"interface_stats,omitempty"`
}
