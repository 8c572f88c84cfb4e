package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Identifier limits for classical CAN.
const (
	MaxStandardID uint32 = 0x7FF
	MaxExtendedID uint32 = 0x1FFFFFFF
)

var (
	ErrInvalidID  = errors.New("models: invalid CAN identifier")
	ErrInvalidDLC = errors.New("models: invalid data length")
)

// Frame represents a classical CAN 2.0 frame. Standard (11-bit) and
// extended (29-bit) identifiers, data and RTR frames, 0-8 data bytes.
// CAN FD is not supported.
type Frame struct {
	ID       uint32  `json:"id"`
	DLC      uint8   `json:"dlc"`
	Data     [8]byte `json:"data"`
	Extended bool    `json:"extended"`
	RTR      bool    `json:"rtr"`
}

// Validate returns an error if the frame is not a valid classical CAN frame.
func (f Frame) Validate() error {
	if f.DLC > 8 {
		return ErrInvalidDLC
	}
	if f.Extended {
		if f.ID > MaxExtendedID {
			return ErrInvalidID
		}
	} else if f.ID > MaxStandardID {
		return ErrInvalidID
	}
	return nil
}

// NewFrame constructs a standard or extended data frame from id and data.
// The identifier width is inferred from the value.
func NewFrame(id uint32, data []byte) Frame {
	f := Frame{ID: id, Extended: id > MaxStandardID}
	if len(data) > 8 {
		data = data[:8]
	}
	f.DLC = uint8(len(data))
	copy(f.Data[:], data)
	return f
}

// String renders the frame in the usual "ID [len] data" dump format.
func (f Frame) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%X [%d]", f.ID, f.DLC)
	if f.RTR {
		b.WriteString(" RTR")
		return b.String()
	}
	for i := uint8(0); i < f.DLC && i < 8; i++ {
		fmt.Fprintf(&b, " %02X", f.Data[i])
	}
	return b.String()
}

// GatewayAction records how the gateway disposed of a received frame.
type GatewayAction string

const (
	ActionNone          GatewayAction = ""
	ActionForwarded     GatewayAction = "forwarded"
	ActionBlocked       GatewayAction = "blocked"
	ActionModified      GatewayAction = "modified"
	ActionLoopPrevented GatewayAction = "loop_prevented"
)

// Message is one frame as seen by the application: the frame itself plus
// receive metadata and the gateway's disposition. The gateway never mutates
// the message handed to the display path; forwarding stamps a separate copy.
type Message struct {
	Frame            Frame         `json:"frame"`
	Timestamp        time.Time     `json:"timestamp"`
	Bus              string        `json:"bus"`
	GatewayProcessed bool          `json:"gateway_processed,omitempty"`
	Action           GatewayAction `json:"gateway_action,omitempty"`
}
