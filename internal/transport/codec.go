package transport

import (
	"encoding/binary"
	"fmt"

	"can-gateway/internal/models"
)

// Linux SocketCAN struct can_frame layout (16 bytes, little-endian):
//
//	0..3  can_id with EFF/RTR/ERR flags
//	4     can_dlc
//	5..7  padding
//	8..15 data
const (
	canFrameSize = 16

	canEffFlag uint32 = 0x80000000
	canRtrFlag uint32 = 0x40000000
	canErrFlag uint32 = 0x20000000
)

// marshalCANFrame encodes a model frame to the can_frame layout.
func marshalCANFrame(f models.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= canEffFlag
	}
	if f.RTR {
		id |= canRtrFlag
	}
	buf := make([]byte, canFrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.DLC
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// unmarshalCANFrame decodes a can_frame buffer. Error frames (ERR flag set)
// and short reads are reported as noise.
func unmarshalCANFrame(buf []byte) (models.Frame, error) {
	if len(buf) < canFrameSize {
		return models.Frame{}, &NoiseError{Err: fmt.Errorf("short can_frame: %d bytes", len(buf))}
	}
	id := binary.LittleEndian.Uint32(buf[0:4])
	if id&canErrFlag != 0 {
		return models.Frame{}, &NoiseError{Err: fmt.Errorf("error frame 0x%08X", id)}
	}
	var f models.Frame
	f.Extended = id&canEffFlag != 0
	f.RTR = id&canRtrFlag != 0
	if f.Extended {
		f.ID = id & models.MaxExtendedID
	} else {
		f.ID = id & models.MaxStandardID
	}
	f.DLC = buf[4]
	copy(f.Data[:], buf[8:16])
	if err := f.Validate(); err != nil {
		return models.Frame{}, &NoiseError{Err: err}
	}
	return f, nil
}
