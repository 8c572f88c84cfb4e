package transport

import (
	"fmt"

	"can-gateway/internal/models"
)

// slcan (Lawicel) ASCII framing:
//
//	tIIIL[DD...]\r   standard data frame, 3 hex id digits
//	TIIIIIIIIL[..]\r extended data frame, 8 hex id digits
//	rIIIL\r / RIIIIIIIIL\r   RTR frames
//
// Anything else on the line is noise, which is common on these adapters.

// slcanBitrateCode maps a CAN bitrate to the adapter's Sn setup command.
func slcanBitrateCode(bitrate int) (byte, error) {
	switch bitrate {
	case 10000:
		return '0', nil
	case 20000:
		return '1', nil
	case 50000:
		return '2', nil
	case 100000:
		return '3', nil
	case 125000:
		return '4', nil
	case 250000:
		return '5', nil
	case 500000:
		return '6', nil
	case 800000:
		return '7', nil
	case 1000000:
		return '8', nil
	default:
		return 0, fmt.Errorf("transport: unsupported slcan bitrate %d", bitrate)
	}
}

const hexDigits = "0123456789ABCDEF"

// marshalSLCAN renders one frame as an slcan command line including the
// trailing carriage return.
func marshalSLCAN(f models.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+8+1+16+1)
	var idDigits int
	switch {
	case f.Extended && f.RTR:
		buf = append(buf, 'R')
		idDigits = 8
	case f.Extended:
		buf = append(buf, 'T')
		idDigits = 8
	case f.RTR:
		buf = append(buf, 'r')
		idDigits = 3
	default:
		buf = append(buf, 't')
		idDigits = 3
	}
	for i := idDigits - 1; i >= 0; i-- {
		buf = append(buf, hexDigits[(f.ID>>(uint(i)*4))&0xF])
	}
	buf = append(buf, hexDigits[f.DLC])
	if !f.RTR {
		for i := uint8(0); i < f.DLC; i++ {
			buf = append(buf, hexDigits[f.Data[i]>>4], hexDigits[f.Data[i]&0xF])
		}
	}
	return append(buf, '\r'), nil
}

// parseSLCAN decodes one slcan line (without the trailing \r). ok is false
// for non-frame responses the adapter emits (command acks, version strings);
// malformed frame lines return a NoiseError.
func parseSLCAN(line []byte) (f models.Frame, ok bool, err error) {
	if len(line) == 0 {
		return models.Frame{}, false, nil
	}
	var idDigits int
	switch line[0] {
	case 't':
		idDigits = 3
	case 'T':
		idDigits = 8
		f.Extended = true
	case 'r':
		idDigits = 3
		f.RTR = true
	case 'R':
		idDigits = 8
		f.Extended = true
		f.RTR = true
	case '\a', 'z', 'Z', 'F', 'V', 'N', 'O', 'C':
		// command replies and status lines, not frames
		return models.Frame{}, false, nil
	default:
		return models.Frame{}, false, &NoiseError{Err: fmt.Errorf("unexpected slcan line %q", line)}
	}
	if len(line) < 1+idDigits+1 {
		return models.Frame{}, false, &NoiseError{Err: fmt.Errorf("truncated slcan frame %q", line)}
	}
	id, err := parseHex(line[1 : 1+idDigits])
	if err != nil {
		return models.Frame{}, false, &NoiseError{Err: err}
	}
	f.ID = id
	dlc, err := parseHex(line[1+idDigits : 1+idDigits+1])
	if err != nil || dlc > 8 {
		return models.Frame{}, false, &NoiseError{Err: fmt.Errorf("bad slcan dlc in %q", line)}
	}
	f.DLC = uint8(dlc)
	if !f.RTR {
		data := line[1+idDigits+1:]
		if len(data) < int(f.DLC)*2 {
			return models.Frame{}, false, &NoiseError{Err: fmt.Errorf("truncated slcan data %q", line)}
		}
		for i := uint8(0); i < f.DLC; i++ {
			b, err := parseHex(data[i*2 : i*2+2])
			if err != nil {
				return models.Frame{}, false, &NoiseError{Err: err}
			}
			f.Data[i] = byte(b)
		}
	}
	if err := f.Validate(); err != nil {
		return models.Frame{}, false, &NoiseError{Err: err}
	}
	return f, true, nil
}

func parseHex(b []byte) (uint32, error) {
	var v uint32
	for _, c := range b {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint32(c - '0')
		case c >= 'A' && c <= 'F':
			v |= uint32(c-'A') + 10
		case c >= 'a' && c <= 'f':
			v |= uint32(c-'a') + 10
		default:
			return 0, fmt.Errorf("bad hex digit %q", c)
		}
	}
	return v, nil
}
