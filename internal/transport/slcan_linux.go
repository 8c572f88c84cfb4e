//go:build linux

package transport

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"can-gateway/internal/models"
)

// slcanPort drives a Lawicel-style serial CAN adapter on a tty device. The
// serial line itself runs at a fixed 115200 baud; the CAN bitrate is set
// with the adapter's S command.
type slcanPort struct {
	device string

	mu      sync.Mutex
	f       *os.File
	closed  bool
	pending []byte
	chunk   []byte
}

const slcanLineBaud = unix.B115200

func openSLCAN(cfg models.BusLinkConfig) (Transport, error) {
	code, err := slcanBitrateCode(cfg.Bitrate)
	if err != nil {
		return nil, err
	}

	// O_NONBLOCK so open does not wait for carrier and the runtime poller
	// takes the descriptor, which is what makes read deadlines work.
	f, err := os.OpenFile(cfg.Channel, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %q: %w", cfg.Channel, err)
	}

	if err := configureTTY(int(f.Fd())); err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: configure %q: %w", cfg.Channel, err)
	}

	p := &slcanPort{device: cfg.Channel, f: f, chunk: make([]byte, 256)}

	// Reset the channel, set the bitrate, then open it. Listen-only
	// adapters use L instead of O.
	openCmd := byte('O')
	if cfg.ListenOnly {
		openCmd = 'L'
	}
	init := []byte{'\r', 'C', '\r', 'S', code, '\r', openCmd, '\r'}
	if err := p.write(init); err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: initialize %q: %w", cfg.Channel, err)
	}
	return p, nil
}

// configureTTY puts the serial line into raw 8N1 mode at the fixed baud.
func configureTTY(fd int) error {
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD
	tio.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | slcanLineBaud
	tio.Ispeed = slcanLineBaud
	tio.Ospeed = slcanLineBaud
	tio.Cc[unix.VMIN] = 0
	tio.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, tio)
}

func (p *slcanPort) Recv(timeout time.Duration) (models.Frame, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if line, ok := p.nextLine(); ok {
			f, isFrame, err := parseSLCAN(line)
			if err != nil {
				return models.Frame{}, false, err
			}
			if !isFrame {
				continue
			}
			return f, true, nil
		}

		p.mu.Lock()
		f, closed := p.f, p.closed
		p.mu.Unlock()
		if closed {
			return models.Frame{}, false, ErrClosed
		}
		if !time.Now().Before(deadline) {
			return models.Frame{}, false, nil
		}

		if err := f.SetReadDeadline(deadline); err != nil {
			return models.Frame{}, false, fmt.Errorf("transport: set deadline: %w", err)
		}
		n, err := f.Read(p.chunk)
		if n > 0 {
			p.mu.Lock()
			p.pending = append(p.pending, p.chunk[:n]...)
			p.mu.Unlock()
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return models.Frame{}, false, classifySerialErr(err)
		}
	}
}

// nextLine pops one complete, non-empty line from the pending buffer.
func (p *slcanPort) nextLine() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		i := bytes.IndexAny(p.pending, "\r\n")
		if i < 0 {
			return nil, false
		}
		line := append([]byte(nil), p.pending[:i]...)
		p.pending = p.pending[i+1:]
		if len(line) > 0 {
			return line, true
		}
	}
}

func (p *slcanPort) Send(f models.Frame) error {
	buf, err := marshalSLCAN(f)
	if err != nil {
		return err
	}
	return p.write(buf)
}

func (p *slcanPort) write(buf []byte) error {
	p.mu.Lock()
	f, closed := p.f, p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := f.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		return classifySerialErr(err)
	}
	return nil
}

// Alive reports whether the device node still exists and the port is open.
// USB serial adapters disappear from /dev when unplugged.
func (p *slcanPort) Alive() bool {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return false
	}
	_, err := os.Stat(p.device)
	return err == nil
}

func (p *slcanPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	f := p.f
	p.mu.Unlock()

	// Best effort: tell the adapter to close the CAN channel.
	f.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
	f.Write([]byte("C\r"))
	return f.Close()
}

func classifySerialErr(err error) error {
	switch {
	case errors.Is(err, os.ErrClosed):
		return ErrClosed
	case errors.Is(err, unix.EIO), errors.Is(err, unix.ENXIO),
		errors.Is(err, unix.ENODEV), errors.Is(err, unix.EBADF):
		return &DeviceGoneError{Err: err}
	}
	return fmt.Errorf("transport: serial I/O: %w", err)
}
