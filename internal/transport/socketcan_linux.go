//go:build linux

package transport

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"can-gateway/internal/models"
)

// CAN_RAW socket options (linux/can/raw.h).
const (
	solCANRaw         = 101
	canRawRecvOwnMsgs = 4
)

// socketCAN is a raw AF_CAN socket bound to one interface.
type socketCAN struct {
	mu       sync.Mutex
	fd       int
	closed   bool
	lastWait time.Duration
}

func openSocketCAN(cfg models.BusLinkConfig) (Transport, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("transport: create CAN socket: %w", err)
	}

	if cfg.ReceiveOwn {
		if err := unix.SetsockoptInt(fd, solCANRaw, canRawRecvOwnMsgs, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("transport: enable receive-own: %w", err)
		}
	}

	ifreq, err := unix.NewIfreq(cfg.Channel)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: create ifreq: %w", err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifreq); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: interface index for %q: %w", cfg.Channel, err)
	}

	addr := &unix.SockaddrCAN{Ifindex: int(ifreq.Uint32())}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: bind %q: %w", cfg.Channel, err)
	}

	return &socketCAN{fd: fd, lastWait: -1}, nil
}

func (s *socketCAN) Recv(timeout time.Duration) (models.Frame, bool, error) {
	fd, err := s.handle()
	if err != nil {
		return models.Frame{}, false, err
	}
	if err := s.setRecvTimeout(fd, timeout); err != nil {
		return models.Frame{}, false, err
	}

	buf := make([]byte, canFrameSize)
	n, err := unix.Read(fd, buf)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR:
			return models.Frame{}, false, nil
		case unix.EBADF, unix.ENODEV, unix.ENXIO, unix.EIO:
			return models.Frame{}, false, &DeviceGoneError{Err: err}
		}
		return models.Frame{}, false, fmt.Errorf("transport: read: %w", err)
	}
	f, err := unmarshalCANFrame(buf[:n])
	if err != nil {
		return models.Frame{}, false, err
	}
	return f, true, nil
}

// setRecvTimeout applies SO_RCVTIMEO, skipping the syscall when the wait is
// unchanged from the previous Recv.
func (s *socketCAN) setRecvTimeout(fd int, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout == s.lastWait {
		return nil
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("transport: set receive timeout: %w", err)
	}
	s.lastWait = timeout
	return nil
}

func (s *socketCAN) Send(f models.Frame) error {
	fd, err := s.handle()
	if err != nil {
		return err
	}
	buf, err := marshalCANFrame(f)
	if err != nil {
		return err
	}
	if _, err := unix.Write(fd, buf); err != nil {
		switch err {
		case unix.EBADF, unix.ENODEV, unix.ENXIO, unix.EIO:
			return &DeviceGoneError{Err: err}
		}
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Alive checks the descriptor with Fstat; a removed device invalidates it.
func (s *socketCAN) Alive() bool {
	fd, err := s.handle()
	if err != nil {
		return false
	}
	var stat unix.Stat_t
	return unix.Fstat(fd, &stat) == nil
}

func (s *socketCAN) handle() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.fd, nil
}

func (s *socketCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}
