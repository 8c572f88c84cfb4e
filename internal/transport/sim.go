package transport

import (
	"encoding/binary"
	"sync"
	"time"

	"can-gateway/internal/models"
)

// simGenInterval is the spacing of generated frames in standalone
// simulation mode.
const simGenInterval = 100 * time.Millisecond

// Sim is an in-memory transport. Standalone it acts as a deterministic
// frame source; attached to a VirtualBus it exchanges frames with the other
// endpoints instead. Send always succeeds without real I/O.
type Sim struct {
	name       string
	receiveOwn bool
	generate   bool

	inbox  chan models.Frame
	closed chan struct{}

	mu     sync.Mutex
	dead   bool
	seq    uint32
	nextAt time.Time
	bus    *VirtualBus
}

// NewSim creates a standalone simulated source for the given bus config.
func NewSim(cfg models.BusLinkConfig) *Sim {
	return &Sim{
		name:       cfg.Name,
		receiveOwn: cfg.ReceiveOwn,
		generate:   true,
		inbox:      make(chan models.Frame, 64),
		closed:     make(chan struct{}),
	}
}

func (s *Sim) Recv(timeout time.Duration) (models.Frame, bool, error) {
	// Frames injected by peers or loopback take priority over generation.
	select {
	case f := <-s.inbox:
		return f, true, nil
	case <-s.closed:
		return models.Frame{}, false, ErrClosed
	default:
	}

	wait := timeout
	if s.generate {
		now := time.Now()
		s.mu.Lock()
		if s.nextAt.IsZero() {
			s.nextAt = now.Add(simGenInterval)
		}
		due := s.nextAt.Sub(now)
		s.mu.Unlock()
		if due <= 0 {
			return s.nextFrame(now), true, nil
		}
		if due < wait {
			wait = due
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case f := <-s.inbox:
		return f, true, nil
	case <-s.closed:
		return models.Frame{}, false, ErrClosed
	case <-timer.C:
	}
	if s.generate {
		now := time.Now()
		s.mu.Lock()
		due := !now.Before(s.nextAt)
		s.mu.Unlock()
		if due {
			return s.nextFrame(now), true, nil
		}
	}
	return models.Frame{}, false, nil
}

// nextFrame produces the deterministic sequence: four rotating standard
// identifiers with the sequence number in the payload.
func (s *Sim) nextFrame(now time.Time) models.Frame {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.nextAt = now.Add(simGenInterval)
	s.mu.Unlock()

	var f models.Frame
	f.ID = 0x100 + seq%4
	f.DLC = 8
	binary.BigEndian.PutUint32(f.Data[0:4], seq)
	binary.BigEndian.PutUint32(f.Data[4:8], uint32(now.Unix()))
	return f
}

// Send reports success without I/O. On a virtual bus the frame is delivered
// to all other endpoints; with receive-own enabled it is looped back.
func (s *Sim) Send(f models.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	dead, bus := s.dead, s.bus
	s.mu.Unlock()
	if dead {
		return ErrClosed
	}
	if bus != nil {
		bus.broadcast(s, f)
	}
	if s.receiveOwn {
		s.deliver(f)
	}
	return nil
}

func (s *Sim) deliver(f models.Frame) {
	select {
	case s.inbox <- f:
	case <-s.closed:
	default:
		// inbox full, frame dropped
	}
}

func (s *Sim) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

func (s *Sim) Close() error {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return nil
	}
	s.dead = true
	bus := s.bus
	s.bus = nil
	s.mu.Unlock()

	close(s.closed)
	if bus != nil {
		bus.detach(s)
	}
	return nil
}

// VirtualBus connects simulated endpoints so frames sent on one are
// received by all others, like a shared physical bus segment.
type VirtualBus struct {
	mu        sync.RWMutex
	closed    bool
	endpoints map[*Sim]struct{}
}

func NewVirtualBus() *VirtualBus {
	return &VirtualBus{endpoints: make(map[*Sim]struct{})}
}

// Attach creates a quiet endpoint (no frame generation) on the bus.
func (b *VirtualBus) Attach(cfg models.BusLinkConfig) *Sim {
	s := &Sim{
		name:       cfg.Name,
		receiveOwn: cfg.ReceiveOwn,
		inbox:      make(chan models.Frame, 64),
		closed:     make(chan struct{}),
		bus:        b,
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.Close()
		return s
	}
	b.endpoints[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *VirtualBus) broadcast(from *Sim, f models.Frame) {
	b.mu.RLock()
	targets := make([]*Sim, 0, len(b.endpoints))
	for ep := range b.endpoints {
		if ep != from {
			targets = append(targets, ep)
		}
	}
	b.mu.RUnlock()
	for _, t := range targets {
		t.deliver(f)
	}
}

func (b *VirtualBus) detach(s *Sim) {
	b.mu.Lock()
	delete(b.endpoints, s)
	b.mu.Unlock()
}

// Close detaches and closes every endpoint.
func (b *VirtualBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	eps := make([]*Sim, 0, len(b.endpoints))
	for ep := range b.endpoints {
		eps = append(eps, ep)
	}
	b.endpoints = make(map[*Sim]struct{})
	b.mu.Unlock()

	for _, ep := range eps {
		ep.Close()
	}
	return nil
}
