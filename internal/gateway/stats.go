// Package gateway implements the rule-driven forwarding engine between bus
// links: route resolution, static and time-windowed blocking, frame
// rewriting, loop prevention and live statistics.
package gateway

import (
	"sync"
	"sync/atomic"

	"can-gateway/internal/models"
)

// Stats holds the live forwarding counters. Aggregates are lock-free; the
// per-route map takes a short lock on the dispatch path.
type Stats struct {
	forwarded      atomic.Uint64
	blocked        atomic.Uint64
	modified       atomic.Uint64
	loopsPrevented atomic.Uint64

	mu       sync.Mutex
	perRoute map[string]uint64
}

func NewStats() *Stats {
	return &Stats{perRoute: make(map[string]uint64)}
}

func (s *Stats) addForwarded(route string) {
	s.forwarded.Add(1)
	s.mu.Lock()
	s.perRoute[route]++
	s.mu.Unlock()
}

func (s *Stats) addBlocked()       { s.blocked.Add(1) }
func (s *Stats) addModified()      { s.modified.Add(1) }
func (s *Stats) addLoopPrevented() { s.loopsPrevented.Add(1) }

// Snapshot copies the current counters.
func (s *Stats) Snapshot() models.GatewayStats {
	out := models.GatewayStats{
		Forwarded:      s.forwarded.Load(),
		Blocked:        s.blocked.Load(),
		Modified:       s.modified.Load(),
		LoopsPrevented: s.loopsPrevented.Load(),
		PerRoute:       make(map[string]uint64),
	}
	s.mu.Lock()
	for k, v := range s.perRoute {
		out.PerRoute[k] = v
	}
	s.mu.Unlock()
	return out
}

// Reset zeroes all counters.
func (s *Stats) Reset() {
	s.forwarded.Store(0)
	s.blocked.Store(0)
	s.modified.Store(0)
	s.loopsPrevented.Store(0)
	s.mu.Lock()
	s.perRoute = make(map[string]uint64)
	s.mu.Unlock()
}
