package gateway

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"can-gateway/internal/models"
)

// defaultTick bounds the scheduler interval when no enabled block has a
// shorter period.
const defaultTick = time.Second

// Scheduler is the single background ticker advancing every enabled
// DynamicBlock. It runs while the gateway is enabled and at least one
// dynamic block is enabled. Advance is idempotent within a block's period,
// so ticking faster than a block's period is harmless.
type Scheduler struct {
	snapshot func() *models.GatewayConfig
	clk      clock.Clock
	log      *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewScheduler builds a scheduler over a config snapshot supplier. The
// supplier is re-read every tick so config swaps take effect immediately.
func NewScheduler(snapshot func() *models.GatewayConfig, clk clock.Clock, log *zap.Logger) *Scheduler {
	return &Scheduler{snapshot: snapshot, clk: clk, log: log}
}

// Start launches the ticking goroutine. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	s.log.Debug("dynamic block scheduler started")
}

// Stop halts the goroutine and waits for it. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	s.log.Debug("dynamic block scheduler stopped")
}

// Running reports whether the scheduler goroutine is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

func (s *Scheduler) run(stop, done chan struct{}) {
	defer close(done)
	for {
		tick := tickInterval(s.snapshot())
		t := s.clk.Timer(tick)
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
		}

		cfg := s.snapshot()
		if cfg == nil {
			continue
		}
		now := s.clk.Now()
		for _, d := range cfg.DynamicBlocks {
			if d.Enabled {
				d.Advance(now)
			}
		}
	}
}

// tickInterval is the shortest enabled period, capped at the default.
func tickInterval(cfg *models.GatewayConfig) time.Duration {
	tick := defaultTick
	if cfg == nil {
		return tick
	}
	for _, d := range cfg.DynamicBlocks {
		if d.Enabled && d.Period() < tick {
			tick = d.Period()
		}
	}
	return tick
}
