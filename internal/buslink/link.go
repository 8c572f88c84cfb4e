// Package buslink manages one transport connection per bus: a receive
// goroutine pushing frames into a fan-in handler, health self-monitoring
// with a consecutive-error threshold, and a silence watchdog for
// serial-backed links.
package buslink

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"can-gateway/internal/models"
	"can-gateway/internal/transport"
)

const (
	// pollTimeout bounds one Recv call so the loop observes stop requests.
	pollTimeout = 100 * time.Millisecond
	// errorThreshold is the consecutive receive-error count that stops a link.
	errorThreshold = 50
	// joinTimeout bounds how long Disconnect waits for each loop to exit.
	joinTimeout = time.Second
	// noiseLogEvery rate-limits line-noise logging.
	noiseLogEvery = 100
)

// Handler receives link events. OnFrame runs synchronously on the link's
// receive goroutine and must not block significantly; OnDisconnect fires
// when a link self-detects device loss, never on caller-initiated
// disconnects.
type Handler interface {
	OnFrame(msg models.Message)
	OnDisconnect(bus string, reason error)
}

// Factory opens the transport for a config. Swapped out in tests.
type Factory func(cfg models.BusLinkConfig, simulate bool) (transport.Transport, error)

// Option customizes a Link.
type Option func(*Link)

// WithFactory replaces the transport factory.
func WithFactory(f Factory) Option {
	return func(l *Link) { l.factory = f }
}

// WithClock replaces the wall clock, letting tests drive the watchdog.
func WithClock(c clock.Clock) Option {
	return func(l *Link) { l.clk = c }
}

// Link owns one transport connection. Runtime state (connection, error
// counters, last-seen time) is written only by the link's own goroutines
// and the connect/disconnect caller.
type Link struct {
	cfg     models.BusLinkConfig
	handler Handler
	log     *zap.Logger
	clk     clock.Clock
	factory Factory

	mu   sync.Mutex
	conn *connState

	lastFrame atomic.Int64 // unix nanos of last received frame
	errCount  atomic.Int32
	noiseSeen atomic.Uint64
}

// connState is the per-connection lifecycle: a fresh one per Connect so a
// stale goroutine can never stop a newer connection.
type connState struct {
	tr        transport.Transport
	simulated bool
	stop      chan struct{}
	recvDone  chan struct{}
	wdDone    chan struct{} // nil when the link has no watchdog

	stopOnce   sync.Once
	notifyOnce sync.Once
}

func (c *connState) requestStop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// New creates a link for cfg. The handler must be non-nil.
func New(cfg models.BusLinkConfig, h Handler, log *zap.Logger, opts ...Option) *Link {
	l := &Link{
		cfg:     cfg,
		handler: h,
		log:     log.With(zap.String("bus", cfg.Name)),
		clk:     clock.New(),
		factory: transport.Open,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the unique bus name.
func (l *Link) Name() string { return l.cfg.Name }

// Config returns the link's configuration.
func (l *Link) Config() models.BusLinkConfig { return l.cfg }

// Connect opens the transport and starts the receive loop, plus the
// watchdog for serial-backed hardware. Idempotent: returns true immediately
// when already connected. Failure returns false with the reason logged.
func (l *Link) Connect(simulate bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.log.Debug("connect: already connected")
		return true
	}

	simulated := simulate || l.cfg.Kind == models.KindSim
	tr, err := l.factory(l.cfg, simulate)
	if err != nil {
		l.log.Warn("hardware open failed, falling back to simulated source", zap.Error(err))
		tr, err = l.factory(l.cfg, true)
		if err != nil {
			l.log.Error("connect failed", zap.Error(err))
			return false
		}
		simulated = true
	}

	c := &connState{
		tr:        tr,
		simulated: simulated,
		stop:      make(chan struct{}),
		recvDone:  make(chan struct{}),
	}
	l.conn = c
	l.errCount.Store(0)
	l.noiseSeen.Store(0)
	l.lastFrame.Store(l.clk.Now().UnixNano())

	go l.recvLoop(c)
	if l.cfg.Kind.Serial() && !simulated {
		c.wdDone = make(chan struct{})
		go l.watchdogLoop(c)
	}

	l.log.Info("connected",
		zap.String("channel", l.cfg.Channel),
		zap.Bool("simulated", simulated))
	return true
}

// Disconnect stops the loops, waits a bounded time for each, then closes
// the transport. Close errors are logged, not escalated. Safe to call when
// not connected.
func (l *Link) Disconnect() {
	l.mu.Lock()
	c := l.conn
	l.conn = nil
	l.mu.Unlock()
	if c == nil {
		return
	}

	c.requestStop()
	l.join(c.recvDone, "receive")
	l.join(c.wdDone, "watchdog")
	if err := c.tr.Close(); err != nil {
		l.log.Warn("transport close", zap.Error(err))
	}
	l.log.Info("disconnected")
}

// join waits for a loop to exit. On timeout the goroutine is abandoned
// explicitly: it still observes the stop channel and exits on its next
// poll, it just no longer blocks shutdown.
func (l *Link) join(done chan struct{}, name string) {
	if done == nil {
		return
	}
	t := l.clk.Timer(joinTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		l.log.Warn("loop did not exit in time, abandoning", zap.String("loop", name))
	}
}

// Send transmits a message's frame. Returns false when disconnected, on a
// listen-only link, or on transport failure; the caller owns retry policy.
func (l *Link) Send(msg models.Message) bool {
	l.mu.Lock()
	c := l.conn
	l.mu.Unlock()
	if c == nil {
		l.log.Debug("send on disconnected bus")
		return false
	}
	if l.cfg.ListenOnly {
		l.log.Debug("send rejected: listen-only link")
		return false
	}
	if err := msg.Frame.Validate(); err != nil {
		l.log.Warn("send rejected", zap.Error(err))
		return false
	}
	if err := c.tr.Send(msg.Frame); err != nil {
		l.log.Warn("send failed", zap.Error(err))
		return false
	}
	return true
}

// Connected reports whether the link currently has a transport.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Simulated reports whether the current connection runs on the simulated
// source (configured or fallen back to).
func (l *Link) Simulated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil && l.conn.simulated
}

// Info snapshots configuration and runtime state.
func (l *Link) Info() models.BusInfo {
	l.mu.Lock()
	c := l.conn
	l.mu.Unlock()
	info := models.BusInfo{
		Config:            l.cfg,
		Connected:         c != nil,
		LastFrame:         time.Unix(0, l.lastFrame.Load()),
		ConsecutiveErrors: int(l.errCount.Load()),
	}
	if c != nil {
		info.Simulated = c.simulated
	}
	return info
}

// recvLoop polls the transport until stopped. Noise errors are logged
// rate-limited and never counted; everything else increments the
// consecutive-error counter and past the threshold stops the link.
func (l *Link) recvLoop(c *connState) {
	defer close(c.recvDone)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		f, ok, err := c.tr.Recv(pollTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			if transport.IsNoise(err) {
				n := l.noiseSeen.Add(1)
				if (n-1)%noiseLogEvery == 0 {
					l.log.Warn("line noise", zap.Uint64("total", n), zap.Error(err))
				}
				continue
			}
			n := l.errCount.Add(1)
			l.log.Warn("receive error", zap.Int32("consecutive", n), zap.Error(err))
			if int(n) >= errorThreshold {
				l.failLink(c, fmt.Errorf("%d consecutive receive errors, last: %w", n, err))
				return
			}
			continue
		}
		if !ok {
			continue
		}

		l.errCount.Store(0)
		now := l.clk.Now()
		l.lastFrame.Store(now.UnixNano())
		l.dispatch(models.Message{Frame: f, Timestamp: now, Bus: l.cfg.Name})
	}
}

// dispatch hands one message to the handler. A panicking consumer must not
// kill the receive loop: one bad frame is logged and dropped.
func (l *Link) dispatch(msg models.Message) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("frame handler panicked", zap.Any("panic", r))
		}
	}()
	l.handler.OnFrame(msg)
}

// failLink force-stops the link from one of its own goroutines and fires
// the out-of-band disconnect notification exactly once. A link already
// disconnected by the caller stays silent.
func (l *Link) failLink(c *connState, reason error) {
	c.notifyOnce.Do(func() {
		l.mu.Lock()
		active := l.conn == c
		if active {
			l.conn = nil
		}
		l.mu.Unlock()

		c.requestStop()
		if err := c.tr.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			l.log.Warn("transport close", zap.Error(err))
		}
		if !active {
			return
		}
		l.log.Warn("link self-stopped", zap.Error(reason))
		l.handler.OnDisconnect(l.cfg.Name, reason)
	})
}
