// Package registry owns the name-keyed set of bus links and the active
// gateway configuration. All received frames fan in here: the gateway
// engine sees them first, the display handler always sees the original.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"can-gateway/internal/buslink"
	"can-gateway/internal/gateway"
	"can-gateway/internal/ifstat"
	"can-gateway/internal/models"
)

// StatProber fetches interface statistics for a channel; replaced in tests.
type StatProber func(channel string) (*models.InterfaceStats, error)

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock for the scheduler and links.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clk = c }
}

// WithLinkOptions passes extra options to every created link.
func WithLinkOptions(opts ...buslink.Option) Option {
	return func(r *Registry) { r.linkOpts = opts }
}

// WithStatProber replaces the iproute2 statistics prober.
func WithStatProber(p StatProber) Option {
	return func(r *Registry) { r.probe = p }
}

// Registry is the connection manager. The gateway config is published as
// an atomically swapped immutable snapshot: the caller thread builds a new
// config and swaps the handle, worker goroutines read it lock-free so one
// frame's whole evaluation observes one consistent rule-set version.
type Registry struct {
	log      *zap.Logger
	clk      clock.Clock
	linkOpts []buslink.Option
	probe    StatProber

	mu    sync.RWMutex
	links map[string]*buslink.Link
	order []string

	handler atomic.Pointer[handlerRef]
	cfg     atomic.Pointer[models.GatewayConfig]
	stats   *gateway.Stats
	engine  *gateway.Engine
	sched   *gateway.Scheduler
}

// handlerRef boxes the interface for atomic swapping.
type handlerRef struct{ h buslink.Handler }

func New(log *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		log:   log,
		clk:   clock.New(),
		probe: ifstat.Probe,
		links: make(map[string]*buslink.Link),
		stats: gateway.NewStats(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.engine = gateway.NewEngine(r, r.stats, log.Named("gateway"))
	r.sched = gateway.NewScheduler(r.GatewayConfig, r.clk, log.Named("scheduler"))
	r.cfg.Store(&models.GatewayConfig{})
	return r
}

// SetHandler installs the display observer. Frames and disconnect events
// are relayed to it; OnFrame runs on the receiving link's goroutine.
func (r *Registry) SetHandler(h buslink.Handler) {
	r.handler.Store(&handlerRef{h: h})
}

// AddBus registers a new link for cfg. Configuration errors (empty or
// duplicate name, non-positive bitrate) are rejected here, synchronously.
func (r *Registry) AddBus(cfg models.BusLinkConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[cfg.Name]; ok {
		return fmt.Errorf("registry: bus %q already registered", cfg.Name)
	}
	opts := append([]buslink.Option{buslink.WithClock(r.clk)}, r.linkOpts...)
	r.links[cfg.Name] = buslink.New(cfg, r, r.log, opts...)
	r.order = append(r.order, cfg.Name)
	r.log.Info("bus registered", zap.String("bus", cfg.Name), zap.String("kind", string(cfg.Kind)))
	return nil
}

// RemoveBus disconnects and destroys a link.
func (r *Registry) RemoveBus(name string) error {
	r.mu.Lock()
	link, ok := r.links[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown bus %q", name)
	}
	delete(r.links, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	link.Disconnect()
	r.log.Info("bus removed", zap.String("bus", name))
	return nil
}

// ConnectBus connects one link. Unknown names report false.
func (r *Registry) ConnectBus(name string) bool {
	link := r.link(name)
	if link == nil {
		r.log.Warn("connect: unknown bus", zap.String("bus", name))
		return false
	}
	return link.Connect(false)
}

// ConnectAll connects every registered link, forcing the simulated source
// when simulate is set. Outcomes are independent: one link's failure never
// blocks the others.
func (r *Registry) ConnectAll(simulate bool) map[string]bool {
	out := make(map[string]bool)
	for _, link := range r.snapshotLinks() {
		out[link.Name()] = link.Connect(simulate)
	}
	return out
}

// DisconnectBus disconnects one link. Unknown names report false.
func (r *Registry) DisconnectBus(name string) bool {
	link := r.link(name)
	if link == nil {
		return false
	}
	link.Disconnect()
	return true
}

// DisconnectAll disconnects every link.
func (r *Registry) DisconnectAll() map[string]bool {
	out := make(map[string]bool)
	for _, link := range r.snapshotLinks() {
		link.Disconnect()
		out[link.Name()] = true
	}
	return out
}

// SendTo transmits a message on the named bus.
func (r *Registry) SendTo(name string, msg models.Message) bool {
	link := r.link(name)
	if link == nil {
		return false
	}
	return link.Send(msg)
}

// SendToAll transmits a message on every connected bus.
func (r *Registry) SendToAll(msg models.Message) map[string]bool {
	out := make(map[string]bool)
	for _, link := range r.snapshotLinks() {
		if link.Connected() {
			out[link.Name()] = link.Send(msg)
		}
	}
	return out
}

// Dispatch implements gateway.Sender.
func (r *Registry) Dispatch(bus string, msg models.Message) bool {
	return r.SendTo(bus, msg)
}

// HasBus implements gateway.Sender.
func (r *Registry) HasBus(name string) bool {
	return r.link(name) != nil
}

// SetGatewayConfig publishes a new rule set. The input is cloned, legacy
// two-flag configs are migrated into synthetic routes once here — the
// engine only ever sees Routes — and the scheduler is reconciled.
func (r *Registry) SetGatewayConfig(cfg *models.GatewayConfig) {
	next := cfg.Clone()
	next.MigrateLegacy(r.BusNames())
	r.cfg.Store(next)
	r.syncScheduler(next)
	r.log.Info("gateway config updated",
		zap.Bool("enabled", next.Enabled),
		zap.Int("routes", len(next.Routes)),
		zap.Int("block_rules", len(next.BlockRules)),
		zap.Int("dynamic_blocks", len(next.DynamicBlocks)),
		zap.Int("modify_rules", len(next.ModifyRules)))
}

// EnableGateway toggles forwarding without touching the rule set.
func (r *Registry) EnableGateway(on bool) {
	next := r.cfg.Load().Clone()
	next.Enabled = on
	r.cfg.Store(next)
	r.syncScheduler(next)
	r.log.Info("gateway toggled", zap.Bool("enabled", on))
}

// GatewayConfig returns the current published snapshot.
func (r *Registry) GatewayConfig() *models.GatewayConfig {
	return r.cfg.Load()
}

func (r *Registry) syncScheduler(cfg *models.GatewayConfig) {
	if cfg.Enabled && cfg.HasEnabledDynamicBlocks() {
		r.sched.Start()
	} else {
		r.sched.Stop()
	}
}

// GatewayStats snapshots the forwarding counters.
func (r *Registry) GatewayStats() models.GatewayStats {
	return r.stats.Snapshot()
}

// ResetGatewayStats zeroes the forwarding counters.
func (r *Registry) ResetGatewayStats() {
	r.stats.Reset()
}

// BusNames lists buses in registration order.
func (r *Registry) BusNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// ConnectedBuses lists the currently connected buses in registration order.
func (r *Registry) ConnectedBuses() []string {
	var out []string
	for _, link := range r.snapshotLinks() {
		if link.Connected() {
			out = append(out, link.Name())
		}
	}
	return out
}

// ConnectionStatus maps every bus name to its connected flag.
func (r *Registry) ConnectionStatus() map[string]bool {
	out := make(map[string]bool)
	for _, link := range r.snapshotLinks() {
		out[link.Name()] = link.Connected()
	}
	return out
}

// BusInfo snapshots one link's state, enriched with iproute2 statistics
// for connected SocketCAN hardware.
func (r *Registry) BusInfo(name string) (models.BusInfo, error) {
	link := r.link(name)
	if link == nil {
		return models.BusInfo{}, fmt.Errorf("registry: unknown bus %q", name)
	}
	info := link.Info()
	if info.Connected && !info.Simulated && info.Config.Kind == models.KindSocketCAN {
		stats, err := r.probe(info.Config.Channel)
		if err != nil {
			r.log.Debug("interface stats unavailable", zap.String("bus", name), zap.Error(err))
		} else {
			info.Interface = stats
		}
	}
	return info, nil
}

// Close stops the scheduler and disconnects every link.
func (r *Registry) Close() {
	r.sched.Stop()
	r.DisconnectAll()
}

// OnFrame implements buslink.Handler: the fan-in callback. The gateway
// engine evaluates the frame first (it may forward copies to other links);
// the display handler then unconditionally sees the original frame with
// only its disposition set.
func (r *Registry) OnFrame(msg models.Message) {
	cfg := r.cfg.Load()
	if cfg.Enabled {
		msg.Action = r.engine.Process(msg, cfg)
	}
	if ref := r.handler.Load(); ref != nil && ref.h != nil {
		ref.h.OnFrame(msg)
	}
}

// OnDisconnect implements buslink.Handler: decouples raw link failure from
// display handling by relaying on the same goroutine that detected it.
func (r *Registry) OnDisconnect(bus string, reason error) {
	r.log.Warn("bus self-disconnected", zap.String("bus", bus), zap.Error(reason))
	if ref := r.handler.Load(); ref != nil && ref.h != nil {
		ref.h.OnDisconnect(bus, reason)
	}
}

func (r *Registry) link(name string) *buslink.Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.links[name]
}

// snapshotLinks returns the links in registration order without holding
// the lock during per-link work.
func (r *Registry) snapshotLinks() []*buslink.Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*buslink.Link, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.links[name])
	}
	return out
}
