package models

import (
	"encoding/json"
	"sync"
	"time"
)

// Route is a directed permission for frames to flow from one bus to another.
type Route struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Enabled     bool   `json:"enabled"`
}

// BlockRule vetoes a single identifier received on one channel. The channel
// filters by the frame's source bus only.
type BlockRule struct {
	Channel string `json:"channel"`
	CANID   uint32 `json:"can_id"`
	Enabled bool   `json:"enabled"`
}

// Matches reports whether the rule applies to a frame with the given source
// bus and identifier. Disabled rules never match.
func (b BlockRule) Matches(source string, id uint32) bool {
	return b.Enabled && b.Channel == source && b.CANID == id
}

// DynamicBlock blocks a contiguous identifier range on a schedule. The
// phase is a 50% square wave: Advance flips the blocking state whenever a
// full period has elapsed since the last flip, so redundant Advance calls
// within one period are no-ops and a shared scheduler tick shorter than the
// period is safe. A block starts in the pass phase.
type DynamicBlock struct {
	Channel string `json:"channel"`
	IDFrom  uint32 `json:"id_from"`
	IDTo    uint32 `json:"id_to"`
	// PeriodMS is the half-cycle length in milliseconds.
	PeriodMS int  `json:"period"`
	Enabled  bool `json:"enabled"`

	mu       sync.Mutex
	blocking bool
	lastFlip time.Time
}

// Period returns the configured half-cycle as a duration, defaulting to 1 s
// for non-positive values.
func (d *DynamicBlock) Period() time.Duration {
	if d.PeriodMS <= 0 {
		return time.Second
	}
	return time.Duration(d.PeriodMS) * time.Millisecond
}

// Advance moves the phase clock to now, flipping the blocking state if a
// full period has elapsed. The first call only anchors the phase clock.
func (d *DynamicBlock) Advance(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastFlip.IsZero() {
		d.lastFlip = now
		return
	}
	if now.Sub(d.lastFlip) >= d.Period() {
		d.blocking = !d.blocking
		d.lastFlip = now
	}
}

// Blocking reports whether the block is currently in its blocking phase.
func (d *DynamicBlock) Blocking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocking
}

// Matches reports whether the block's channel and identifier range cover a
// frame, independent of the current phase.
func (d *DynamicBlock) Matches(source string, id uint32) bool {
	return d.Enabled && d.Channel == source && id >= d.IDFrom && id <= d.IDTo
}

// ShouldBlock combines range match and phase.
func (d *DynamicBlock) ShouldBlock(source string, id uint32) bool {
	return d.Matches(source, id) && d.Blocking()
}

// dynamicBlockJSON is the persisted shape; the phase is runtime-only state
// and never serialized.
type dynamicBlockJSON struct {
	Channel  string `json:"channel"`
	IDFrom   uint32 `json:"id_from"`
	IDTo     uint32 `json:"id_to"`
	PeriodMS int    `json:"period"`
	Enabled  bool   `json:"enabled"`
}

func (d *DynamicBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(dynamicBlockJSON{
		Channel:  d.Channel,
		IDFrom:   d.IDFrom,
		IDTo:     d.IDTo,
		PeriodMS: d.PeriodMS,
		Enabled:  d.Enabled,
	})
}

func (d *DynamicBlock) UnmarshalJSON(data []byte) error {
	var v dynamicBlockJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	d.Channel = v.Channel
	d.IDFrom = v.IDFrom
	d.IDTo = v.IDTo
	d.PeriodMS = v.PeriodMS
	d.Enabled = v.Enabled
	return nil
}

// ModifyRule rewrites the identifier and/or masked data bytes of matching
// frames before they are forwarded.
type ModifyRule struct {
	Channel  string  `json:"channel"`
	CANID    uint32  `json:"can_id"`
	Enabled  bool    `json:"enabled"`
	NewID    *uint32 `json:"new_id,omitempty"`
	DataMask [8]bool `json:"data_mask"`
	NewData  [8]byte `json:"new_data"`
}

// Matches reports whether the rule applies to a frame with the given source
// bus and identifier.
func (r ModifyRule) Matches(source string, id uint32) bool {
	return r.Enabled && r.Channel == source && r.CANID == id
}

// Apply returns a copy of f with the identifier replaced (if NewID is set)
// and every masked byte overwritten. Bytes are overwritten, not combined,
// so applying twice yields the same result as once.
func (r ModifyRule) Apply(f Frame) Frame {
	if r.NewID != nil {
		f.ID = *r.NewID
		if f.ID > MaxStandardID {
			f.Extended = true
		}
	}
	for i := range f.Data {
		if r.DataMask[i] {
			f.Data[i] = r.NewData[i]
		}
	}
	return f
}

// GatewayConfig is the complete rule set driving the forwarding engine. It
// is published to worker goroutines as an atomically swapped snapshot: the
// rule shape is immutable after publication, only each DynamicBlock's phase
// cell mutates (under its own lock).
type GatewayConfig struct {
	Enabled        bool            `json:"enabled"`
	LoopPrevention bool            `json:"loop_prevention_enabled"`
	Routes         []Route         `json:"routes"`
	BlockRules     []BlockRule     `json:"block_rules"`
	DynamicBlocks  []*DynamicBlock `json:"dynamic_blocks"`
	ModifyRules    []ModifyRule    `json:"modify_rules"`

	// Legacy two-bus flags from pre-multi-route configurations. Migrated
	// into synthetic Routes by MigrateLegacy; the engine never reads them.
	ForwardAToB bool `json:"forward_a_to_b,omitempty"`
	ForwardBToA bool `json:"forward_b_to_a,omitempty"`
}

// MigrateLegacy folds the two-flag compatibility shape into Routes using
// the first two registered bus names. It does nothing when explicit routes
// exist or fewer than two buses are known.
func (c *GatewayConfig) MigrateLegacy(busNames []string) {
	if len(c.Routes) > 0 || len(busNames) < 2 {
		return
	}
	a, b := busNames[0], busNames[1]
	if c.ForwardAToB {
		c.Routes = append(c.Routes, Route{Source: a, Destination: b, Enabled: true})
	}
	if c.ForwardBToA {
		c.Routes = append(c.Routes, Route{Source: b, Destination: a, Enabled: true})
	}
	c.ForwardAToB = false
	c.ForwardBToA = false
}

// Clone copies the config for republication. Rule slices are copied;
// DynamicBlock pointers are shared so phase state survives the swap.
func (c *GatewayConfig) Clone() *GatewayConfig {
	out := &GatewayConfig{
		Enabled:        c.Enabled,
		LoopPrevention: c.LoopPrevention,
		ForwardAToB:    c.ForwardAToB,
		ForwardBToA:    c.ForwardBToA,
	}
	out.Routes = append([]Route(nil), c.Routes...)
	out.BlockRules = append([]BlockRule(nil), c.BlockRules...)
	out.DynamicBlocks = append([]*DynamicBlock(nil), c.DynamicBlocks...)
	out.ModifyRules = append([]ModifyRule(nil), c.ModifyRules...)
	return out
}

// HasEnabledDynamicBlocks reports whether any dynamic block needs the
// scheduler running.
func (c *GatewayConfig) HasEnabledDynamicBlocks() bool {
	for _, d := range c.DynamicBlocks {
		if d.Enabled {
			return true
		}
	}
	return false
}

// GatewayStats is a snapshot of the forwarding counters.
type GatewayStats struct {
	Forwarded      uint64            `json:"forwarded"`
	Blocked        uint64            `json:"blocked"`
	Modified       uint64            `json:"modified"`
	LoopsPrevented uint64            `json:"loops_prevented"`
	PerRoute       map[string]uint64 `json:"per_route"`
}
