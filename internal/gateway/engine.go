package gateway

import (
	"go.uber.org/zap"

	"can-gateway/internal/models"
)

// Sender delivers gateway-forwarded messages to destination buses. The bus
// registry implements it.
type Sender interface {
	// Dispatch sends msg to the named bus, reporting delivery success.
	Dispatch(bus string, msg models.Message) bool
	// HasBus reports whether the named bus is registered at all.
	HasBus(bus string) bool
}

// Engine evaluates received frames against a config snapshot. It is
// stateless per call except for the counters; it never mutates the message
// it was handed — forwarding stamps separate copies.
type Engine struct {
	sender Sender
	stats  *Stats
	log    *zap.Logger
}

func NewEngine(sender Sender, stats *Stats, log *zap.Logger) *Engine {
	return &Engine{sender: sender, stats: stats, log: log}
}

// Stats exposes the engine's counters.
func (e *Engine) Stats() *Stats { return e.stats }

// actionRank orders dispositions for display precedence: a frame that went
// anywhere is reported as forwarded even if another route blocked it.
func actionRank(a models.GatewayAction) int {
	switch a {
	case models.ActionForwarded:
		return 3
	case models.ActionModified:
		return 2
	case models.ActionBlocked:
		return 1
	default:
		return 0
	}
}

// Process evaluates one inbound message against cfg and returns the
// disposition to display on the original frame. cfg must be a published
// snapshot: the whole evaluation observes one rule-set version.
func (e *Engine) Process(msg models.Message, cfg *models.GatewayConfig) models.GatewayAction {
	if cfg == nil || !cfg.Enabled {
		return models.ActionNone
	}

	// A frame already forwarded through this gateway is never forwarded
	// again: stops ring topologies from circulating frames forever.
	if cfg.LoopPrevention && msg.GatewayProcessed {
		e.stats.addLoopPrevented()
		return models.ActionLoopPrevented
	}

	display := models.ActionNone
	for _, rt := range cfg.Routes {
		if !rt.Enabled || rt.Source != msg.Bus {
			continue
		}
		act := e.evalRoute(msg, rt, cfg)
		if actionRank(act) > actionRank(display) {
			display = act
		}
	}
	return display
}

// evalRoute runs the block/modify/stamp/dispatch pipeline for one route.
func (e *Engine) evalRoute(msg models.Message, rt models.Route, cfg *models.GatewayConfig) models.GatewayAction {
	// An absent destination is a silent no-op, counted as neither
	// forwarded nor blocked.
	if !e.sender.HasBus(rt.Destination) {
		return models.ActionNone
	}

	for _, b := range cfg.BlockRules {
		if b.Matches(msg.Bus, msg.Frame.ID) {
			e.stats.addBlocked()
			return models.ActionBlocked
		}
	}
	for _, d := range cfg.DynamicBlocks {
		if d.ShouldBlock(msg.Bus, msg.Frame.ID) {
			e.stats.addBlocked()
			return models.ActionBlocked
		}
	}

	out := msg
	act := models.ActionNone
	for _, m := range cfg.ModifyRules {
		if m.Matches(msg.Bus, msg.Frame.ID) {
			out.Frame = m.Apply(out.Frame)
			e.stats.addModified()
			act = models.ActionModified
			break
		}
	}

	// The copy carries the sticky processed flag; the original message
	// shown to the display path is never stamped.
	if cfg.LoopPrevention {
		out.GatewayProcessed = true
	}

	if e.sender.Dispatch(rt.Destination, out) {
		e.stats.addForwarded(rt.Source + "->" + rt.Destination)
		act = models.ActionForwarded
	}
	return act
}
