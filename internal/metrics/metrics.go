// Package metrics exposes gateway statistics as Prometheus metrics via a
// custom collector, so scrapes always reflect the engine's own counters
// without double bookkeeping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"can-gateway/internal/models"
)

// GatewayCollector adapts a stats snapshot supplier to the Prometheus
// collector contract.
type GatewayCollector struct {
	snapshot func() models.GatewayStats

	forwarded      *prometheus.Desc
	blocked        *prometheus.Desc
	modified       *prometheus.Desc
	loopsPrevented *prometheus.Desc
	routeForwarded *prometheus.Desc
}

func NewGatewayCollector(snapshot func() models.GatewayStats) *GatewayCollector {
	return &GatewayCollector{
		snapshot: snapshot,
		forwarded: prometheus.NewDesc(
			"can_gateway_frames_forwarded_total",
			"Frames forwarded by the gateway across all routes.",
			nil, nil),
		blocked: prometheus.NewDesc(
			"can_gateway_frames_blocked_total",
			"Frames blocked by static or dynamic block rules.",
			nil, nil),
		modified: prometheus.NewDesc(
			"can_gateway_frames_modified_total",
			"Frames rewritten by modify rules before forwarding.",
			nil, nil),
		loopsPrevented: prometheus.NewDesc(
			"can_gateway_loops_prevented_total",
			"Frames dropped because they already passed this gateway.",
			nil, nil),
		routeForwarded: prometheus.NewDesc(
			"can_gateway_route_forwarded_total",
			"Frames forwarded per route.",
			[]string{"route"}, nil),
	}
}

func (c *GatewayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.forwarded
	ch <- c.blocked
	ch <- c.modified
	ch <- c.loopsPrevented
	ch <- c.routeForwarded
}

func (c *GatewayCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.forwarded, prometheus.CounterValue, float64(stats.Forwarded))
	ch <- prometheus.MustNewConstMetric(c.blocked, prometheus.CounterValue, float64(stats.Blocked))
	ch <- prometheus.MustNewConstMetric(c.modified, prometheus.CounterValue, float64(stats.Modified))
	ch <- prometheus.MustNewConstMetric(c.loopsPrevented, prometheus.CounterValue, float64(stats.LoopsPrevented))
	for route, count := range stats.PerRoute {
		ch <- prometheus.MustNewConstMetric(c.routeForwarded, prometheus.CounterValue, float64(count), route)
	}
}
