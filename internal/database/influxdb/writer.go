// Package influxdb periodically persists gateway statistics snapshots as
// InfluxDB points: one aggregate point plus one point per route.
package influxdb

import (
	"context"
	"fmt"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"go.uber.org/zap"

	"can-gateway/internal/models"
)

// StatsWriter samples a stats supplier on a fixed interval and writes the
// snapshots in one batch per tick.
type StatsWriter struct {
	client   *influxdb3.Client
	log      *zap.Logger
	interval time.Duration
	snapshot func() models.GatewayStats
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates the statistics sink.
func New(config Config, interval time.Duration, snapshot func() models.GatewayStats, log *zap.Logger) (*StatsWriter, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     config.URL,
		Token:    config.Token,
		Database: config.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("influxdb: create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &StatsWriter{
		client:   client,
		log:      log,
		interval: interval,
		snapshot: snapshot,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Start begins the sampling loop.
func (w *StatsWriter) Start() {
	go w.writeLoop()
}

func (w *StatsWriter) writeLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.writeSnapshot(w.snapshot())
		}
	}
}

func (w *StatsWriter) writeSnapshot(stats models.GatewayStats) {
	now := time.Now().UTC()
	points := make([]*influxdb3.Point, 0, 1+len(stats.PerRoute))

	points = append(points, influxdb3.NewPoint(
		"gateway_stats",
		nil,
		map[string]any{
			"forwarded":       stats.Forwarded,
			"blocked":         stats.Blocked,
			"modified":        stats.Modified,
			"loops_prevented": stats.LoopsPrevented,
		},
		now,
	))
	for route, count := range stats.PerRoute {
		points = append(points, influxdb3.NewPoint(
			"gateway_route",
			map[string]string{"route": route},
			map[string]any{"forwarded": count},
			now,
		))
	}

	if err := w.client.WritePoints(w.ctx, points); err != nil {
		w.log.Warn("influxdb write points", zap.Error(err))
	}
}

// Close stops the loop and closes the client.
func (w *StatsWriter) Close() error {
	w.cancel()
	<-w.done
	return w.client.Close()
}
