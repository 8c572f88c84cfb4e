package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"can-gateway/internal/config"
	"can-gateway/internal/database/clickhouse"
	"can-gateway/internal/database/influxdb"
	"can-gateway/internal/metrics"
	"can-gateway/internal/models"
	"can-gateway/internal/registry"
)

func main() {
	envFile := flag.String("env", ".env", "Path to .env configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		zap.NewExample().Fatal("load configuration", zap.Error(err))
	}

	log := newLogger(cfg.LogLevel)
	defer log.Sync()

	log.Info("starting CAN gateway",
		zap.Int("buses", len(cfg.Buses)),
		zap.Bool("simulate", cfg.Simulate))

	reg := registry.New(log)

	for _, bus := range cfg.Buses {
		if err := reg.AddBus(bus); err != nil {
			log.Fatal("register bus", zap.Error(err))
		}
	}

	gwCfg, err := config.LoadGatewayConfig(cfg.GatewayConfigFile)
	if err != nil {
		log.Fatal("load gateway config", zap.Error(err))
	}
	reg.SetGatewayConfig(gwCfg)

	// Sinks are optional; the display handler fans out to whichever exist.
	var recorder *clickhouse.Recorder
	if cfg.ClickHouseEnabled {
		recorder, err = clickhouse.New(clickhouse.Config{
			Host:     cfg.ClickHouseHost,
			Port:     cfg.ClickHousePort,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
			Table:    cfg.ClickHouseTable,
		}, cfg.BatchSize, log.Named("clickhouse"))
		if err != nil {
			log.Fatal("clickhouse recorder", zap.Error(err))
		}
		recorder.Start()
	}

	var statsWriter *influxdb.StatsWriter
	if cfg.InfluxDBEnabled {
		statsWriter, err = influxdb.New(influxdb.Config{
			URL:      cfg.InfluxDBURL,
			Token:    cfg.InfluxDBToken,
			Database: cfg.InfluxDBDatabase,
		}, time.Duration(cfg.StatsInterval)*time.Second, reg.GatewayStats, log.Named("influxdb"))
		if err != nil {
			log.Fatal("influxdb stats sink", zap.Error(err))
		}
		statsWriter.Start()
	}

	reg.SetHandler(&displayHandler{log: log, recorder: recorder})

	if cfg.MetricsAddr != "" {
		prometheus.MustRegister(metrics.NewGatewayCollector(reg.GatewayStats))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, promhttp.Handler()); err != nil {
				log.Error("metrics endpoint", zap.Error(err))
			}
		}()
		log.Info("metrics endpoint listening", zap.String("addr", cfg.MetricsAddr))
	}

	for name, ok := range reg.ConnectAll(cfg.Simulate) {
		if !ok {
			log.Warn("bus did not connect", zap.String("bus", name))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	reg.Close()

	var closeErr error
	if recorder != nil {
		closeErr = multierr.Append(closeErr, recorder.Close())
	}
	if statsWriter != nil {
		closeErr = multierr.Append(closeErr, statsWriter.Close())
	}
	if closeErr != nil {
		log.Warn("sink shutdown", zap.Error(closeErr))
	}

	if err := config.SaveGatewayConfig(cfg.GatewayConfigFile, reg.GatewayConfig()); err != nil {
		log.Warn("save gateway config", zap.Error(err))
	}

	stats := reg.GatewayStats()
	log.Info("final statistics",
		zap.Uint64("forwarded", stats.Forwarded),
		zap.Uint64("blocked", stats.Blocked),
		zap.Uint64("modified", stats.Modified),
		zap.Uint64("loops_prevented", stats.LoopsPrevented))
}

// displayHandler is the daemon's observer on the registry: it records
// every frame and logs self-detected disconnects.
type displayHandler struct {
	log      *zap.Logger
	recorder *clickhouse.Recorder
}

func (h *displayHandler) OnFrame(msg models.Message) {
	if h.recorder != nil {
		h.recorder.Write(msg)
	}
}

func (h *displayHandler) OnDisconnect(bus string, reason error) {
	h.log.Warn("bus disconnected", zap.String("bus", bus), zap.Error(reason))
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return log
}
