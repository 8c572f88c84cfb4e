// Package config loads daemon settings from a .env file and persists the
// gateway rule set as a JSON document.
package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"can-gateway/internal/models"
)

// Config holds all daemon configuration.
type Config struct {
	// Buses
	Buses    []models.BusLinkConfig
	Simulate bool

	// Gateway
	GatewayConfigFile string

	// ClickHouse frame recorder
	ClickHouseEnabled  bool
	ClickHouseHost     string
	ClickHousePort     int
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
	ClickHouseTable    string

	// InfluxDB statistics sink
	InfluxDBEnabled  bool
	InfluxDBURL      string
	InfluxDBToken    string
	InfluxDBDatabase string

	// General
	BatchSize     int
	StatsInterval int // seconds
	MetricsAddr   string
	LogLevel      string
}

// LoadConfig loads configuration from a .env file, falling back to the
// defaults when the file does not exist.
func LoadConfig(envFile string) (*Config, error) {
	config := &Config{
		GatewayConfigFile:  "gateway.json",
		ClickHouseHost:     "localhost",
		ClickHousePort:     9000,
		ClickHouseDatabase: "default",
		ClickHouseUsername: "default",
		ClickHouseTable:    "can_messages",
		InfluxDBURL:        "http://localhost:8086",
		InfluxDBDatabase:   "can_gateway",
		BatchSize:          1000,
		StatsInterval:      10,
		LogLevel:           "info",
	}

	if envFile == "" {
		envFile = ".env"
	}

	file, err := os.Open(envFile)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("config: open %s: %w", envFile, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

		switch key {
		case "CAN_BUSES":
			buses, err := ParseBuses(value)
			if err != nil {
				return nil, err
			}
			config.Buses = buses
		case "CAN_SIMULATE":
			config.Simulate = parseBool(value)
		case "GATEWAY_CONFIG":
			config.GatewayConfigFile = value
		case "CLICKHOUSE_ENABLED":
			config.ClickHouseEnabled = parseBool(value)
		case "CLICKHOUSE_HOST":
			config.ClickHouseHost = value
		case "CLICKHOUSE_PORT":
			config.ClickHousePort, _ = strconv.Atoi(value)
		case "CLICKHOUSE_DATABASE":
			config.ClickHouseDatabase = value
		case "CLICKHOUSE_USERNAME":
			config.ClickHouseUsername = value
		case "CLICKHOUSE_PASSWORD":
			config.ClickHousePassword = value
		case "CLICKHOUSE_TABLE":
			config.ClickHouseTable = value
		case "INFLUXDB_ENABLED":
			config.InfluxDBEnabled = parseBool(value)
		case "INFLUXDB_URL":
			config.InfluxDBURL = value
		case "INFLUXDB_TOKEN":
			config.InfluxDBToken = value
		case "INFLUXDB_DATABASE":
			config.InfluxDBDatabase = value
		case "BATCH_SIZE":
			config.BatchSize, _ = strconv.Atoi(value)
		case "STATS_INTERVAL":
			config.StatsInterval, _ = strconv.Atoi(value)
		case "METRICS_ADDR":
			config.MetricsAddr = value
		case "LOG_LEVEL":
			config.LogLevel = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", envFile, err)
	}
	return config, nil
}

// ParseBuses parses the CAN_BUSES value: semicolon-separated entries of
// the form name:kind:channel:bitrate[:flag,flag] where flags are
// listen_only and receive_own.
func ParseBuses(value string) ([]models.BusLinkConfig, error) {
	var buses []models.BusLinkConfig
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, ":")
		if len(fields) < 4 {
			return nil, fmt.Errorf("config: bus entry %q: want name:kind:channel:bitrate", entry)
		}
		bitrate, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("config: bus entry %q: bad bitrate: %w", entry, err)
		}
		cfg := models.BusLinkConfig{
			Name:    fields[0],
			Kind:    models.InterfaceKind(fields[1]),
			Channel: fields[2],
			Bitrate: bitrate,
		}
		if len(fields) > 4 {
			for _, flag := range strings.Split(fields[4], ",") {
				switch strings.TrimSpace(flag) {
				case "listen_only":
					cfg.ListenOnly = true
				case "receive_own":
					cfg.ReceiveOwn = true
				case "":
				default:
					return nil, fmt.Errorf("config: bus entry %q: unknown flag %q", entry, flag)
				}
			}
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		buses = append(buses, cfg)
	}
	return buses, nil
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// LoadGatewayConfig reads the persisted gateway rule set. A missing file
// yields an empty, disabled config rather than an error.
func LoadGatewayConfig(path string) (*models.GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &models.GatewayConfig{}, nil
		}
		return nil, fmt.Errorf("config: read gateway config %s: %w", path, err)
	}
	var cfg models.GatewayConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse gateway config %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveGatewayConfig writes the gateway rule set, preserving rule order.
func SaveGatewayConfig(path string, cfg *models.GatewayConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode gateway config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write gateway config %s: %w", path, err)
	}
	return nil
}
