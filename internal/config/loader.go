package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv(cfg *Config) error {
	// CDP
	if err := envInt("CDP_PORT", &cfg.CDP.Port); err != nil {
		return err
	}

	if v := os.Getenv("CDP_TARGET_URL"); v != "" {
		cfg.CDP.TargetURL = v
	}

	if err := envDuration("CDP_CONNECT_TIMEOUT", &cfg.CDP.ConnectTimeout); err != nil {
		return err
	}

	if err := envDuration("CDP_CALL_TIMEOUT", &cfg.CDP.CallTimeout); err != nil {
		return err
	}

	// Collection
	if err := envDuration("POLL_INTERVAL", &cfg.Collection.PollInterval); err != nil {
		return err
	}

	if v := os.Getenv("DEVICE_ID"); v != "" {
		cfg.Collection.DeviceID = v
	}

	if err := envInt("CACHE_SIZE", &cfg.Collection.CacheSize); err != nil {
		return err
	}

	// Storage
	envBool("STORAGE_ENABLED", &cfg.Storage.Enabled)

	if v := os.Getenv("STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}

	// ADB
	if v := os.Getenv("ADB_PATH"); v != "" {
		cfg.ADB.Path = v
	}

	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	envBool("LOG_TELEMETRY", &cfg.Logging.EmitTelemetry)

	// Elasticsearch
	envBool("ES_ENABLED", &cfg.Elasticsearch.Enabled)

	if v := os.Getenv("ES_ENDPOINT"); v != "" {
		cfg.Elasticsearch.Addresses = ParseList(v)
	}

	if v := os.Getenv("ES_INDEX_PATTERN"); v != "" {
		cfg.Elasticsearch.IndexPattern = v
	}

	if v := os.Getenv("ES_USERNAME"); v != "" {
		cfg.Elasticsearch.Username = v
	}

	if v := os.Getenv("ES_PASSWORD"); v != "" {
		cfg.Elasticsearch.Password = v
	}

	if v := os.Getenv("ES_API_KEY"); v != "" {
		cfg.Elasticsearch.APIKey = v
	}

	if err := envInt("ES_BULK_SIZE", &cfg.Elasticsearch.BulkSize); err != nil {
		return err
	}

	if err := envDuration("ES_FLUSH_INTERVAL", &cfg.Elasticsearch.FlushInterval); err != nil {
		return err
	}

	envBool("ES_TLS_SKIP_VERIFY", &cfg.Elasticsearch.TLSSkipVerify)

	// SNMP
	envBool("SNMP_ENABLED", &cfg.SNMP.Enabled)

	if err := envInt("SNMP_PORT", &cfg.SNMP.Port); err != nil {
		return err
	}

	if v := os.Getenv("SNMP_COMMUNITY"); v != "" {
		cfg.SNMP.Community = v
	}

	if v := os.Getenv("SNMP_LISTEN_ADDRESS"); v != "" {
		cfg.SNMP.ListenAddress = v
	}

	if v := os.Getenv("SNMP_TRAP_DESTINATIONS"); v != "" {
		dests, err := ParseHostPortList(v, 162)
		if err != nil {
			return fmt.Errorf("invalid SNMP_TRAP_DESTINATIONS: %w", err)
		}
		cfg.SNMP.TrapDestinations = dests
	}

	// Prometheus
	envBool("PROM_ENABLED", &cfg.Prometheus.Enabled)

	if err := envInt("PROM_PORT", &cfg.Prometheus.Port); err != nil {
		return err
	}

	if v := os.Getenv("PROM_PATH"); v != "" {
		cfg.Prometheus.Path = v
	}

	if v := os.Getenv("PROM_LISTEN_ADDRESS"); v != "" {
		cfg.Prometheus.ListenAddress = v
	}

	// WebSocket
	envBool("WS_ENABLED", &cfg.WebSocket.Enabled)

	if err := envInt("WS_PORT", &cfg.WebSocket.Port); err != nil {
		return err
	}

	if v := os.Getenv("WS_PATH"); v != "" {
		cfg.WebSocket.Path = v
	}

	if v := os.Getenv("WS_LISTEN_ADDRESS"); v != "" {
		cfg.WebSocket.ListenAddress = v
	}

	// Advanced
	envBool("HEALTH_CHECK_ENABLED", &cfg.Advanced.HealthCheckEnabled)

	if err := envInt("HEALTH_CHECK_PORT", &cfg.Advanced.HealthCheckPort); err != nil {
		return err
	}

	if v := os.Getenv("HEALTH_CHECK_LISTEN_ADDRESS"); v != "" {
		cfg.Advanced.HealthCheckListenAddress = v
	}

	if err := envDuration("SHUTDOWN_TIMEOUT", &cfg.Advanced.ShutdownTimeout); err != nil {
		return err
	}

	return nil
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if n > 0 {
		*dst = n
	}
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

// ParseList splits a comma-separated list, dropping empty entries
func ParseList(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseHostPortList parses a comma-separated list of host[:port] entries,
// filling in defaultPort where none is given
func ParseHostPortList(s string, defaultPort int) ([]string, error) {
	entries := ParseList(s)
	out := make([]string, 0, len(entries))

	for _, entry := range entries {
		host, port, err := net.SplitHostPort(entry)
		if err != nil {
			// No port given
			host, port = entry, strconv.Itoa(defaultPort)
		}
		if host == "" {
			return nil, fmt.Errorf("missing host in %q", entry)
		}
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("invalid port in %q", entry)
		}
		out = append(out, net.JoinHostPort(host, port))
	}

	return out, nil
}
