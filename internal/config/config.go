package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	CDP           CDPConfig           `yaml:"cdp"`
	Collection    CollectionConfig    `yaml:"collection"`
	Storage       StorageConfig       `yaml:"storage"`
	ADB           ADBConfig           `yaml:"adb"`
	Logging       LoggingConfig       `yaml:"logging"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	SNMP          SNMPConfig          `yaml:"snmp"`
	Prometheus    PrometheusConfig    `yaml:"prometheus"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	Advanced      AdvancedConfig      `yaml:"advanced"`
}

// CDPConfig contains DevTools connection settings
type CDPConfig struct {
	// Port is the local DevTools port, usually an adb forward
	Port int `yaml:"port"`

	// TargetURL is a websocket debugger URL. When set it is used as is
	// instead of picking the first page from the target directory.
	TargetURL string `yaml:"target_url"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	BusCapacity    int           `yaml:"bus_capacity"`
}

// CollectionConfig contains metrics engine settings
type CollectionConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	DeviceID     string        `yaml:"device_id"`
	CacheSize    int           `yaml:"cache_size"`
}

// StorageConfig contains SQLite settings
type StorageConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// ADBConfig contains Android Debug Bridge settings
type ADBConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// EmitTelemetry writes every telemetry event to stdout
	EmitTelemetry bool `yaml:"emit_telemetry"`
}

// ElasticsearchConfig contains Elasticsearch output settings
type ElasticsearchConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addresses     []string      `yaml:"addresses"`
	IndexPattern  string        `yaml:"index_pattern"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	APIKey        string        `yaml:"api_key"`
	BulkSize      int           `yaml:"bulk_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify"`
}

// SNMPConfig contains SNMP agent settings
type SNMPConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Port          int    `yaml:"port"`
	Community     string `yaml:"community"`
	ListenAddress string `yaml:"listen_address"`
	EnterpriseOID string `yaml:"enterprise_oid"`

	// RecentRequests is how many completed requests the agent keeps in its table
	RecentRequests int `yaml:"recent_requests"`

	// TrapDestinations are host:port pairs receiving failure traps
	TrapDestinations []string `yaml:"trap_destinations"`
}

// PrometheusConfig contains Prometheus exporter settings
type PrometheusConfig struct {
	Enabled          bool      `yaml:"enabled"`
	Port             int       `yaml:"port"`
	Path             string    `yaml:"path"`
	ListenAddress    string    `yaml:"listen_address"`
	IncludeGoMetrics bool      `yaml:"include_go_metrics"`
	DurationBuckets  []float64 `yaml:"duration_buckets"`
}

// WebSocketConfig contains live feed settings
type WebSocketConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Port          int    `yaml:"port"`
	Path          string `yaml:"path"`
	ListenAddress string `yaml:"listen_address"`
	SendBuffer    int    `yaml:"send_buffer"`
}

// AdvancedConfig contains health check and shutdown settings
type AdvancedConfig struct {
	HealthCheckEnabled       bool          `yaml:"health_check_enabled"`
	HealthCheckPort          int           `yaml:"health_check_port"`
	HealthCheckPath          string        `yaml:"health_check_path"`
	HealthCheckListenAddress string        `yaml:"health_check_listen_address"`
	ShutdownTimeout          time.Duration `yaml:"shutdown_timeout"`
}

// Load loads configuration from defaults, an optional YAML file and
// environment variables, in that order of precedence
func Load(configFile string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	if configFile != "" {
		if err := loadFromYAML(configFile, cfg); err != nil {
			return nil, err
		}
	}

	// Override with environment variables
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFromYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate checks value ranges that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	if err := validPort("cdp.port", c.CDP.Port); err != nil {
		return err
	}
	if c.CDP.ConnectTimeout <= 0 {
		return fmt.Errorf("cdp.connect_timeout must be positive")
	}
	if c.CDP.CallTimeout <= 0 {
		return fmt.Errorf("cdp.call_timeout must be positive")
	}
	if c.CDP.BusCapacity <= 0 {
		return fmt.Errorf("cdp.bus_capacity must be positive")
	}
	if c.Collection.PollInterval <= 0 {
		return fmt.Errorf("collection.poll_interval must be positive")
	}
	if c.Storage.Enabled && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required when storage is enabled")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	if c.Elasticsearch.Enabled && len(c.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("elasticsearch.addresses is required when elasticsearch is enabled")
	}
	if c.Prometheus.Enabled {
		if err := validPort("prometheus.port", c.Prometheus.Port); err != nil {
			return err
		}
	}
	if c.SNMP.Enabled {
		// The agent serves its HTTP API on port+1
		if err := validPort("snmp.port", c.SNMP.Port+1); err != nil {
			return err
		}
	}
	if c.WebSocket.Enabled {
		if err := validPort("websocket.port", c.WebSocket.Port); err != nil {
			return err
		}
	}
	if c.Advanced.HealthCheckEnabled {
		if err := validPort("advanced.health_check_port", c.Advanced.HealthCheckPort); err != nil {
			return err
		}
	}
	return nil
}

func validPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s out of range: %d", name, port)
	}
	return nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		CDP: CDPConfig{
			Port:           9222,
			ConnectTimeout: 10 * time.Second,
			CallTimeout:    5 * time.Second,
			BusCapacity:    1000,
		},
		Collection: CollectionConfig{
			PollInterval: 1 * time.Second,
			DeviceID:     "local",
			CacheSize:    100,
		},
		Storage: StorageConfig{
			Enabled:  true,
			Path:     "webview-telemetry.db",
			PoolSize: 4,
		},
		ADB: ADBConfig{
			Path: "adb",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:       false,
			IndexPattern:  "webview-telemetry-%{+yyyy.MM.dd}",
			BulkSize:      50,
			FlushInterval: 10 * time.Second,
			MaxRetries:    3,
		},
		SNMP: SNMPConfig{
			Enabled:        false,
			Port:           1161,
			Community:      "public",
			ListenAddress:  "0.0.0.0",
			EnterpriseOID:  ".1.3.6.1.4.1.99999",
			RecentRequests: 100,
		},
		Prometheus: PrometheusConfig{
			Enabled:          true,
			Port:             9090,
			Path:             "/metrics",
			ListenAddress:    "0.0.0.0",
			IncludeGoMetrics: true,
			DurationBuckets:  []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		WebSocket: WebSocketConfig{
			Enabled:       false,
			Port:          9091,
			Path:          "/telemetry",
			ListenAddress: "127.0.0.1",
			SendBuffer:    256,
		},
		Advanced: AdvancedConfig{
			HealthCheckEnabled:       true,
			HealthCheckPort:          8080,
			HealthCheckPath:          "/health",
			HealthCheckListenAddress: "0.0.0.0",
			ShutdownTimeout:          30 * time.Second,
		},
	}
}
