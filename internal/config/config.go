package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Broker kinds accepted in BrokerConfig.Kind.
const (
	BrokerRedis = "redis"
	BrokerGRPC  = "grpc"
	BrokerHTTP  = "http"
)

// Storage drivers accepted in TierConfig.Driver.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverBadger = "badger"
)

type Config struct {
	Namespace string        `yaml:"namespace" json:"namespace"`
	ListSize  int           `yaml:"list_size" json:"list_size"`
	Broker    BrokerConfig  `yaml:"broker" json:"broker"`
	Storage   StorageConfig `yaml:"storage" json:"storage"`
	Server    ServerConfig  `yaml:"server" json:"server"`
	Logging   LoggingConfig `yaml:"logging" json:"logging"`
	Tracing   TracingConfig `yaml:"tracing" json:"tracing"`
}

// BrokerConfig selects the transport the seven operations are served on.
type BrokerConfig struct {
	Kind           string        `yaml:"kind" json:"kind"`
	Host           string        `yaml:"host" json:"host"`
	Port           int           `yaml:"port" json:"port"`
	Username       string        `yaml:"username" json:"username"`
	Password       string        `yaml:"password" json:"password"`
	DB             int           `yaml:"db" json:"db"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	ReplyTTL       time.Duration `yaml:"reply_ttl" json:"reply_ttl"`
}

// EffectivePort returns Port, or the default port of Kind when Port is unset.
func (b BrokerConfig) EffectivePort() int {
	if b.Port == 0 {
		return DefaultBrokerPort(b.Kind)
	}
	return b.Port
}

// Addr returns host:port of the broker.
func (b BrokerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.EffectivePort())
}

type StorageConfig struct {
	Volatile   TierConfig `yaml:"volatile" json:"volatile"`
	Persistent TierConfig `yaml:"persistent" json:"persistent"`
}

// TierConfig holds the connection parameters of one storage tier.
// Enabled is only consulted for the persistent tier; the volatile tier always exists.
type TierConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Driver     string `yaml:"driver" json:"driver"`
	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port" json:"port"`
	DB         int    `yaml:"db" json:"db"`
	Password   string `yaml:"password" json:"password"`
	DataPath   string `yaml:"data_path" json:"data_path"`
	SyncWrites bool   `yaml:"sync_writes" json:"sync_writes"`
}

// Addr returns host:port for network drivers.
func (t TierConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

type ServerConfig struct {
	HealthPort      int           `yaml:"health_port" json:"health_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

type TracingConfig struct {
	Enabled        bool              `yaml:"enabled" json:"enabled"`
	ServiceName    string            `yaml:"service_name" json:"service_name"`
	ServiceVersion string            `yaml:"service_version" json:"service_version"`
	Environment    string            `yaml:"environment" json:"environment"`
	ExporterType   string            `yaml:"exporter_type" json:"exporter_type"`
	OTLPEndpoint   string            `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPHeaders    map[string]string `yaml:"otlp_headers" json:"otlp_headers"`
	SamplingRatio  float64           `yaml:"sampling_ratio" json:"sampling_ratio"`
}

func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadFromEnvironment(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if config.Broker.Port == 0 {
		config.Broker.Port = DefaultBrokerPort(config.Broker.Kind)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Namespace: "device",
		ListSize:  10,
		Broker: BrokerConfig{
			Kind:           BrokerRedis,
			Host:           "localhost",
			DB:             0,
			RequestTimeout: 30 * time.Second,
			ReplyTTL:       60 * time.Second,
		},
		Storage: StorageConfig{
			Volatile: TierConfig{
				Enabled: true,
				Driver:  DriverRedis,
				Host:    "localhost",
				Port:    6379,
				DB:      1,
			},
			Persistent: TierConfig{
				Enabled:  true,
				Driver:   DriverRedis,
				Host:     "localhost",
				Port:     6379,
				DB:       2,
				DataPath: "./data/persistent",
			},
		},
		Server: ServerConfig{
			HealthPort:      8081,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "derpme",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			ExporterType:   "console",
			OTLPEndpoint:   "localhost:4318",
			OTLPHeaders:    make(map[string]string),
			SamplingRatio:  1.0,
		},
	}
}

// DefaultBrokerPort returns the conventional port of a broker kind, or 0 for
// unknown kinds.
func DefaultBrokerPort(kind string) int {
	switch kind {
	case BrokerRedis:
		return 6379
	case BrokerGRPC:
		return 9090
	case BrokerHTTP:
		return 8080
	default:
		return 0
	}
}

// NormalizeBrokerKind maps the spellings accepted by DERPME_BROKER_TYPE
// ("REDIS", "Redis", ...) onto the canonical lower-case kind.
func NormalizeBrokerKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	config.Broker.Kind = NormalizeBrokerKind(config.Broker.Kind)
	return nil
}

func loadFromEnvironment(config *Config) error {
	if ns := os.Getenv("DERPME_NAMESPACE"); ns != "" {
		config.Namespace = ns
	}
	if size := os.Getenv("DERPME_LIST_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return fmt.Errorf("invalid DERPME_LIST_SIZE %q: %w", size, err)
		}
		config.ListSize = n
	}

	// Broker configuration
	if kind := os.Getenv("DERPME_BROKER_TYPE"); kind != "" {
		config.Broker.Kind = NormalizeBrokerKind(kind)
	}
	if host := os.Getenv("DERPME_BROKER_HOST"); host != "" {
		config.Broker.Host = host
	}
	if port := os.Getenv("DERPME_BROKER_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid DERPME_BROKER_PORT %q: %w", port, err)
		}
		config.Broker.Port = p
	}
	if username := os.Getenv("DERPME_BROKER_USERNAME"); username != "" {
		config.Broker.Username = username
	}
	if password := os.Getenv("DERPME_BROKER_PASSWORD"); password != "" {
		config.Broker.Password = password
	}

	// Storage tiers
	if err := loadTierFromEnvironment(&config.Storage.Volatile, "DERPME_VOLATILE_"); err != nil {
		return err
	}
	if err := loadTierFromEnvironment(&config.Storage.Persistent, "DERPME_PERSISTENT_"); err != nil {
		return err
	}

	// Logging configuration
	if level := os.Getenv("DERPME_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("DERPME_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	// Tracing configuration
	if enabled := os.Getenv("DERPME_TRACING_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Tracing.Enabled = b
		}
	}
	if exporter := os.Getenv("DERPME_TRACING_EXPORTER"); exporter != "" {
		config.Tracing.ExporterType = exporter
	}
	if endpoint := os.Getenv("DERPME_TRACING_OTLP_ENDPOINT"); endpoint != "" {
		config.Tracing.OTLPEndpoint = endpoint
	}

	return nil
}

func loadTierFromEnvironment(tier *TierConfig, prefix string) error {
	if enabled := os.Getenv(prefix + "ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid %sENABLED %q: %w", prefix, enabled, err)
		}
		tier.Enabled = b
	}
	if driver := os.Getenv(prefix + "DRIVER"); driver != "" {
		tier.Driver = strings.ToLower(driver)
	}
	if host := os.Getenv(prefix + "HOST"); host != "" {
		tier.Host = host
	}
	if port := os.Getenv(prefix + "PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid %sPORT %q: %w", prefix, port, err)
		}
		tier.Port = p
	}
	if db := os.Getenv(prefix + "DB"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return fmt.Errorf("invalid %sDB %q: %w", prefix, db, err)
		}
		tier.DB = n
	}
	if password := os.Getenv(prefix + "PASSWORD"); password != "" {
		tier.Password = password
	}
	if dataPath := os.Getenv(prefix + "DATA_PATH"); dataPath != "" {
		tier.DataPath = dataPath
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}
	if c.ListSize < 1 {
		return fmt.Errorf("list size must be at least 1, got %d", c.ListSize)
	}

	// Broker validation
	switch c.Broker.Kind {
	case BrokerRedis, BrokerGRPC, BrokerHTTP:
	default:
		return fmt.Errorf("invalid broker kind: %q", c.Broker.Kind)
	}
	if c.Broker.Port < 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("invalid broker port: %d", c.Broker.Port)
	}
	if c.Broker.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.Broker.Kind == BrokerRedis && c.Broker.ReplyTTL <= 0 {
		return fmt.Errorf("reply TTL must be positive")
	}

	// Storage validation
	switch c.Storage.Volatile.Driver {
	case DriverMemory, DriverBadger:
	case DriverRedis:
		if err := validateRedisTier("volatile", c.Storage.Volatile); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid volatile storage driver: %q", c.Storage.Volatile.Driver)
	}

	if c.Storage.Persistent.Enabled {
		switch c.Storage.Persistent.Driver {
		case DriverRedis:
			if err := validateRedisTier("persistent", c.Storage.Persistent); err != nil {
				return err
			}
		case DriverBadger:
			if c.Storage.Persistent.DataPath == "" {
				return fmt.Errorf("data path cannot be empty for the badger persistent tier")
			}
		default:
			return fmt.Errorf("invalid persistent storage driver: %q", c.Storage.Persistent.Driver)
		}
	}

	if err := c.validateRedisDatabases(); err != nil {
		return err
	}

	// Server validation
	if c.Broker.Kind != BrokerHTTP && c.Server.HealthPort != 0 {
		if c.Server.HealthPort < 0 || c.Server.HealthPort > 65535 {
			return fmt.Errorf("invalid health port: %d", c.Server.HealthPort)
		}
		if c.Broker.Kind == BrokerGRPC && c.Server.HealthPort == c.Broker.EffectivePort() {
			return fmt.Errorf("health port conflicts with broker port: %d", c.Server.HealthPort)
		}
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

func validateRedisTier(name string, t TierConfig) error {
	if t.Host == "" {
		return fmt.Errorf("%s redis host cannot be empty", name)
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("invalid %s redis port: %d", name, t.Port)
	}
	if t.DB < 0 {
		return fmt.Errorf("invalid %s redis db index: %d", name, t.DB)
	}
	return nil
}

// validateRedisDatabases rejects two redis users (tiers or the broker) that
// would share one database: a flush of one tier would wipe the other.
func (c *Config) validateRedisDatabases() error {
	seen := make(map[string]string)
	check := func(name, host string, port, db int) error {
		id := fmt.Sprintf("%s:%d/%d", host, port, db)
		if other, ok := seen[id]; ok {
			return fmt.Errorf("%s and %s share redis database %s", other, name, id)
		}
		seen[id] = name
		return nil
	}

	if c.Broker.Kind == BrokerRedis {
		if err := check("broker", c.Broker.Host, c.Broker.EffectivePort(), c.Broker.DB); err != nil {
			return err
		}
	}
	if v := c.Storage.Volatile; v.Driver == DriverRedis {
		if err := check("volatile tier", v.Host, v.Port, v.DB); err != nil {
			return err
		}
	}
	if p := c.Storage.Persistent; p.Enabled && p.Driver == DriverRedis {
		if err := check("persistent tier", p.Host, p.Port, p.DB); err != nil {
			return err
		}
	}
	return nil
}

// OperationName composes the externally visible name of an operation.
func (c *Config) OperationName(op string) string {
	return fmt.Sprintf("%s.derpme.%s", c.Namespace, op)
}

func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
