package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Namespace != "device" {
		t.Errorf("Expected default namespace to be device, got %s", config.Namespace)
	}

	if config.ListSize != 10 {
		t.Errorf("Expected default list size to be 10, got %d", config.ListSize)
	}

	if config.Broker.Kind != BrokerRedis {
		t.Errorf("Expected default broker kind to be redis, got %s", config.Broker.Kind)
	}

	if config.Broker.EffectivePort() != 6379 {
		t.Errorf("Expected default broker port to be 6379, got %d", config.Broker.EffectivePort())
	}

	if err := config.Validate(); err != nil {
		t.Errorf("Expected default config to be valid, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "test-config.yaml")

	configContent := `
namespace: "lab"
list_size: 25

broker:
  kind: "GRPC"
  host: "0.0.0.0"

storage:
  volatile:
    driver: "memory"
  persistent:
    enabled: true
    driver: "badger"
    data_path: "/tmp/derpme-test"

logging:
  level: "debug"
  format: "text"
`

	err := os.WriteFile(configFile, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	config, err := Load(configFile)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Namespace != "lab" {
		t.Errorf("Expected namespace to be lab, got %s", config.Namespace)
	}

	if config.ListSize != 25 {
		t.Errorf("Expected list size to be 25, got %d", config.ListSize)
	}

	if config.Broker.Kind != BrokerGRPC {
		t.Errorf("Expected broker kind to be grpc, got %s", config.Broker.Kind)
	}

	if config.Broker.Port != 9090 {
		t.Errorf("Expected grpc default port 9090, got %d", config.Broker.Port)
	}

	if config.Storage.Volatile.Driver != DriverMemory {
		t.Errorf("Expected volatile driver to be memory, got %s", config.Storage.Volatile.Driver)
	}

	if config.Storage.Persistent.DataPath != "/tmp/derpme-test" {
		t.Errorf("Expected data path to be /tmp/derpme-test, got %s", config.Storage.Persistent.DataPath)
	}

	if config.Logging.Level != "debug" {
		t.Errorf("Expected log level to be debug, got %s", config.Logging.Level)
	}
}

func TestLoadFromFile_UnsupportedFormat(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(configFile, []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Expected error for unsupported config format")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DERPME_BROKER_TYPE", "AMQP")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "invalid broker kind") {
		t.Errorf("Expected invalid broker kind error, got %v", err)
	}

	t.Setenv("DERPME_BROKER_TYPE", "Http")
	t.Setenv("DERPME_BROKER_HOST", "broker.local")
	t.Setenv("DERPME_NAMESPACE", "robot")
	t.Setenv("DERPME_LIST_SIZE", "3")
	t.Setenv("DERPME_VOLATILE_DRIVER", "memory")
	t.Setenv("DERPME_PERSISTENT_DB", "7")
	t.Setenv("DERPME_LOG_LEVEL", "error")

	config, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Broker.Kind != BrokerHTTP {
		t.Errorf("Expected broker kind to be http, got %s", config.Broker.Kind)
	}

	if config.Broker.Port != 8080 {
		t.Errorf("Expected http default port 8080, got %d", config.Broker.Port)
	}

	if config.Broker.Host != "broker.local" {
		t.Errorf("Expected broker host to be broker.local, got %s", config.Broker.Host)
	}

	if config.Namespace != "robot" {
		t.Errorf("Expected namespace to be robot, got %s", config.Namespace)
	}

	if config.ListSize != 3 {
		t.Errorf("Expected list size to be 3, got %d", config.ListSize)
	}

	if config.Storage.Volatile.Driver != DriverMemory {
		t.Errorf("Expected volatile driver to be memory, got %s", config.Storage.Volatile.Driver)
	}

	if config.Storage.Persistent.DB != 7 {
		t.Errorf("Expected persistent db to be 7, got %d", config.Storage.Persistent.DB)
	}

	if config.Logging.Level != "error" {
		t.Errorf("Expected log level to be error, got %s", config.Logging.Level)
	}
}

func TestLoadFromEnvironment_InvalidNumber(t *testing.T) {
	t.Setenv("DERPME_BROKER_PORT", "not-a-port")

	if _, err := Load(""); err == nil {
		t.Error("Expected error for non-numeric broker port")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		configFunc  func() *Config
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			configFunc: func() *Config {
				return DefaultConfig()
			},
			expectError: false,
		},
		{
			name: "empty namespace",
			configFunc: func() *Config {
				config := DefaultConfig()
				config.Namespace = ""
				return config
			},
			expectError: true,
			errorMsg:    "namespace cannot be empty",
		},
		{
			name: "zero list size",
			configFunc: func() *Config {
				config := DefaultConfig()
				config.ListSize = 0
				return config
			},
			expectError: true,
			errorMsg:    "list size must be at least 1",
		},
		{
			name: "unknown broker",
			configFunc: func() *Config {
				config := DefaultConfig()
				config.Broker.Kind = "mqtt"
				return config
			},
			expectError: true,
			errorMsg:    "invalid broker kind",
		},
		{
			name: "unknown volatile driver",
			configFunc: func() *Config {
				config := DefaultConfig()
				config.Storage.Volatile.Driver = "sqlite"
				return config
			},
			expectError: true,
			errorMsg:    "invalid volatile storage driver",
		},
		{
			name: "memory persistent driver",
			configFunc: func() *Config {
				config := DefaultConfig()
				config.Storage.Persistent.Driver = DriverMemory
				return config
			},
			expectError: true,
			errorMsg:    "invalid persistent storage driver",
		},
		{
			name: "disabled persistent tier skips driver check",
			configFunc: func() *Config {
				config := DefaultConfig()
				config.Storage.Persistent.Enabled = false
				config.Storage.Persistent.Driver = DriverMemory
				return config
			},
			expectError: false,
		},
		{
			name: "badger without data path",
			configFunc: func() *Config {
				config := DefaultConfig()
				config.Storage.Persistent.Driver = DriverBadger
				config.Storage.Persistent.DataPath = ""
				return config
			},
			expectError: true,
			errorMsg:    "data path cannot be empty",
		},
		{
			name: "tiers share a redis database",
			configFunc: func() *Config {
				config := DefaultConfig()
				config.Storage.Persistent.DB = config.Storage.Volatile.DB
				return config
			},
			expectError: true,
			errorMsg:    "share redis database",
		},
		{
			name: "broker shares a redis database",
			configFunc: func() *Config {
				config := DefaultConfig()
				config.Storage.Volatile.DB = config.Broker.DB
				return config
			},
			expectError: true,
			errorMsg:    "share redis database",
		},
		{
			name: "invalid log level",
			configFunc: func() *Config {
				config := DefaultConfig()
				config.Logging.Level = "invalid"
				return config
			},
			expectError: true,
			errorMsg:    "invalid log level",
		},
		{
			name: "non-positive request timeout",
			configFunc: func() *Config {
				config := DefaultConfig()
				config.Broker.RequestTimeout = 0
				return config
			},
			expectError: true,
			errorMsg:    "request timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.configFunc()
			err := config.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected validation error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no validation error but got: %v", err)
				}
			}
		})
	}
}

func TestOperationName(t *testing.T) {
	config := DefaultConfig()

	if got := config.OperationName("lget"); got != "device.derpme.lget" {
		t.Errorf("OperationName() = %s, want device.derpme.lget", got)
	}
}

func TestBrokerAddr(t *testing.T) {
	broker := BrokerConfig{Kind: BrokerGRPC, Host: "10.0.0.1"}
	if got := broker.Addr(); got != "10.0.0.1:9090" {
		t.Errorf("Addr() = %s, want 10.0.0.1:9090", got)
	}

	broker.Port = 7000
	if got := broker.Addr(); got != "10.0.0.1:7000" {
		t.Errorf("Addr() = %s, want 10.0.0.1:7000", got)
	}
}

func TestConfigString(t *testing.T) {
	config := DefaultConfig()
	config.Broker.RequestTimeout = 5 * time.Second
	configStr := config.String()

	if configStr == "" {
		t.Error("Config string should not be empty")
	}

	if !strings.Contains(configStr, "broker:") {
		t.Error("Config string should contain broker section")
	}

	if !strings.Contains(configStr, "storage:") {
		t.Error("Config string should contain storage section")
	}
}
