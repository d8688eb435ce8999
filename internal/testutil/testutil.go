// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"testing"
	"time"

	"derpme/internal/config"
	"derpme/internal/logging"
)

// RedisAddr returns the Redis server used by tests, from
// DERPME_TEST_REDIS_ADDR or localhost:6379, and skips the test when nothing
// answers there.
func RedisAddr(t testing.TB) string {
	t.Helper()

	addr := os.Getenv("DERPME_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err != nil {
		t.Skipf("Redis not reachable at %s: %v", addr, err)
	}
	conn.Close()
	return addr
}

// FreePort returns a TCP port that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

// TestConfig returns a valid configuration that needs no external services:
// an HTTP broker on a free local port, a memory volatile tier and a badger
// persistent tier in a temporary directory.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Broker.Kind = config.BrokerHTTP
	cfg.Broker.Host = "127.0.0.1"
	cfg.Broker.Port = FreePort(t)
	cfg.Storage.Volatile.Driver = config.DriverMemory
	cfg.Storage.Persistent.Enabled = true
	cfg.Storage.Persistent.Driver = config.DriverBadger
	cfg.Storage.Persistent.DataPath = t.TempDir()
	cfg.Server.HealthPort = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Logging = logging.TestLoggingConfig()
	return cfg
}

// TestLogger creates a test logger with minimal configuration
func TestLogger() *logging.Logger {
	testLogConfig := logging.TestLoggingConfig()
	return logging.NewLogger(&testLogConfig)
}

// WaitForCondition waits for a condition to become true with timeout
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, checkInterval time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(checkInterval)
	}

	t.Fatalf("Condition not met within timeout %v", timeout)
}

// ConcurrentTest runs testFunc on concurrency goroutines and fails the test
// if any of them panics.
func ConcurrentTest(t *testing.T, concurrency int, testFunc func(int)) {
	t.Helper()

	done := make(chan bool, concurrency)
	errors := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		go func(index int) {
			defer func() {
				if r := recover(); r != nil {
					errors <- fmt.Errorf("goroutine %d panicked: %v", index, r)
				}
				done <- true
			}()

			testFunc(index)
		}(i)
	}

	for i := 0; i < concurrency; i++ {
		<-done
	}

	select {
	case err := <-errors:
		t.Fatalf("Concurrent test failed: %v", err)
	default:
	}
}

// TestDataGenerator generates reproducible keys and values.
type TestDataGenerator struct {
	rand *rand.Rand
}

func NewTestDataGenerator(seed int64) *TestDataGenerator {
	return &TestDataGenerator{
		rand: rand.New(rand.NewSource(seed)),
	}
}

// GenerateKeys generates n distinct keys with the given prefix.
func (tdg *TestDataGenerator) GenerateKeys(prefix string, n int) []string {
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = fmt.Sprintf("%s-%d-%s", prefix, i, tdg.randomString(8))
	}
	return keys
}

// GenerateValues generates n values of the given length.
func (tdg *TestDataGenerator) GenerateValues(n, length int) []string {
	vals := make([]string, n)
	for i := range vals {
		vals[i] = tdg.randomString(length)
	}
	return vals
}

func (tdg *TestDataGenerator) randomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	result := make([]byte, length)
	for i := range result {
		result[i] = charset[tdg.rand.Intn(len(charset))]
	}
	return string(result)
}
