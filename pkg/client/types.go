package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"derpme/internal/rpc"
)

var (
	ErrClosed      = errors.New("client is closed")
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// Transport errors, matched with errors.Is.
	ErrTimeout          = rpc.ErrTimeout
	ErrUnknownOperation = rpc.ErrUnknownOperation
)

// Caller sends one request payload to a named operation and returns the raw
// JSON reply. The redis, grpc and http callers built by Dial implement it.
type Caller interface {
	Call(ctx context.Context, name string, payload []byte) ([]byte, error)
	Close() error
}

// RemoteError is a failure reply from the service: the request reached the
// engine and was rejected. It is never retried.
type RemoteError struct {
	Operation string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Message)
}

// Config holds client configuration
type Config struct {
	// Namespace prefixes every operation name: <namespace>.derpme.<op>.
	Namespace string

	RequestTimeout time.Duration

	// Retry settings
	MaxRetries   int
	RetryDelay   time.Duration
	RetryBackoff float64
	MaxDelay     time.Duration

	// Circuit breaker settings. A zero FailureThreshold disables the breaker.
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int

	// Logger receives retry and circuit breaker events. Nil discards them.
	Logger *slog.Logger
}

// DefaultConfig returns a default client configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace:           "device",
		RequestTimeout:      10 * time.Second,
		MaxRetries:          3,
		RetryDelay:          100 * time.Millisecond,
		RetryBackoff:        2.0,
		MaxDelay:            2 * time.Second,
		FailureThreshold:    5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}
