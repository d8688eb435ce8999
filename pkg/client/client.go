// Package client is a typed derpme client. It works over any Caller,
// so the same client talks to the Redis, gRPC and HTTP transports.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"derpme/internal/engine"
	"derpme/internal/rpc"
)

type Client struct {
	caller  Caller
	config  *Config
	logger  *slog.Logger
	breaker *CircuitBreaker

	mu     sync.RWMutex
	closed bool
}

// NewClient wraps caller. The client owns the caller and closes it on Close.
func NewClient(caller Caller, config *Config) (*Client, error) {
	if caller == nil {
		return nil, errors.New("a caller is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Namespace == "" {
		return nil, errors.New("namespace cannot be empty")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		caller: caller,
		config: config,
		logger: logger,
	}
	if config.FailureThreshold > 0 {
		c.breaker = NewCircuitBreaker(config, logger)
	}
	return c, nil
}

// OperationName returns the full name of op in the client's namespace.
func (c *Client) OperationName(op string) string {
	return fmt.Sprintf("%s.derpme.%s", c.config.Namespace, op)
}

// Get returns nil when the key does not exist.
func (c *Client) Get(ctx context.Context, key string, persistent bool) (*string, error) {
	var resp engine.GetResponse
	err := c.do(ctx, engine.OpGet, map[string]any{
		"key":        key,
		"persistent": persistent,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Val, nil
}

// Set stores val. Non-string values are stored as their JSON text.
func (c *Client) Set(ctx context.Context, key string, val any, persistent bool) error {
	return c.do(ctx, engine.OpSet, map[string]any{
		"key":        key,
		"val":        val,
		"persistent": persistent,
	}, nil)
}

// MGet returns one value per key in order, nil for missing keys.
func (c *Client) MGet(ctx context.Context, keys []string, persistent bool) ([]*string, error) {
	var resp engine.MGetResponse
	err := c.do(ctx, engine.OpMGet, map[string]any{
		"keys":       keys,
		"persistent": persistent,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Vals, nil
}

func (c *Client) MSet(ctx context.Context, keys []string, vals []any, persistent bool) error {
	return c.do(ctx, engine.OpMSet, map[string]any{
		"keys":       keys,
		"vals":       vals,
		"persistent": persistent,
	}, nil)
}

// LGet reads a window of the list, newest first. from=0 starts at the
// newest element; to=-1 ends at the oldest, to=-2 at the one after it.
func (c *Client) LGet(ctx context.Context, key string, from, to int64, persistent bool) ([]any, error) {
	var resp engine.LGetResponse
	err := c.do(ctx, engine.OpLGet, map[string]any{
		"key":        key,
		"l_from":     from,
		"l_to":       to,
		"persistent": persistent,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Val, nil
}

// LSet pushes vals to the list in order, so the last one becomes newest.
func (c *Client) LSet(ctx context.Context, key string, vals []any, persistent bool) error {
	return c.do(ctx, engine.OpLSet, map[string]any{
		"key":        key,
		"vals":       vals,
		"persistent": persistent,
	}, nil)
}

func (c *Client) Flush(ctx context.Context, persistent bool) error {
	return c.do(ctx, engine.OpFlush, map[string]any{
		"persistent": persistent,
	}, nil)
}

// Call sends a raw request and returns the raw reply, with the same retry
// and circuit breaking as the typed methods. Failure replies are returned,
// not turned into errors.
func (c *Client) Call(ctx context.Context, op string, payload []byte) ([]byte, error) {
	return c.executeWithRetry(ctx, c.OperationName(op), payload)
}

func (c *Client) do(ctx context.Context, op string, req map[string]any, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	reply, err := c.executeWithRetry(ctx, c.OperationName(op), payload)
	if err != nil {
		return err
	}

	var envelope engine.Envelope
	if err := json.Unmarshal(reply, &envelope); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", op, err)
	}
	if !envelope.OK() {
		return &RemoteError{Operation: op, Message: envelope.Error}
	}

	if out != nil {
		if err := json.Unmarshal(reply, out); err != nil {
			return fmt.Errorf("failed to decode %s reply: %w", op, err)
		}
	}
	return nil
}

func (c *Client) executeWithRetry(ctx context.Context, name string, payload []byte) ([]byte, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	c.mu.RUnlock()

	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay(attempt)
			c.logger.DebugContext(ctx, "Retrying call",
				"operation", name,
				"attempt", attempt+1,
				"delay", delay.String(),
				"error", lastErr.Error(),
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if c.breaker != nil && !c.breaker.CanExecute() {
			return nil, ErrCircuitOpen
		}

		reply, err := c.call(ctx, name, payload)
		if err == nil {
			if c.breaker != nil {
				c.breaker.RecordSuccess()
			}
			return reply, nil
		}

		lastErr = err
		if !shouldRetry(ctx, err) {
			if c.breaker != nil {
				c.breaker.RecordSuccess()
			}
			return nil, err
		}
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", name, c.config.MaxRetries+1, lastErr)
}

func (c *Client) call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}
	return c.caller.Call(ctx, name, payload)
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := float64(c.config.RetryDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.config.RetryBackoff
	}
	if c.config.MaxDelay > 0 && time.Duration(delay) > c.config.MaxDelay {
		return c.config.MaxDelay
	}
	return time.Duration(delay)
}

// shouldRetry reports whether err is a transport failure. Unknown
// operations, a closed caller and a cancelled ctx are final.
func shouldRetry(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, rpc.ErrUnknownOperation) || errors.Is(err, rpc.ErrClosed) {
		return false
	}
	if errors.Is(err, rpc.ErrTimeout) {
		return true
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// CircuitBreaker returns nil when circuit breaking is disabled.
func (c *Client) CircuitBreaker() *CircuitBreaker {
	return c.breaker
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.caller.Close()
}
