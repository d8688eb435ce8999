package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"derpme/internal/logging"
)

const (
	defaultPollTimeout = time.Second
	defaultReplyTTL    = 60 * time.Second
	replyQueuePrefix   = "derpme.reply."
)

// Message is the wire format of the Redis transport. Requests carry the
// queue the reply must be pushed to; replies echo the message id.
type Message struct {
	Header MessageHeader   `json:"header"`
	Data   json.RawMessage `json:"data"`
}

type MessageHeader struct {
	ReplyTo       string `json:"reply_to,omitempty"`
	MsgID         string `json:"msg_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	// ReplyTTL bounds how long an unread reply queue survives.
	ReplyTTL time.Duration
	// PollTimeout is the BLPOP timeout between checks for shutdown.
	PollTimeout time.Duration
}

func newRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// RedisEndpoint serves operations over Redis lists: each operation name is a
// list the server pops requests from.
type RedisEndpoint struct {
	client      *redis.Client
	opts        Options
	replyTTL    time.Duration
	pollTimeout time.Duration
	registry    *registry

	inflight sync.WaitGroup
	done     chan struct{}
	stopped  chan struct{}
	started  atomic.Bool
	once     sync.Once
	closeErr error
}

var _ Endpoint = (*RedisEndpoint)(nil)

func NewRedisEndpoint(ro RedisOptions, opts Options) *RedisEndpoint {
	return NewRedisEndpointFromClient(newRedisClient(ro), ro, opts)
}

func NewRedisEndpointFromClient(client *redis.Client, ro RedisOptions, opts Options) *RedisEndpoint {
	if ro.ReplyTTL <= 0 {
		ro.ReplyTTL = defaultReplyTTL
	}
	if ro.PollTimeout <= 0 {
		ro.PollTimeout = defaultPollTimeout
	}
	return &RedisEndpoint{
		client:      client,
		opts:        opts.withDefaults("redis"),
		replyTTL:    ro.ReplyTTL,
		pollTimeout: ro.PollTimeout,
		registry:    newRegistry(),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

func (e *RedisEndpoint) Register(name string, handler Handler) error {
	return e.registry.register(name, handler)
}

// Ping checks the broker connection.
func (e *RedisEndpoint) Ping(ctx context.Context) error {
	return e.client.Ping(ctx).Err()
}

func (e *RedisEndpoint) Serve(ctx context.Context) error {
	if err := e.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis broker: %w", err)
	}

	names := e.registry.freeze()
	if len(names) == 0 {
		return errors.New("no operations registered")
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("redis endpoint is already serving")
	}
	defer close(e.stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	e.opts.Logger.Info("Serving operations over redis",
		"addr", e.client.Options().Addr,
		"operations", names,
	)

	backoff := 100 * time.Millisecond
	for {
		result, err := e.client.BLPop(ctx, e.pollTimeout, names...).Result()
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			e.opts.Logger.Warn("Failed to pop request", "error", err.Error())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond

		// BLPOP returns the list name followed by the element.
		name, raw := result[0], result[1]
		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			e.handle(name, []byte(raw))
		}()
	}

	e.inflight.Wait()
	e.opts.Logger.Info("Redis endpoint stopped")
	return nil
}

func (e *RedisEndpoint) handle(name string, raw []byte) {
	// Replies are sent even when the server is shutting down.
	ctx := context.Background()

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		e.opts.Logger.Warn("Dropping malformed request", "operation", name, "error", err.Error())
		return
	}
	if msg.Header.ReplyTo == "" {
		e.opts.Logger.Warn("Dropping request without reply_to", "operation", name, "msg_id", msg.Header.MsgID)
		return
	}

	correlationID := msg.Header.CorrelationID
	if correlationID == "" {
		correlationID = msg.Header.MsgID
	}
	ctx = logging.ContextFromMetadata(ctx, map[string]string{logging.CorrelationIDMetadataKey: correlationID})

	handler, ok := e.registry.lookup(name)
	var reply []byte
	if !ok {
		reply = errorReply(fmt.Errorf("%w: %s", ErrUnknownOperation, name))
	} else {
		reply = dispatch(ctx, e.opts, "redis", name, handler, normalizePayload(msg.Data))
	}

	out, err := json.Marshal(Message{
		Header: MessageHeader{MsgID: msg.Header.MsgID, Timestamp: time.Now().UnixMilli()},
		Data:   reply,
	})
	if err != nil {
		e.opts.Logger.ErrorContext(ctx, "Failed to encode reply", "error", err.Error())
		return
	}

	_, err = e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, msg.Header.ReplyTo, out)
		pipe.Expire(ctx, msg.Header.ReplyTo, e.replyTTL)
		return nil
	})
	if err != nil {
		e.opts.Logger.ErrorContext(ctx, "Failed to push reply",
			"reply_to", msg.Header.ReplyTo,
			"error", err.Error(),
		)
	}
}

// Close stops serving, waits for in-flight requests and releases the client.
func (e *RedisEndpoint) Close() error {
	e.once.Do(func() {
		close(e.done)
		if e.started.Load() {
			<-e.stopped
		}
		e.inflight.Wait()
		e.closeErr = e.client.Close()
	})
	return e.closeErr
}

// RedisCaller issues requests over the Redis transport. Each call waits on
// its own reply queue.
type RedisCaller struct {
	client   *redis.Client
	timeout  time.Duration
	replyTTL time.Duration
}

var _ Caller = (*RedisCaller)(nil)

func NewRedisCaller(ro RedisOptions, timeout time.Duration) *RedisCaller {
	return NewRedisCallerFromClient(newRedisClient(ro), ro, timeout)
}

func NewRedisCallerFromClient(client *redis.Client, ro RedisOptions, timeout time.Duration) *RedisCaller {
	if ro.ReplyTTL <= 0 {
		ro.ReplyTTL = defaultReplyTTL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RedisCaller{client: client, timeout: timeout, replyTTL: ro.ReplyTTL}
}

func (c *RedisCaller) Call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	msgID := uuid.NewString()
	replyTo := replyQueuePrefix + uuid.NewString()

	raw, err := json.Marshal(Message{
		Header: MessageHeader{
			ReplyTo:       replyTo,
			MsgID:         msgID,
			CorrelationID: logging.ExtractCorrelationID(ctx),
			Timestamp:     time.Now().UnixMilli(),
		},
		Data: normalizePayload(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	if err := c.client.RPush(ctx, name, raw).Err(); err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", name, err)
	}
	defer c.client.Del(context.Background(), replyTo)

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout < time.Second {
		// BLPOP has a one second resolution on older servers.
		timeout = time.Second
	}

	result, err := c.client.BLPop(ctx, timeout, replyTo).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrTimeout, name)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, name, ctx.Err())
		}
		return nil, fmt.Errorf("failed to receive reply from %s: %w", name, err)
	}

	var reply Message
	if err := json.Unmarshal([]byte(result[1]), &reply); err != nil {
		return nil, fmt.Errorf("malformed reply from %s: %w", name, err)
	}
	if reply.Header.MsgID != msgID {
		return nil, fmt.Errorf("reply id %s does not match request %s", reply.Header.MsgID, msgID)
	}
	return reply.Data, nil
}

func (c *RedisCaller) Close() error {
	return c.client.Close()
}
