// Package engine implements the seven key/value operations on top of a
// volatile and an optional persistent storage backend.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"derpme/internal/logging"
	"derpme/internal/storage"
	"derpme/internal/tracing"
)

const (
	OpGet   = "get"
	OpSet   = "set"
	OpMGet  = "mget"
	OpMSet  = "mset"
	OpLGet  = "lget"
	OpLSet  = "lset"
	OpFlush = "flush"
)

// Operations lists every operation in registration order.
var Operations = []string{OpGet, OpSet, OpMGet, OpMSet, OpLGet, OpLSet, OpFlush}

// HandlerFunc serves one operation from a JSON request to a JSON reply.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Observer receives the outcome of every operation.
type Observer interface {
	ObserveOperation(operation, tier string, status int, duration time.Duration)
}

type Options struct {
	Volatile   storage.Backend
	Persistent storage.Backend // optional
	Logger     *logging.Logger
	Tracing    *tracing.TracingService
	Observer   Observer
}

// Engine validates requests, routes them to a tier and shapes the replies.
// It holds no state of its own.
type Engine struct {
	volatile   storage.Backend
	persistent storage.Backend
	logger     *logging.Logger
	tracing    *tracing.TracingService
	observer   Observer
}

func New(opts Options) (*Engine, error) {
	if opts.Volatile == nil {
		return nil, errors.New("a volatile backend is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscardLogger()
	}
	if opts.Tracing == nil {
		opts.Tracing = tracing.NoopService()
	}

	return &Engine{
		volatile:   opts.Volatile,
		persistent: opts.Persistent,
		logger:     opts.Logger.WithField("component", "engine"),
		tracing:    opts.Tracing,
		observer:   opts.Observer,
	}, nil
}

func (e *Engine) PersistentEnabled() bool {
	return e.persistent != nil
}

// Backends returns the configured tiers keyed by tier name.
func (e *Engine) Backends() map[storage.Tier]storage.Backend {
	backends := map[storage.Tier]storage.Backend{storage.Volatile: e.volatile}
	if e.persistent != nil {
		backends[storage.Persistent] = e.persistent
	}
	return backends
}

func (e *Engine) backend(persistent bool) (storage.Backend, storage.Tier, error) {
	if !persistent {
		return e.volatile, storage.Volatile, nil
	}
	if e.persistent == nil {
		return nil, storage.Persistent, ErrPersistentDisabled
	}
	return e.persistent, storage.Persistent, nil
}

// call runs one backend call, logging it and wrapping failures.
func (e *Engine) call(ctx context.Context, op string, tier storage.Tier, key string, fn func() error) error {
	ctx, span := e.tracing.InstrumentStorageOperation(ctx, op, string(tier))
	defer span.End()

	start := time.Now()
	err := fn()
	e.logger.StorageOperation(ctx, op, string(tier), key, time.Since(start), err)
	if err != nil {
		e.tracing.RecordError(span, err)
		return &BackendError{Op: op, Err: err}
	}
	return nil
}

// operation wraps every handler in a span and reports its outcome.
func (e *Engine) operation(ctx context.Context, op string, req Request, fn func(context.Context, oteltrace.Span) error) Envelope {
	ctx, span := e.tracing.InstrumentOperation(ctx, op)
	defer span.End()

	tier := storage.Volatile
	if req.Persistent() {
		tier = storage.Persistent
	}
	span.SetAttributes(attribute.String("derpme.tier", string(tier)))

	start := time.Now()
	err := fn(ctx, span)

	envelope := success()
	if err != nil {
		envelope = failure(err)
		e.tracing.RecordError(span, err)
		var backendErr *BackendError
		if !errors.As(err, &backendErr) {
			e.logger.DebugContext(ctx, "Request rejected", "operation", op, "error", err.Error())
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if e.observer != nil {
		e.observer.ObserveOperation(op, string(tier), envelope.Status, time.Since(start))
	}
	return envelope
}

func (e *Engine) Get(ctx context.Context, req Request) GetResponse {
	resp := GetResponse{}
	resp.Envelope = e.operation(ctx, OpGet, req, func(ctx context.Context, span oteltrace.Span) error {
		if err := req.require("key"); err != nil {
			return err
		}
		key, err := req.String("key")
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.String("derpme.key", key))

		backend, tier, err := e.backend(req.Persistent())
		if err != nil {
			return err
		}

		var (
			value string
			found bool
		)
		err = e.call(ctx, OpGet, tier, key, func() (err error) {
			value, found, err = backend.Get(ctx, key)
			return err
		})
		if err != nil {
			return err
		}
		if found {
			resp.Val = &value
		}
		return nil
	})
	return resp
}

func (e *Engine) Set(ctx context.Context, req Request) Envelope {
	return e.operation(ctx, OpSet, req, func(ctx context.Context, span oteltrace.Span) error {
		if err := req.require("key", "val"); err != nil {
			return err
		}
		key, err := req.String("key")
		if err != nil {
			return err
		}
		raw, err := req.lookup("val")
		if err != nil {
			return err
		}
		value, err := scalarValue("val", raw)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.String("derpme.key", key))

		backend, tier, err := e.backend(req.Persistent())
		if err != nil {
			return err
		}
		return e.call(ctx, OpSet, tier, key, func() error {
			return backend.Set(ctx, key, value)
		})
	})
}

func (e *Engine) MGet(ctx context.Context, req Request) MGetResponse {
	resp := MGetResponse{Vals: []*string{}}
	resp.Envelope = e.operation(ctx, OpMGet, req, func(ctx context.Context, span oteltrace.Span) error {
		if err := req.require("keys"); err != nil {
			return err
		}
		keys, err := req.Strings("keys")
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("derpme.keys", len(keys)))

		backend, tier, err := e.backend(req.Persistent())
		if err != nil {
			return err
		}

		var results []storage.KeyValue
		err = e.call(ctx, OpMGet, tier, "", func() (err error) {
			results, err = backend.MGet(ctx, keys)
			return err
		})
		if err != nil {
			return err
		}

		vals := make([]*string, len(results))
		for i := range results {
			if results[i].Found {
				vals[i] = &results[i].Value
			}
		}
		resp.Vals = vals
		return nil
	})
	return resp
}

func (e *Engine) MSet(ctx context.Context, req Request) Envelope {
	return e.operation(ctx, OpMSet, req, func(ctx context.Context, span oteltrace.Span) error {
		if err := req.require("keys", "vals"); err != nil {
			return err
		}
		keys, err := req.Strings("keys")
		if err != nil {
			return err
		}
		vals, err := req.List("vals")
		if err != nil {
			return err
		}
		if len(keys) != len(vals) {
			return &ValidationError{
				Field:  "vals",
				Reason: fmt.Sprintf("Length mismatch: %d keys, %d vals", len(keys), len(vals)),
			}
		}

		items := make([]storage.KeyValue, len(keys))
		for i, key := range keys {
			value, err := scalarValue("vals", vals[i])
			if err != nil {
				return err
			}
			items[i] = storage.KeyValue{Key: key, Value: value}
		}
		span.SetAttributes(attribute.Int("derpme.keys", len(keys)))

		backend, tier, err := e.backend(req.Persistent())
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return e.call(ctx, OpMSet, tier, "", func() error {
			return backend.MSet(ctx, items)
		})
	})
}

func (e *Engine) LGet(ctx context.Context, req Request) LGetResponse {
	resp := LGetResponse{Val: []any{}}
	resp.Envelope = e.operation(ctx, OpLGet, req, func(ctx context.Context, span oteltrace.Span) error {
		if err := req.require("key", "l_from", "l_to"); err != nil {
			return err
		}
		key, err := req.String("key")
		if err != nil {
			return err
		}
		from, err := req.Int("l_from")
		if err != nil {
			return err
		}
		to, err := req.Int("l_to")
		if err != nil {
			return err
		}
		span.SetAttributes(
			attribute.String("derpme.key", key),
			attribute.Int64("derpme.l_from", from),
			attribute.Int64("derpme.l_to", to),
		)

		backend, tier, err := e.backend(req.Persistent())
		if err != nil {
			return err
		}

		var length int64
		err = e.call(ctx, "llen", tier, key, func() (err error) {
			length, err = backend.LLen(ctx, key)
			return err
		})
		if err != nil {
			return err
		}
		if length == 0 {
			return &NotFoundError{Key: key}
		}

		var elements []string
		err = e.call(ctx, "lrange", tier, key, func() (err error) {
			elements, err = backend.LRange(ctx, key, from, to)
			return err
		})
		if err != nil {
			return err
		}

		vals := make([]any, len(elements))
		for i, element := range elements {
			vals[i] = decodeElement(element)
		}
		resp.Val = vals
		return nil
	})
	return resp
}

func (e *Engine) LSet(ctx context.Context, req Request) Envelope {
	return e.operation(ctx, OpLSet, req, func(ctx context.Context, span oteltrace.Span) error {
		if err := req.require("key", "vals"); err != nil {
			return err
		}
		key, err := req.String("key")
		if err != nil {
			return err
		}
		vals, err := req.List("vals")
		if err != nil {
			return err
		}

		elements := make([]string, len(vals))
		for i, v := range vals {
			if elements[i], err = encodeElement(v); err != nil {
				return invalid("vals")
			}
		}
		span.SetAttributes(
			attribute.String("derpme.key", key),
			attribute.Int("derpme.vals", len(vals)),
		)

		backend, tier, err := e.backend(req.Persistent())
		if err != nil {
			return err
		}
		if len(elements) == 0 {
			return nil
		}
		return e.call(ctx, "lpushtrim", tier, key, func() error {
			return backend.LPushTrim(ctx, key, elements)
		})
	})
}

// Flush clears the whole selected tier, volatile unless the request asks
// for the persistent one.
func (e *Engine) Flush(ctx context.Context, req Request) Envelope {
	return e.operation(ctx, OpFlush, req, func(ctx context.Context, span oteltrace.Span) error {
		backend, tier, err := e.backend(req.Persistent())
		if err != nil {
			return err
		}

		e.logger.DebugContext(ctx, "Flushing db...", "tier", string(tier))
		return e.call(ctx, OpFlush, tier, "", func() error {
			return backend.FlushAll(ctx)
		})
	})
}

// Handlers returns one JSON handler per operation, keyed by operation name.
func (e *Engine) Handlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		OpGet:   handler(func(ctx context.Context, req Request) any { return e.Get(ctx, req) }),
		OpSet:   handler(func(ctx context.Context, req Request) any { return e.Set(ctx, req) }),
		OpMGet:  handler(func(ctx context.Context, req Request) any { return e.MGet(ctx, req) }),
		OpMSet:  handler(func(ctx context.Context, req Request) any { return e.MSet(ctx, req) }),
		OpLGet:  handler(func(ctx context.Context, req Request) any { return e.LGet(ctx, req) }),
		OpLSet:  handler(func(ctx context.Context, req Request) any { return e.LSet(ctx, req) }),
		OpFlush: handler(func(ctx context.Context, req Request) any { return e.Flush(ctx, req) }),
	}
}

func handler(fn func(context.Context, Request) any) HandlerFunc {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := DecodeRequest(payload)
		if err != nil {
			return FailureResponse(err), nil
		}
		return json.Marshal(fn(ctx, req))
	}
}
