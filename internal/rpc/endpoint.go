// Package rpc carries operation requests between clients and the service.
// Every transport registers one handler per operation name and exchanges
// JSON payloads; replies are always JSON envelopes.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"derpme/internal/logging"
	"derpme/internal/tracing"
)

// Handler serves one operation. The payload is the request's JSON data
// object and the returned bytes are the JSON reply.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Endpoint is the server side of a transport.
type Endpoint interface {
	Register(name string, handler Handler) error
	// Serve blocks until ctx is cancelled or the endpoint is closed.
	Serve(ctx context.Context) error
	Close() error
}

// Caller is the client side of a transport.
type Caller interface {
	Call(ctx context.Context, name string, payload []byte) ([]byte, error)
	Close() error
}

var (
	ErrTimeout          = errors.New("rpc call timed out")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrClosed           = errors.New("rpc endpoint is closed")
	ErrServing          = errors.New("handlers cannot be registered while serving")
)

// Options are shared by every endpoint implementation.
type Options struct {
	Logger  *logging.Logger
	Tracing *tracing.TracingService
}

func (o Options) withDefaults(transport string) Options {
	if o.Logger == nil {
		o.Logger = logging.NewDiscardLogger()
	}
	o.Logger = o.Logger.WithField("transport", transport)
	if o.Tracing == nil {
		o.Tracing = tracing.NoopService()
	}
	return o
}

// registry holds the handlers of one endpoint. Registration is closed once
// the endpoint starts serving.
type registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	serving  bool
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string]Handler)}
}

func (r *registry) register(name string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.serving {
		return ErrServing
	}
	if name == "" || handler == nil {
		return fmt.Errorf("invalid registration for %q", name)
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("operation %s is already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

func (r *registry) lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	return h, ok
}

// freeze marks the registry as serving and returns the sorted names.
func (r *registry) freeze() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.serving = true
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type envelope struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

func errorReply(err error) []byte {
	raw, _ := json.Marshal(envelope{Error: err.Error()})
	return raw
}

// dispatch runs a handler and always produces a reply: handler errors and
// panics become failure envelopes.
func dispatch(ctx context.Context, opts Options, transport, name string, handler Handler, payload []byte) (reply []byte) {
	ctx, span := opts.Tracing.InstrumentRPCRequest(ctx, transport, name)
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			opts.Logger.ErrorContext(ctx, "Handler panicked",
				"operation", name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			reply = errorReply(fmt.Errorf("internal error: %v", r))
		}
		opts.Logger.RequestEnd(ctx, transport, name, replyStatus(reply), time.Since(start))
	}()

	out, err := handler(ctx, payload)
	if err != nil {
		opts.Tracing.RecordError(span, err)
		return errorReply(err)
	}
	return out
}

func replyStatus(reply []byte) int {
	var e envelope
	if err := json.Unmarshal(reply, &e); err != nil {
		return 0
	}
	return e.Status
}

// normalizePayload turns an empty payload into an empty JSON object.
func normalizePayload(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte("{}")
	}
	return payload
}
