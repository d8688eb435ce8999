package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"derpme/internal/logging"
)

const maxRequestBody = 1 << 20

// HTTPEndpoint serves operations as POST /rpc/{operation}. Extra routes,
// such as health and metrics, can be mounted before serving.
type HTTPEndpoint struct {
	addr     string
	opts     Options
	registry *registry
	routes   map[string]http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	closed   bool
}

var _ Endpoint = (*HTTPEndpoint)(nil)

func NewHTTPEndpoint(addr string, opts Options) *HTTPEndpoint {
	return &HTTPEndpoint{
		addr:     addr,
		opts:     opts.withDefaults("http"),
		registry: newRegistry(),
		routes:   make(map[string]http.Handler),
	}
}

func (e *HTTPEndpoint) Register(name string, handler Handler) error {
	return e.registry.register(name, handler)
}

// Handle mounts a GET route next to the operation routes.
func (e *HTTPEndpoint) Handle(path string, handler http.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routes[path] = handler
}

// Router returns the endpoint's routes wrapped in the correlation and
// logging middleware.
func (e *HTTPEndpoint) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(logging.CorrelationIDMiddleware("derpme"))
	router.Use(logging.LoggingMiddleware(e.opts.Logger))

	router.HandleFunc("/rpc/{operation}", e.handleRPC).Methods(http.MethodPost)

	e.mu.Lock()
	for path, handler := range e.routes {
		router.Handle(path, handler).Methods(http.MethodGet)
	}
	e.mu.Unlock()

	return router
}

func (e *HTTPEndpoint) handleRPC(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["operation"]
	w.Header().Set("Content-Type", "application/json")

	handler, ok := e.registry.lookup(name)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		w.Write(errorReply(fmt.Errorf("%w: %s", ErrUnknownOperation, name)))
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		w.Write(errorReply(fmt.Errorf("failed to read request body: %w", err)))
		return
	}

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	reply := dispatch(ctx, e.opts, "http", name, handler, normalizePayload(payload))

	w.WriteHeader(http.StatusOK)
	w.Write(reply)
}

func (e *HTTPEndpoint) Serve(ctx context.Context) error {
	names := e.registry.freeze()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	lis, err := net.Listen("tcp", e.addr)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", e.addr, err)
	}
	e.listener = lis
	e.server = &http.Server{
		Handler:           e.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := e.server
	e.mu.Unlock()

	e.opts.Logger.Info("Serving operations over HTTP",
		"address", lis.Addr().String(),
		"operations", names,
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
		<-errChan
		return nil
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	}
}

// Addr returns the bound address once serving, or the configured one.
func (e *HTTPEndpoint) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener != nil {
		return e.listener.Addr().String()
	}
	return e.addr
}

func (e *HTTPEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.server.Shutdown(ctx)
	}
	return nil
}

// HTTPCaller invokes operations on an HTTPEndpoint.
type HTTPCaller struct {
	baseURL string
	client  *http.Client
}

var _ Caller = (*HTTPCaller)(nil)

// NewHTTPCaller accepts a base URL such as http://localhost:8080.
func NewHTTPCaller(baseURL string, timeout time.Duration) *HTTPCaller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewHTTPCallerWithClient(baseURL, &http.Client{Timeout: timeout})
}

func NewHTTPCallerWithClient(baseURL string, client *http.Client) *HTTPCaller {
	return &HTTPCaller{baseURL: baseURL, client: client}
}

func (c *HTTPCaller) Call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	endpoint := c.baseURL + "/rpc/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(normalizePayload(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	logging.PropagateCorrelationID(ctx, req)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, name)
		}
		return nil, fmt.Errorf("HTTP call %s failed: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read reply from %s: %w", name, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	default:
		return nil, fmt.Errorf("HTTP call %s failed with status %d: %s", name, resp.StatusCode, bytes.TrimSpace(body))
	}
}

func (c *HTTPCaller) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
