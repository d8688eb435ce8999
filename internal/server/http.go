package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"derpme/internal/logging"
)

// HealthServer serves /health and /metrics on their own port when the
// broker is not HTTP.
type HealthServer struct {
	addr     string
	logger   *logging.Logger
	router   *mux.Router
	listener net.Listener
	server   *http.Server
}

func NewHealthServer(addr string, health, metrics http.Handler, logger *logging.Logger) *HealthServer {
	router := mux.NewRouter()
	router.Use(logging.CorrelationIDMiddleware("derpme"))
	router.Handle("/health", health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics).Methods(http.MethodGet)

	return &HealthServer{
		addr:   addr,
		logger: logger,
		router: router,
	}
}

// Listen binds the port so Addr is known before Serve is called.
func (s *HealthServer) Listen() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = lis
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func (s *HealthServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *HealthServer) Serve() error {
	if s.server == nil {
		return errors.New("health server is not listening")
	}
	s.logger.Info("Serving health and metrics", "address", s.Addr())

	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server failed: %w", err)
	}
	return nil
}

func (s *HealthServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
