// Package server wires configuration, storage tiers, the engine and the
// selected transport into a running derpme service.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"derpme/internal/config"
	"derpme/internal/engine"
	"derpme/internal/logging"
	"derpme/internal/monitoring"
	"derpme/internal/rpc"
	"derpme/internal/storage"
	"derpme/internal/tracing"
)

const Version = "1.0.0"

type Server struct {
	config    *config.Config
	logger    *logging.Logger
	tracing   *tracing.TracingService
	backends  map[storage.Tier]storage.Backend
	engine    *engine.Engine
	endpoint  rpc.Endpoint
	health    *monitoring.HealthManager
	metrics   *monitoring.ServiceMetrics
	healthSrv *HealthServer
	startTime time.Time

	cancel    context.CancelFunc
	serveDone chan struct{}
	stopOnce  sync.Once
	stopErr   error
}

func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.NewLogger(&cfg.Logging)

	logger.Info("Initializing server",
		"namespace", cfg.Namespace,
		"broker", cfg.Broker.Kind,
		"version", Version,
	)

	tracingService, err := tracing.NewTracingService(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing service: %w", err)
	}

	s := &Server{
		config:    cfg,
		logger:    logger,
		tracing:   tracingService,
		backends:  make(map[storage.Tier]storage.Backend),
		health:    monitoring.NewHealthManager(Version),
		metrics:   monitoring.NewServiceMetrics(Version),
		startTime: time.Now(),
		serveDone: make(chan struct{}),
	}

	if err := s.openBackends(); err != nil {
		s.closeBackends()
		return nil, err
	}

	s.engine, err = engine.New(engine.Options{
		Volatile:   s.backends[storage.Volatile],
		Persistent: s.backends[storage.Persistent],
		Logger:     logger,
		Tracing:    tracingService,
		Observer:   s.metrics,
	})
	if err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	if err := s.setupEndpoint(); err != nil {
		s.closeBackends()
		return nil, err
	}

	s.registerHealthChecks()
	return s, nil
}

func (s *Server) openBackends() error {
	volatile, err := storage.NewBackend(storage.Volatile, s.config.Storage.Volatile, s.config.ListSize, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create volatile storage: %w", err)
	}
	s.backends[storage.Volatile] = volatile

	if !s.config.Storage.Persistent.Enabled {
		s.logger.Info("Persistent storage is disabled")
		return nil
	}

	persistent, err := storage.NewBackend(storage.Persistent, s.config.Storage.Persistent, s.config.ListSize, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create persistent storage: %w", err)
	}
	s.backends[storage.Persistent] = persistent
	return nil
}

func (s *Server) setupEndpoint() error {
	opts := rpc.Options{Logger: s.logger, Tracing: s.tracing}
	broker := s.config.Broker

	switch broker.Kind {
	case config.BrokerRedis:
		endpoint := rpc.NewRedisEndpoint(rpc.RedisOptions{
			Addr:     broker.Addr(),
			Username: broker.Username,
			Password: broker.Password,
			DB:       broker.DB,
			ReplyTTL: broker.ReplyTTL,
		}, opts)
		s.health.RegisterChecker(monitoring.NewPingChecker("broker", true, endpoint.Ping))
		s.endpoint = endpoint

	case config.BrokerGRPC:
		s.endpoint = rpc.NewGRPCEndpoint(broker.Addr(), opts)

	case config.BrokerHTTP:
		endpoint := rpc.NewHTTPEndpoint(broker.Addr(), opts)
		endpoint.Handle("/health", s.health)
		endpoint.Handle("/metrics", monitoring.NewPrometheusExporter(s.metrics))
		s.endpoint = endpoint

	default:
		return fmt.Errorf("unsupported broker kind %q", broker.Kind)
	}

	if broker.Kind != config.BrokerHTTP && s.config.Server.HealthPort > 0 {
		addr := fmt.Sprintf(":%d", s.config.Server.HealthPort)
		s.healthSrv = NewHealthServer(addr, s.health, monitoring.NewPrometheusExporter(s.metrics), s.logger)
	}

	for op, handler := range s.engine.Handlers() {
		name := s.config.OperationName(op)
		if err := s.endpoint.Register(name, rpc.Handler(handler)); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	return nil
}

func (s *Server) registerHealthChecks() {
	for tier, backend := range s.backends {
		s.health.RegisterChecker(monitoring.NewBackendHealthChecker(tier, backend))
	}
	s.health.RegisterChecker(monitoring.NewMemoryHealthChecker(1024))
	s.health.RegisterChecker(monitoring.NewGoroutineHealthChecker(10000))
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			s.logger.Info("Received shutdown signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return s.Run(ctx)
}

// Run serves until ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	if s.healthSrv != nil {
		if err := s.healthSrv.Listen(); err != nil {
			close(s.serveDone)
			return errors.Join(err, s.Shutdown(context.Background()))
		}
	}

	errChan := make(chan error, 2)

	go func() {
		defer close(s.serveDone)
		if err := s.endpoint.Serve(ctx); err != nil {
			errChan <- fmt.Errorf("%s endpoint failed: %w", s.config.Broker.Kind, err)
		}
	}()

	if s.healthSrv != nil {
		go func() {
			if err := s.healthSrv.Serve(); err != nil {
				errChan <- err
			}
		}()
	}

	s.logger.Info("Server started successfully",
		"broker", s.config.Broker.Kind,
		"address", s.config.Broker.Addr(),
		"persistent", s.engine.PersistentEnabled(),
	)

	select {
	case err := <-errChan:
		s.logger.Error("Server encountered an error", "error", err.Error())
		cancel()
		return errors.Join(err, s.Shutdown(context.Background()))
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops the endpoint, waits for in-flight requests and releases
// the storage tiers. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.shutdown(ctx)
	})
	return s.stopErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan error, 1)

	go func() {
		var errs []error

		if err := s.endpoint.Close(); err != nil {
			s.logger.Error("Failed to close endpoint", "error", err.Error())
			errs = append(errs, err)
		}
		if s.cancel != nil {
			<-s.serveDone
		}

		if s.healthSrv != nil {
			if err := s.healthSrv.Stop(shutdownCtx); err != nil {
				s.logger.Error("Failed to stop health server", "error", err.Error())
				errs = append(errs, err)
			}
		}

		if err := s.closeBackends(); err != nil {
			errs = append(errs, err)
		}

		if err := s.tracing.Close(shutdownCtx); err != nil {
			s.logger.Warn("Failed to flush traces", "error", err.Error())
		}

		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("Error during shutdown", "error", err.Error())
			return err
		}
		s.logger.Info("Server shutdown completed", "uptime", s.GetUptime().String())
		return nil
	case <-shutdownCtx.Done():
		s.logger.Error("Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (s *Server) closeBackends() error {
	var errs []error
	for tier, backend := range s.backends {
		if err := backend.Close(); err != nil {
			s.logger.Error("Failed to close storage", "tier", string(tier), "error", err.Error())
			errs = append(errs, fmt.Errorf("close %s storage: %w", tier, err))
		}
	}
	return errors.Join(errs...)
}

// Addr returns the address the operations are served on. For the HTTP
// broker it is the bound address once serving.
func (s *Server) Addr() string {
	if endpoint, ok := s.endpoint.(*rpc.HTTPEndpoint); ok {
		return endpoint.Addr()
	}
	return s.config.Broker.Addr()
}

// HealthAddr returns the standalone health listener address, or "" when
// health is served on the HTTP endpoint.
func (s *Server) HealthAddr() string {
	if s.healthSrv == nil {
		return ""
	}
	return s.healthSrv.Addr()
}

func (s *Server) Health() *monitoring.HealthManager {
	return s.health
}

func (s *Server) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
