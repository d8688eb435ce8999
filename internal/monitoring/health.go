package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"derpme/internal/storage"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a single health check
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	Duration    time.Duration          `json:"duration_ms"`
	Timestamp   time.Time              `json:"timestamp"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Critical    bool                   `json:"critical"`
	LastFailure *time.Time             `json:"last_failure,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Version    string                 `json:"version"`
	Uptime     time.Duration          `json:"uptime_seconds"`
	Timestamp  time.Time              `json:"timestamp"`
	Checks     map[string]HealthCheck `json:"checks"`
	Summary    HealthSummary          `json:"summary"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// HealthSummary provides overall health metrics
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Critical  int `json:"critical"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Arch         string    `json:"arch"`
	NumCPU       int       `json:"num_cpu"`
	NumGoroutine int       `json:"num_goroutine"`
	MemoryMB     uint64    `json:"memory_mb"`
	StartTime    time.Time `json:"start_time"`
}

// HealthChecker interface for implementing health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) HealthCheck
	IsCritical() bool
}

// HealthManager manages all health checks
type HealthManager struct {
	mu          sync.Mutex
	checkers    []HealthChecker
	startTime   time.Time
	version     string
	lastResults map[string]HealthCheck
	lastFailure map[string]time.Time
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers:    make([]HealthChecker, 0),
		startTime:   time.Now(),
		version:     version,
		lastResults: make(map[string]HealthCheck),
		lastFailure: make(map[string]time.Time),
	}
}

// RegisterChecker adds a health checker
func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers = append(hm.checkers, checker)
}

// CheckHealth performs all health checks
func (hm *HealthManager) CheckHealth(ctx context.Context) HealthResponse {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	checks := make(map[string]HealthCheck)
	summary := HealthSummary{}
	overallStatus := HealthStatusHealthy

	for _, checker := range hm.checkers {
		start := time.Now()
		check := checker.Check(ctx)
		check.Name = checker.Name()
		check.Duration = time.Since(start)
		check.Timestamp = time.Now()
		check.Critical = checker.IsCritical()

		if check.Status != HealthStatusHealthy {
			hm.lastFailure[check.Name] = check.Timestamp
		}
		if failed, ok := hm.lastFailure[check.Name]; ok {
			failed := failed
			check.LastFailure = &failed
		}

		checks[check.Name] = check
		hm.lastResults[check.Name] = check

		summary.Total++
		switch check.Status {
		case HealthStatusHealthy:
			summary.Healthy++
		case HealthStatusDegraded:
			summary.Degraded++
			if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		case HealthStatusUnhealthy:
			summary.Unhealthy++
			if check.Critical {
				summary.Critical++
				overallStatus = HealthStatusUnhealthy
			} else if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		}
	}

	return HealthResponse{
		Status:     overallStatus,
		Version:    hm.version,
		Uptime:     time.Since(hm.startTime),
		Timestamp:  time.Now(),
		Checks:     checks,
		Summary:    summary,
		SystemInfo: hm.getSystemInfo(),
	}
}

// GetLastResults returns a copy of the last health check results
func (hm *HealthManager) GetLastResults() map[string]HealthCheck {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	results := make(map[string]HealthCheck, len(hm.lastResults))
	for name, check := range hm.lastResults {
		results[name] = check
	}
	return results
}

// ServeHTTP reports health as JSON; an unhealthy service answers 503.
func (hm *HealthManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := hm.CheckHealth(ctx)

	w.Header().Set("Content-Type", "application/json")
	if health.Status == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(health)
}

func (hm *HealthManager) getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
		MemoryMB:     m.Alloc / 1024 / 1024,
		StartTime:    hm.startTime,
	}
}

// BackendHealthChecker pings one storage tier. A failed ping makes the
// service unhealthy; a slow one only degrades it.
type BackendHealthChecker struct {
	tier    storage.Tier
	backend storage.Backend
	slow    time.Duration
}

func NewBackendHealthChecker(tier storage.Tier, backend storage.Backend) *BackendHealthChecker {
	return &BackendHealthChecker{tier: tier, backend: backend, slow: 100 * time.Millisecond}
}

func (b *BackendHealthChecker) Name() string {
	return "storage_" + string(b.tier)
}

func (b *BackendHealthChecker) IsCritical() bool {
	return true
}

func (b *BackendHealthChecker) Check(ctx context.Context) HealthCheck {
	start := time.Now()

	if err := b.backend.Ping(ctx); err != nil {
		return HealthCheck{
			Status:  HealthStatusUnhealthy,
			Message: fmt.Sprintf("Storage ping failed: %v", err),
			Details: map[string]interface{}{
				"tier":  string(b.tier),
				"error": err.Error(),
			},
		}
	}
	duration := time.Since(start)

	status := HealthStatusHealthy
	message := "Storage is operational"
	if duration > b.slow {
		status = HealthStatusDegraded
		message = fmt.Sprintf("Storage ping is slow (%dms)", duration.Milliseconds())
	}

	details := b.backend.Stats()
	details["tier"] = string(b.tier)
	details["ping_ms"] = duration.Milliseconds()

	return HealthCheck{
		Status:  status,
		Message: message,
		Details: details,
	}
}

// PingChecker adapts any ping function, such as the broker connection, to
// a health check.
type PingChecker struct {
	name     string
	critical bool
	ping     func(ctx context.Context) error
}

func NewPingChecker(name string, critical bool, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, critical: critical, ping: ping}
}

func (p *PingChecker) Name() string {
	return p.name
}

func (p *PingChecker) IsCritical() bool {
	return p.critical
}

func (p *PingChecker) Check(ctx context.Context) HealthCheck {
	if err := p.ping(ctx); err != nil {
		return HealthCheck{
			Status:  HealthStatusUnhealthy,
			Message: fmt.Sprintf("Ping failed: %v", err),
		}
	}
	return HealthCheck{Status: HealthStatusHealthy, Message: "Reachable"}
}

// Memory Health Checker
type MemoryHealthChecker struct {
	maxMemoryMB uint64
}

func NewMemoryHealthChecker(maxMemoryMB uint64) *MemoryHealthChecker {
	return &MemoryHealthChecker{maxMemoryMB: maxMemoryMB}
}

func (m *MemoryHealthChecker) Name() string {
	return "memory"
}

func (m *MemoryHealthChecker) IsCritical() bool {
	return false
}

func (m *MemoryHealthChecker) Check(ctx context.Context) HealthCheck {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	allocMB := memStats.Alloc / 1024 / 1024

	status := HealthStatusHealthy
	message := "Memory usage is normal"

	if m.maxMemoryMB > 0 {
		if allocMB > m.maxMemoryMB {
			status = HealthStatusUnhealthy
			message = fmt.Sprintf("Memory usage exceeds limit (%dMB > %dMB)", allocMB, m.maxMemoryMB)
		} else if allocMB > m.maxMemoryMB*80/100 {
			status = HealthStatusDegraded
			message = fmt.Sprintf("Memory usage is high (%dMB)", allocMB)
		}
	}

	return HealthCheck{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"alloc_mb":      allocMB,
			"sys_mb":        memStats.Sys / 1024 / 1024,
			"num_gc":        memStats.NumGC,
			"num_goroutine": runtime.NumGoroutine(),
		},
	}
}

// Goroutine Health Checker
type GoroutineHealthChecker struct {
	maxGoroutines int
}

func NewGoroutineHealthChecker(maxGoroutines int) *GoroutineHealthChecker {
	return &GoroutineHealthChecker{maxGoroutines: maxGoroutines}
}

func (g *GoroutineHealthChecker) Name() string {
	return "goroutines"
}

func (g *GoroutineHealthChecker) IsCritical() bool {
	return false
}

func (g *GoroutineHealthChecker) Check(ctx context.Context) HealthCheck {
	numGoroutines := runtime.NumGoroutine()

	status := HealthStatusHealthy
	message := "Goroutine count is normal"

	if g.maxGoroutines > 0 {
		if numGoroutines > g.maxGoroutines {
			status = HealthStatusUnhealthy
			message = fmt.Sprintf("Too many goroutines (%d > %d)", numGoroutines, g.maxGoroutines)
		} else if numGoroutines > g.maxGoroutines*80/100 {
			status = HealthStatusDegraded
			message = fmt.Sprintf("High goroutine count (%d)", numGoroutines)
		}
	}

	return HealthCheck{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"count": numGoroutines,
			"limit": g.maxGoroutines,
		},
	}
}
