package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"derpme/internal/storage"
)

func TestHealthManager_RegisterChecker(t *testing.T) {
	hm := NewHealthManager("test-version")

	hm.RegisterChecker(&MockHealthChecker{
		name:   "test",
		result: HealthCheck{Status: HealthStatusHealthy, Message: "OK"},
	})

	if len(hm.checkers) != 1 {
		t.Errorf("Expected 1 checker, got %d", len(hm.checkers))
	}
}

func TestHealthManager_CheckHealth(t *testing.T) {
	tests := []struct {
		name     string
		checkers []*MockHealthChecker
		want     HealthStatus
	}{
		{
			name: "all healthy",
			checkers: []*MockHealthChecker{
				{name: "a", critical: true, result: HealthCheck{Status: HealthStatusHealthy}},
				{name: "b", result: HealthCheck{Status: HealthStatusHealthy}},
			},
			want: HealthStatusHealthy,
		},
		{
			name: "one degraded",
			checkers: []*MockHealthChecker{
				{name: "a", critical: true, result: HealthCheck{Status: HealthStatusHealthy}},
				{name: "b", result: HealthCheck{Status: HealthStatusDegraded}},
			},
			want: HealthStatusDegraded,
		},
		{
			name: "non-critical unhealthy only degrades",
			checkers: []*MockHealthChecker{
				{name: "a", critical: true, result: HealthCheck{Status: HealthStatusHealthy}},
				{name: "b", result: HealthCheck{Status: HealthStatusUnhealthy}},
			},
			want: HealthStatusDegraded,
		},
		{
			name: "critical unhealthy",
			checkers: []*MockHealthChecker{
				{name: "a", critical: true, result: HealthCheck{Status: HealthStatusUnhealthy}},
				{name: "b", result: HealthCheck{Status: HealthStatusDegraded}},
			},
			want: HealthStatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthManager("test-version")
			for _, c := range tt.checkers {
				hm.RegisterChecker(c)
			}

			result := hm.CheckHealth(context.Background())
			if result.Status != tt.want {
				t.Errorf("Expected status %s, got %s", tt.want, result.Status)
			}
			if result.Summary.Total != len(tt.checkers) {
				t.Errorf("Expected total %d, got %d", len(tt.checkers), result.Summary.Total)
			}
			if result.Version != "test-version" {
				t.Errorf("Expected version test-version, got %s", result.Version)
			}
		})
	}
}

func TestHealthManager_LastFailure(t *testing.T) {
	hm := NewHealthManager("v")
	checker := &MockHealthChecker{name: "flaky", result: HealthCheck{Status: HealthStatusUnhealthy}}
	hm.RegisterChecker(checker)

	hm.CheckHealth(context.Background())

	checker.result.Status = HealthStatusHealthy
	result := hm.CheckHealth(context.Background())

	check := result.Checks["flaky"]
	if check.Status != HealthStatusHealthy {
		t.Errorf("Expected healthy status, got %s", check.Status)
	}
	if check.LastFailure == nil {
		t.Error("Expected last failure to be remembered")
	}

	if _, ok := hm.GetLastResults()["flaky"]; !ok {
		t.Error("Expected last results to contain flaky")
	}
}

func TestHealthManager_ServeHTTP(t *testing.T) {
	tests := []struct {
		name   string
		status HealthStatus
		code   int
	}{
		{"healthy", HealthStatusHealthy, http.StatusOK},
		{"degraded", HealthStatusDegraded, http.StatusOK},
		{"unhealthy", HealthStatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthManager("v")
			hm.RegisterChecker(&MockHealthChecker{name: "x", critical: true, result: HealthCheck{Status: tt.status}})

			w := httptest.NewRecorder()
			hm.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.code {
				t.Errorf("Expected code %d, got %d", tt.code, w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Expected JSON content type, got %s", ct)
			}

			var body HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("Failed to decode health body: %v", err)
			}
			if body.Status != tt.status {
				t.Errorf("Expected body status %s, got %s", tt.status, body.Status)
			}
		})
	}
}

func TestBackendHealthChecker(t *testing.T) {
	backend := storage.NewMemoryBackend(10)
	checker := NewBackendHealthChecker(storage.Persistent, backend)

	if checker.Name() != "storage_persistent" {
		t.Errorf("Expected name storage_persistent, got %s", checker.Name())
	}
	if !checker.IsCritical() {
		t.Error("Expected storage check to be critical")
	}

	backend.Set(context.Background(), "k", "v")

	result := checker.Check(context.Background())
	if result.Status != HealthStatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}
	if result.Message != "Storage is operational" {
		t.Errorf("Expected 'Storage is operational', got '%s'", result.Message)
	}
	if result.Details["driver"] != "memory" {
		t.Errorf("Expected driver memory in details, got %v", result.Details["driver"])
	}
	if result.Details["tier"] != "persistent" {
		t.Errorf("Expected tier persistent in details, got %v", result.Details["tier"])
	}
}

func TestBackendHealthChecker_Closed(t *testing.T) {
	backend := storage.NewMemoryBackend(10)
	backend.Close()

	result := NewBackendHealthChecker(storage.Volatile, backend).Check(context.Background())
	if result.Status != HealthStatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", result.Status)
	}
	if !strings.HasPrefix(result.Message, "Storage ping failed") {
		t.Errorf("Expected ping failure message, got '%s'", result.Message)
	}
}

func TestPingChecker(t *testing.T) {
	ok := NewPingChecker("broker", true, func(ctx context.Context) error { return nil })
	if ok.Name() != "broker" || !ok.IsCritical() {
		t.Errorf("Unexpected checker identity %s/%v", ok.Name(), ok.IsCritical())
	}
	if result := ok.Check(context.Background()); result.Status != HealthStatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}

	failing := NewPingChecker("broker", true, func(ctx context.Context) error { return errors.New("connection refused") })
	result := failing.Check(context.Background())
	if result.Status != HealthStatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", result.Status)
	}
	if !strings.Contains(result.Message, "connection refused") {
		t.Errorf("Expected error in message, got '%s'", result.Message)
	}
}

func TestMemoryHealthChecker(t *testing.T) {
	checker := NewMemoryHealthChecker(10240)

	if checker.Name() != "memory" {
		t.Errorf("Expected name 'memory', got '%s'", checker.Name())
	}
	if checker.IsCritical() {
		t.Error("Expected memory check to not be critical")
	}

	result := checker.Check(context.Background())
	if result.Status != HealthStatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}
	for _, key := range []string{"alloc_mb", "sys_mb", "num_gc"} {
		if _, exists := result.Details[key]; !exists {
			t.Errorf("Expected %s in details", key)
		}
	}
}

func TestGoroutineHealthChecker(t *testing.T) {
	checker := NewGoroutineHealthChecker(10000)

	if checker.Name() != "goroutines" {
		t.Errorf("Expected name 'goroutines', got '%s'", checker.Name())
	}

	result := checker.Check(context.Background())
	if result.Status != HealthStatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}
	if result.Message != "Goroutine count is normal" {
		t.Errorf("Expected normal goroutine message, got '%s'", result.Message)
	}
}

func TestGoroutineHealthChecker_Degraded(t *testing.T) {
	current := runtime.NumGoroutine()
	limit := (current * 100) / 85
	if limit <= current {
		t.Skip("Goroutine count too low to land in the degraded range")
	}

	result := NewGoroutineHealthChecker(limit).Check(context.Background())
	if result.Status != HealthStatusDegraded {
		t.Errorf("Expected degraded status, got %s (current: %d, limit: %d)", result.Status, current, limit)
	}
}

type MockHealthChecker struct {
	name     string
	critical bool
	result   HealthCheck
}

func (m *MockHealthChecker) Name() string {
	return m.name
}

func (m *MockHealthChecker) IsCritical() bool {
	return m.critical
}

func (m *MockHealthChecker) Check(ctx context.Context) HealthCheck {
	m.result.Timestamp = time.Now()
	return m.result
}
