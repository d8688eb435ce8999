package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPrometheusExporter_ServeHTTP(t *testing.T) {
	metrics := NewServiceMetrics("1.2.3")
	metrics.ObserveOperation("set", "volatile", 1, 4*time.Millisecond)
	metrics.ObserveOperation("set", "volatile", 0, time.Millisecond)

	exporter := NewPrometheusExporter(metrics)

	w := httptest.NewRecorder()
	exporter.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Expected text/plain content type, got %s", ct)
	}

	body := w.Body.String()
	expected := []string{
		"# TYPE derpme_operations_total counter",
		`derpme_operations_total{operation="set",status="success",tier="volatile"} 1`,
		`derpme_operations_total{operation="set",status="failure",tier="volatile"} 1`,
		"# TYPE derpme_operation_duration_seconds histogram",
		`derpme_operation_duration_seconds_bucket{le="+Inf",operation="set",tier="volatile"} 2`,
		`derpme_operation_duration_seconds_count{operation="set",tier="volatile"} 2`,
		`derpme_build_info{go_version=`,
		`version="1.2.3"} 1`,
		"# TYPE derpme_goroutines gauge",
	}
	for _, line := range expected {
		if !strings.Contains(body, line) {
			t.Errorf("Expected output to contain %q\n%s", line, body)
		}
	}

	if n := strings.Count(body, "# TYPE derpme_operations_total"); n != 1 {
		t.Errorf("Expected one TYPE line per metric name, got %d", n)
	}
}

func TestFormatLabels(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		want   string
	}{
		{"nil", nil, ""},
		{"empty values skipped", map[string]string{"a": ""}, ""},
		{"sorted", map[string]string{"b": "2", "a": "1"}, `{a="1",b="2"}`},
		{"escaped", map[string]string{"k": "say \"hi\"\n"}, `{k="say \"hi\"\n"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatLabels(tt.labels); got != tt.want {
				t.Errorf("formatLabels() = %s, want %s", got, tt.want)
			}
		})
	}
}
