package tracing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"derpme/internal/config"
)

func TestNewTracingService_Disabled(t *testing.T) {
	ts, err := NewTracingService(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewTracingService() error = %v", err)
	}

	if ts.Enabled() {
		t.Error("Expected disabled tracing service")
	}

	_, span := ts.InstrumentOperation(context.Background(), "get")
	span.End()

	if err := ts.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNewTracingService_UnsupportedExporter(t *testing.T) {
	_, err := NewTracingService(config.TracingConfig{Enabled: true, ExporterType: "jaeger"})
	if err == nil || !strings.Contains(err.Error(), "unsupported exporter type") {
		t.Errorf("Expected unsupported exporter error, got %v", err)
	}
}

func TestConsoleExporter(t *testing.T) {
	var buf bytes.Buffer
	ts, err := newTracingService(config.TracingConfig{
		Enabled:        true,
		ServiceName:    "derpme-test",
		ServiceVersion: "test",
		Environment:    "test",
		ExporterType:   "console",
		SamplingRatio:  1.0,
	}, &buf)
	if err != nil {
		t.Fatalf("newTracingService() error = %v", err)
	}

	ctx, span := ts.InstrumentOperation(context.Background(), "lget")
	_, child := ts.InstrumentStorageOperation(ctx, "lrange", "volatile")
	ts.RecordError(child, errors.New("boom"))
	child.End()
	span.End()

	if err := ts.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	output := buf.String()
	for _, want := range []string{`"name":"derpme.lget"`, `"name":"storage.lrange"`, `"storage.tier":"volatile"`, `"status":"Error"`} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected console output to contain %s, got %s", want, output)
		}
	}
}

func TestOTLPClient(t *testing.T) {
	tests := []string{"localhost:4318", "https://collector.example.com:4318/v1/traces"}
	for _, endpoint := range tests {
		if client := otlpClient(config.TracingConfig{OTLPEndpoint: endpoint}); client == nil {
			t.Errorf("otlpClient(%s) returned nil", endpoint)
		}
	}
}
