package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// echoHandler replies with a success envelope carrying the request.
func echoHandler(ctx context.Context, payload []byte) ([]byte, error) {
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"status": 1, "error": "", "echo": data})
}

func panicHandler(ctx context.Context, payload []byte) ([]byte, error) {
	panic("boom")
}

func failingHandler(ctx context.Context, payload []byte) ([]byte, error) {
	return nil, errors.New("handler failed")
}

func decodeEnvelope(t *testing.T, raw []byte) map[string]any {
	t.Helper()

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Failed to decode reply %s: %v", raw, err)
	}
	return out
}

func TestRegistry(t *testing.T) {
	r := newRegistry()

	if err := r.register("device.derpme.get", echoHandler); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.register("device.derpme.get", echoHandler); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
	if err := r.register("", echoHandler); err == nil {
		t.Error("Expected empty name to fail")
	}
	if err := r.register("device.derpme.set", nil); err == nil {
		t.Error("Expected nil handler to fail")
	}

	names := r.freeze()
	if len(names) != 1 || names[0] != "device.derpme.get" {
		t.Errorf("Unexpected names: %v", names)
	}

	if err := r.register("device.derpme.set", echoHandler); !errors.Is(err, ErrServing) {
		t.Errorf("Expected ErrServing after freeze, got %v", err)
	}
	if _, ok := r.lookup("device.derpme.get"); !ok {
		t.Error("Expected registered handler to be found")
	}
}

func TestDispatch(t *testing.T) {
	opts := Options{}.withDefaults("test")
	ctx := context.Background()

	tests := []struct {
		name      string
		handler   Handler
		status    float64
		errSubstr string
	}{
		{"success", echoHandler, 1, ""},
		{"handler error", failingHandler, 0, "handler failed"},
		{"panic", panicHandler, 0, "internal error: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := decodeEnvelope(t, dispatch(ctx, opts, "test", "op", tt.handler, []byte(`{"k":"v"}`)))
			if reply["status"] != tt.status {
				t.Errorf("Expected status %v, got %v", tt.status, reply["status"])
			}
			if tt.errSubstr != "" && !strings.Contains(reply["error"].(string), tt.errSubstr) {
				t.Errorf("Expected error containing %q, got %v", tt.errSubstr, reply["error"])
			}
		})
	}
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		name    string
		service string
		method  string
		wantErr bool
	}{
		{"device.derpme.get", "device.derpme", "get", false},
		{"a.b", "a", "b", false},
		{"get", "", "", true},
		{".get", "", "", true},
		{"device.derpme.", "", "", true},
	}

	for _, tt := range tests {
		service, method, err := SplitName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("SplitName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if service != tt.service || method != tt.method {
			t.Errorf("SplitName(%q) = (%q, %q), want (%q, %q)", tt.name, service, method, tt.service, tt.method)
		}
	}
}

func TestNormalizePayload(t *testing.T) {
	if got := string(normalizePayload(nil)); got != "{}" {
		t.Errorf("normalizePayload(nil) = %s", got)
	}
	if got := string(normalizePayload([]byte(`{"a":1}`))); got != `{"a":1}` {
		t.Errorf("normalizePayload kept %s", got)
	}
}
