package client

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"derpme/internal/rpc"
)

func TestDialOptions_Addr(t *testing.T) {
	tests := []struct {
		name string
		opts DialOptions
		want string
	}{
		{"redis default port", DialOptions{Kind: "redis", Host: "broker"}, "broker:6379"},
		{"grpc default port", DialOptions{Kind: "GRPC", Host: "10.0.0.1"}, "10.0.0.1:9090"},
		{"http default port", DialOptions{Kind: "Http"}, "localhost:8080"},
		{"explicit port", DialOptions{Kind: "http", Host: "svc", Port: 7000}, "svc:7000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opts.addr(); got != tt.want {
				t.Errorf("addr() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewCaller(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{"redis", "*rpc.RedisCaller"},
		{"grpc", "*rpc.GRPCCaller"},
		{"HTTP", "*rpc.HTTPCaller"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			caller, err := NewCaller(DialOptions{Kind: tt.kind, Host: "127.0.0.1"})
			if err != nil {
				t.Fatalf("NewCaller failed: %v", err)
			}
			defer caller.Close()

			var got string
			switch caller.(type) {
			case *rpc.RedisCaller:
				got = "*rpc.RedisCaller"
			case *rpc.GRPCCaller:
				got = "*rpc.GRPCCaller"
			case *rpc.HTTPCaller:
				got = "*rpc.HTTPCaller"
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %T", tt.want, caller)
			}
		})
	}

	if _, err := NewCaller(DialOptions{Kind: "amqp"}); err == nil || !strings.Contains(err.Error(), "unsupported broker kind") {
		t.Errorf("Expected unsupported broker kind error, got %v", err)
	}
}

func TestDial_HTTP(t *testing.T) {
	srv := startTestServer(t, false)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("Failed to parse server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("Failed to split host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	var logs bytes.Buffer
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tests := []struct {
		name string
		host string
	}{
		{"bare host", host},
		{"host with scheme", "http://" + host},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			derp, err := Dial(DialOptions{Kind: "http", Host: tt.host, Port: port, RequestTimeout: 5 * time.Second}, cfg)
			if err != nil {
				t.Fatalf("Dial failed: %v", err)
			}
			defer derp.Close()

			ctx := context.Background()
			if err := derp.Set(ctx, "dialed", "yes", false); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			val, err := derp.Get(ctx, "dialed", false)
			if err != nil || val == nil || *val != "yes" {
				t.Errorf("Expected yes, got %v (err %v)", val, err)
			}
		})
	}

	if _, err := Dial(DialOptions{Kind: "mqtt"}, cfg); err == nil {
		t.Error("Expected Dial to reject an unknown broker kind")
	}
}

func TestTransportErrorsAreExported(t *testing.T) {
	if !errors.Is(rpc.ErrTimeout, ErrTimeout) || !errors.Is(rpc.ErrUnknownOperation, ErrUnknownOperation) {
		t.Error("Expected client transport errors to match the rpc sentinels")
	}
}
