package client

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"derpme/internal/config"
	"derpme/internal/rpc"
)

// DialOptions locate the broker the service listens on.
type DialOptions struct {
	// Kind is redis, grpc or http, in any case.
	Kind string
	Host string
	// Port defaults to 6379, 9090 or 8080 by kind when zero.
	Port     int
	Username string
	Password string
	// DB is the redis database of the request lists.
	DB int
	// RequestTimeout bounds one transport call. Zero means 30s.
	RequestTimeout time.Duration
	// ReplyTTL bounds how long an unread redis reply queue survives.
	ReplyTTL time.Duration
}

func (o DialOptions) kind() string {
	return config.NormalizeBrokerKind(o.Kind)
}

func (o DialOptions) addr() string {
	port := o.Port
	if port == 0 {
		port = config.DefaultBrokerPort(o.kind())
	}
	host := o.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Dial builds the caller matching the broker kind and wraps it in a Client.
func Dial(opts DialOptions, cfg *Config) (*Client, error) {
	caller, err := NewCaller(opts)
	if err != nil {
		return nil, err
	}

	client, err := NewClient(caller, cfg)
	if err != nil {
		caller.Close()
		return nil, err
	}
	return client, nil
}

func NewCaller(opts DialOptions) (Caller, error) {
	addr := opts.addr()

	switch opts.kind() {
	case config.BrokerRedis:
		return rpc.NewRedisCaller(rpc.RedisOptions{
			Addr:     addr,
			Username: opts.Username,
			Password: opts.Password,
			DB:       opts.DB,
			ReplyTTL: opts.ReplyTTL,
		}, opts.RequestTimeout), nil

	case config.BrokerGRPC:
		return rpc.NewGRPCCaller(addr, opts.RequestTimeout)

	case config.BrokerHTTP:
		scheme := "http"
		if i := strings.Index(opts.Host, "://"); i >= 0 {
			scheme, opts.Host = opts.Host[:i], opts.Host[i+3:]
			addr = opts.addr()
		}
		return rpc.NewHTTPCaller(scheme+"://"+addr, opts.RequestTimeout), nil

	default:
		return nil, fmt.Errorf("unsupported broker kind %q", opts.Kind)
	}
}
