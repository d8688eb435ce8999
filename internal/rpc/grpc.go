package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"derpme/internal/logging"
)

// SplitName splits an operation name such as "device.derpme.get" into the
// gRPC service "device.derpme" and method "get".
func SplitName(name string) (service, method string, err error) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", fmt.Errorf("operation name %q has no service part", name)
	}
	return name[:i], name[i+1:], nil
}

// FullMethod returns the gRPC method path of an operation name.
func FullMethod(name string) (string, error) {
	service, method, err := SplitName(name)
	if err != nil {
		return "", err
	}
	return "/" + service + "/" + method, nil
}

// GRPCEndpoint serves operations as unary gRPC methods exchanging
// google.protobuf.Struct messages. Operation names are grouped into one
// service per prefix.
type GRPCEndpoint struct {
	addr     string
	opts     Options
	registry *registry

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	closed   bool
}

var _ Endpoint = (*GRPCEndpoint)(nil)

func NewGRPCEndpoint(addr string, opts Options) *GRPCEndpoint {
	return &GRPCEndpoint{
		addr:     addr,
		opts:     opts.withDefaults("grpc"),
		registry: newRegistry(),
	}
}

// NewGRPCEndpointWithListener serves on an existing listener, such as a
// bufconn listener in tests.
func NewGRPCEndpointWithListener(lis net.Listener, opts Options) *GRPCEndpoint {
	e := NewGRPCEndpoint(lis.Addr().String(), opts)
	e.listener = lis
	return e
}

func (e *GRPCEndpoint) Register(name string, handler Handler) error {
	if _, _, err := SplitName(name); err != nil {
		return err
	}
	return e.registry.register(name, handler)
}

// ServiceDescs builds one service description per service prefix.
func (e *GRPCEndpoint) ServiceDescs(names []string) []*grpc.ServiceDesc {
	byService := make(map[string]*grpc.ServiceDesc)
	var order []string

	for _, name := range names {
		service, method, _ := SplitName(name)
		desc, ok := byService[service]
		if !ok {
			desc = &grpc.ServiceDesc{
				ServiceName: service,
				HandlerType: (*interface{})(nil),
				Metadata:    "derpme",
			}
			byService[service] = desc
			order = append(order, service)
		}
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: method,
			Handler:    e.methodHandler(name),
		})
	}

	descs := make([]*grpc.ServiceDesc, 0, len(order))
	for _, service := range order {
		descs = append(descs, byService[service])
	}
	return descs
}

func (e *GRPCEndpoint) methodHandler(name string) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod, _ := FullMethod(name)

	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}

		invoke := func(ctx context.Context, req interface{}) (interface{}, error) {
			return e.invoke(ctx, name, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return invoke(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, invoke)
	}
}

func (e *GRPCEndpoint) invoke(ctx context.Context, name string, in *structpb.Struct) (*structpb.Struct, error) {
	handler, ok := e.registry.lookup(name)
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown operation %s", name)
	}

	payload, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "failed to encode request: %v", err)
	}

	reply := dispatch(ctx, e.opts, "grpc", name, handler, payload)

	out := new(structpb.Struct)
	if err := protojson.Unmarshal(reply, out); err != nil {
		return nil, status.Errorf(codes.Internal, "handler returned a non-object reply: %v", err)
	}
	return out, nil
}

// correlationInterceptor restores correlation ids from incoming metadata.
func (e *GRPCEndpoint) correlationInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	ids := make(map[string]string)
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, key := range []string{logging.CorrelationIDMetadataKey, logging.RequestIDMetadataKey} {
			if values := md.Get(key); len(values) > 0 {
				ids[key] = values[0]
			}
		}
	}
	ctx = logging.ContextFromMetadata(ctx, ids)

	resp, err := handler(ctx, req)
	if err != nil {
		e.opts.Logger.ErrorContext(ctx, "gRPC request failed",
			"method", info.FullMethod,
			"error", err.Error(),
		)
	}
	return resp, err
}

func (e *GRPCEndpoint) Serve(ctx context.Context) error {
	names := e.registry.freeze()
	if len(names) == 0 {
		return errors.New("no operations registered")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.listener == nil {
		lis, err := net.Listen("tcp", e.addr)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to listen on %s: %w", e.addr, err)
		}
		e.listener = lis
	}
	e.server = grpc.NewServer(grpc.UnaryInterceptor(e.correlationInterceptor))
	for _, desc := range e.ServiceDescs(names) {
		e.server.RegisterService(desc, e)
	}
	server, lis := e.server, e.listener
	e.mu.Unlock()

	e.opts.Logger.Info("Serving operations over gRPC",
		"address", lis.Addr().String(),
		"operations", names,
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		server.GracefulStop()
		<-errChan
		return nil
	case err := <-errChan:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	}
}

func (e *GRPCEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if e.server != nil {
		e.server.GracefulStop()
		return nil
	}
	if e.listener != nil {
		return e.listener.Close()
	}
	return nil
}

// GRPCCaller invokes operations on a GRPCEndpoint.
type GRPCCaller struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

var _ Caller = (*GRPCCaller)(nil)

func NewGRPCCaller(target string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCCaller, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", target, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GRPCCaller{conn: conn, timeout: timeout}, nil
}

func (c *GRPCCaller) Call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	method, err := FullMethod(name)
	if err != nil {
		return nil, err
	}

	in := new(structpb.Struct)
	if err := protojson.Unmarshal(normalizePayload(payload), in); err != nil {
		return nil, fmt.Errorf("request payload must be a JSON object: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if ids := logging.MetadataFromContext(ctx); len(ids) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(ids))
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		switch status.Code(err) {
		case codes.DeadlineExceeded:
			return nil, fmt.Errorf("%w: %s", ErrTimeout, name)
		case codes.Unimplemented:
			return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
		}
		return nil, fmt.Errorf("gRPC call %s failed: %w", name, err)
	}
	return protojson.Marshal(out)
}

func (c *GRPCCaller) Close() error {
	return c.conn.Close()
}
