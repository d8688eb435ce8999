package logging

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	CorrelationIDHeader = "X-Correlation-ID"
	RequestIDHeader     = "X-Request-ID"
)

// Metadata keys used when correlation ids travel outside HTTP headers
// (gRPC metadata, redis message headers).
const (
	CorrelationIDMetadataKey = "correlation-id"
	RequestIDMetadataKey     = "request-id"
)

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return "cor_" + uuid.NewString()
}

// GenerateRequestID generates a new request ID
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

// CorrelationIDMiddleware is HTTP middleware that adds correlation ID to requests
func CorrelationIDMiddleware(service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := SanitizeCorrelationID(r.Header.Get(CorrelationIDHeader))
			if correlationID == "" {
				correlationID = GenerateCorrelationID()
			}

			requestID := SanitizeCorrelationID(r.Header.Get(RequestIDHeader))
			if requestID == "" {
				requestID = GenerateRequestID()
			}

			ctx := CreateContextWithIDs(r.Context(), correlationID, requestID)
			ctx = context.WithValue(ctx, ServiceKey, service)

			w.Header().Set(CorrelationIDHeader, correlationID)
			w.Header().Set(RequestIDHeader, requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggingMiddleware logs HTTP requests and responses
func LoggingMiddleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			logger.DebugContext(r.Context(), "HTTP request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status_code", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"response_size", wrapped.size,
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture response details
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(data)
	rw.size += int64(size)
	return size, err
}

// ExtractCorrelationID extracts correlation ID from context
func ExtractCorrelationID(ctx context.Context) string {
	if id := ctx.Value(CorrelationIDKey); id != nil {
		if str, ok := id.(string); ok {
			return str
		}
	}
	return ""
}

// ExtractRequestID extracts request ID from context
func ExtractRequestID(ctx context.Context) string {
	if id := ctx.Value(RequestIDKey); id != nil {
		if str, ok := id.(string); ok {
			return str
		}
	}
	return ""
}

// PropagateCorrelationID propagates correlation ID to outgoing HTTP requests
func PropagateCorrelationID(ctx context.Context, req *http.Request) {
	if correlationID := ExtractCorrelationID(ctx); correlationID != "" {
		req.Header.Set(CorrelationIDHeader, correlationID)
	}
	if requestID := ExtractRequestID(ctx); requestID != "" {
		req.Header.Set(RequestIDHeader, requestID)
	}
}

// MetadataFromContext returns the correlation ids carried by ctx, keyed for
// gRPC metadata or message headers.
func MetadataFromContext(ctx context.Context) map[string]string {
	metadata := make(map[string]string)

	if correlationID := ExtractCorrelationID(ctx); correlationID != "" {
		metadata[CorrelationIDMetadataKey] = correlationID
	}
	if requestID := ExtractRequestID(ctx); requestID != "" {
		metadata[RequestIDMetadataKey] = requestID
	}

	return metadata
}

// ContextFromMetadata is the inverse of MetadataFromContext. Missing ids are
// generated so every dispatched request can be correlated in logs.
func ContextFromMetadata(ctx context.Context, metadata map[string]string) context.Context {
	correlationID := SanitizeCorrelationID(metadata[CorrelationIDMetadataKey])
	if correlationID == "" {
		correlationID = GenerateCorrelationID()
	}
	requestID := SanitizeCorrelationID(metadata[RequestIDMetadataKey])
	if requestID == "" {
		requestID = GenerateRequestID()
	}
	return CreateContextWithIDs(ctx, correlationID, requestID)
}

// CreateContextWithIDs creates a context with correlation and request IDs
func CreateContextWithIDs(ctx context.Context, correlationID, requestID string) context.Context {
	if correlationID != "" {
		ctx = context.WithValue(ctx, CorrelationIDKey, correlationID)
	}
	if requestID != "" {
		ctx = context.WithValue(ctx, RequestIDKey, requestID)
	}
	return ctx
}

// SanitizeCorrelationID sanitizes correlation ID to prevent log injection
func SanitizeCorrelationID(id string) string {
	id = strings.ReplaceAll(id, "\n", "")
	id = strings.ReplaceAll(id, "\r", "")
	id = strings.ReplaceAll(id, "\t", "")

	if len(id) > 64 {
		id = id[:64]
	}

	return id
}
