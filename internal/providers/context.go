package providers

import "context"

type requestIDKeyType struct{}

// RequestIDKey carries the correlation ID attached to every gateway request.
var RequestIDKey = requestIDKeyType{}

// WithRequestID returns a context carrying the given correlation ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestID extracts the correlation ID, "" when absent.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
