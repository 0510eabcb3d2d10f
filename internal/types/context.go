package types

import "context"

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID stores a correlation id in the context. HTTP requests, ticks
// and Lambda invocations each get one; outbound provider calls carry it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the correlation id from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
