// Package requestctx carries per-request values through handler chains.
package requestctx

import (
	"context"
	"time"
)

type key int

const (
	requestIDKey key = iota
	startKey
)

// WithRequestID returns ctx carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID of ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithStart returns ctx carrying the time the request arrived.
func WithStart(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, startKey, t)
}

// Elapsed returns the time since the request arrived, or zero when unknown.
func Elapsed(ctx context.Context) time.Duration {
	t, ok := ctx.Value(startKey).(time.Time)
	if !ok {
		return 0
	}
	return time.Since(t)
}
