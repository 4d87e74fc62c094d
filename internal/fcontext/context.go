// Package fcontext carries request scoped values through context.
package fcontext

import "context"

type ctxKey uint8

const (
	keyRequestID ctxKey = iota + 1
	keyRemoteAddr
)

// WithRequestID adds request id to ctx
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, keyRequestID, rid)
}

// RequestID gets request id from context.
func RequestID(ctx context.Context) string {
	return stringValue(ctx, keyRequestID)
}

// WithRemoteAddr stores address of the peer, as seen behind proxies.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, keyRemoteAddr, addr)
}

func RemoteAddr(ctx context.Context) string {
	return stringValue(ctx, keyRemoteAddr)
}

func stringValue(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}
