package relay

import (
	"context"

	"github.com/mersea/llm-relay/internal/apikey"
)

type ctxKey int

const keyCtxKey ctxKey = iota

// WithKey attaches the authenticated API key to the request context.
func WithKey(ctx context.Context, k *apikey.Key) context.Context {
	return context.WithValue(ctx, keyCtxKey, k)
}

// KeyFromContext returns the authenticated key, or nil.
func KeyFromContext(ctx context.Context) *apikey.Key {
	k, _ := ctx.Value(keyCtxKey).(*apikey.Key)
	return k
}
