// Package store abstracts the relay's key-value persistence. The primary
// backend is redis; an in-process fallback keeps a single instance serving
// when redis is unreachable at startup.
package store

import (
	"context"
	"errors"
	"time"
)

// Key layout. Everything the relay persists lives under these prefixes.
const (
	KeyAPIKeyPrefix  = "apikey:"
	KeyAPIKeyHashMap = "apikey_hash"
	KeyAccountPrefix = "account:"
	KeyAccountIndex  = "account:index"
	KeyGroupPrefix   = "account_group:"
	KeyGroupIndex    = "account_group:index"
	KeySessionPrefix = "session:"
	KeyInflight      = "inflight:"
	KeyRateLimit     = "rl:"
	KeyCredits       = "credits:"
	KeyUsageDaily    = "usage:daily:"
	KeyRefreshLock   = "refresh_lock:"
	KeyRoundRobin    = "rr:"

	// ChannelInvalidate carries cache invalidation notices (entity:id).
	ChannelInvalidate = "relay:invalidate"
)

var ErrNotFound = errors.New("store: not found")

// Store is the KV adapter used by every stateful component.
type Store interface {
	Ping(ctx context.Context) error
	Close() error
	// Name identifies the backend ("redis" or "memory") for health output.
	Name() string

	// Plain keys
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Hashes
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// Sets (entity indexes)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// HSetIndexed writes a hash and adds the id to an index set in one
	// pipeline; DelIndexed is the inverse.
	HSetIndexed(ctx context.Context, key string, fields map[string]string, indexKey, member string) error
	DelIndexed(ctx context.Context, key, indexKey, member string) error

	// ScanKeys returns all keys matching prefix+"*".
	ScanKeys(ctx context.Context, prefix string) ([]string, error)

	// Pub/sub for cache invalidation. The returned cancel func must be
	// called to release the subscription.
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	// AcquireLock takes a TTL'd lock owned by owner; ReleaseLock only
	// releases when owner still holds it.
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error

	// SlidingWindowAdd trims entries older than window, then admits the
	// given weight iff the in-window sum stays within limit. Atomic.
	SlidingWindowAdd(ctx context.Context, key string, weight, limit int64, window time.Duration) (bool, int64, error)
	// SlidingWindowSum reports the current in-window weight sum.
	SlidingWindowSum(ctx context.Context, key string, window time.Duration) (int64, error)

	// TryAcquireSlot reaps expired slots, then claims one iff fewer than
	// limit are held. Slots self-expire after ttl to survive crashed
	// holders. Atomic.
	TryAcquireSlot(ctx context.Context, key, member string, limit int, ttl time.Duration) (bool, error)
	ReleaseSlot(ctx context.Context, key, member string) error
	SlotCount(ctx context.Context, key string) (int, error)
	// ReapSlots drops slots whose deadline passed before the given time.
	ReapSlots(ctx context.Context, key string, before time.Time) (int, error)

	// DecrCredits decrements a monetary balance without going negative:
	// the balance clamps at zero and the result flags the overdraw. Atomic.
	DecrCredits(ctx context.Context, key string, cost float64) (CreditResult, error)
	SetCredits(ctx context.Context, key string, balance float64) error
	GetCredits(ctx context.Context, key string) (float64, bool, error)
}

// CreditResult reports the outcome of an atomic credit decrement.
type CreditResult struct {
	// Tracked is false when no balance exists for the key (credits are
	// not enforced for it).
	Tracked bool
	// Remaining is the post-decrement balance, clamped at zero.
	Remaining float64
	// Clamped reports that the decrement would have gone negative.
	Clamped bool
}
