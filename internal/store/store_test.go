package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// backends runs the same conformance checks against redis (miniredis) and
// the in-process fallback.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]Store{
		"redis":  NewRedisFromClient(rdb),
		"memory": NewMemory(),
	}
}

func TestKVAndHashOps(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "k", "v", 0))
			v, err := s.Get(ctx, "k")
			require.NoError(t, err)
			require.Equal(t, "v", v)

			ok, err := s.SetNX(ctx, "k", "other", 0)
			require.NoError(t, err)
			require.False(t, ok, "SetNX must not overwrite")

			require.NoError(t, s.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
			all, err := s.HGetAll(ctx, "h")
			require.NoError(t, err)
			require.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

			n, err := s.HIncrBy(ctx, "h", "count", 3)
			require.NoError(t, err)
			require.EqualValues(t, 3, n)

			require.NoError(t, s.HDel(ctx, "h", "a"))
			_, err = s.HGet(ctx, "h", "a")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestIndexedHashLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.HSetIndexed(ctx, KeyAccountPrefix+"a1",
				map[string]string{"id": "a1"}, KeyAccountIndex, "a1"))

			ids, err := s.SMembers(ctx, KeyAccountIndex)
			require.NoError(t, err)
			require.Equal(t, []string{"a1"}, ids)

			require.NoError(t, s.DelIndexed(ctx, KeyAccountPrefix+"a1", KeyAccountIndex, "a1"))
			ids, err = s.SMembers(ctx, KeyAccountIndex)
			require.NoError(t, err)
			require.Empty(t, ids)
		})
	}
}

func TestLockOwnership(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := s.AcquireLock(ctx, "lock", "owner-1", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = s.AcquireLock(ctx, "lock", "owner-2", time.Minute)
			require.NoError(t, err)
			require.False(t, ok)

			// Wrong owner must not release.
			require.NoError(t, s.ReleaseLock(ctx, "lock", "owner-2"))
			ok, err = s.AcquireLock(ctx, "lock", "owner-3", time.Minute)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, s.ReleaseLock(ctx, "lock", "owner-1"))
			ok, err = s.AcquireLock(ctx, "lock", "owner-3", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestSlidingWindowWeights(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, sum, err := s.SlidingWindowAdd(ctx, "w", 40, 100, time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			require.EqualValues(t, 40, sum)

			ok, sum, err = s.SlidingWindowAdd(ctx, "w", 60, 100, time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			require.EqualValues(t, 100, sum)

			ok, _, err = s.SlidingWindowAdd(ctx, "w", 1, 100, time.Minute)
			require.NoError(t, err)
			require.False(t, ok, "window is full")

			total, err := s.SlidingWindowSum(ctx, "w", time.Minute)
			require.NoError(t, err)
			require.EqualValues(t, 100, total)
		})
	}
}

func TestConcurrencySlots(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := KeyInflight + "acct"

			ok, err := s.TryAcquireSlot(ctx, key, "r1", 2, time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = s.TryAcquireSlot(ctx, key, "r2", 2, time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = s.TryAcquireSlot(ctx, key, "r3", 2, time.Minute)
			require.NoError(t, err)
			require.False(t, ok, "cap reached")

			n, err := s.SlotCount(ctx, key)
			require.NoError(t, err)
			require.Equal(t, 2, n)

			require.NoError(t, s.ReleaseSlot(ctx, key, "r1"))
			n, err = s.SlotCount(ctx, key)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			ok, err = s.TryAcquireSlot(ctx, key, "r3", 2, time.Minute)
			require.NoError(t, err)
			require.True(t, ok, "released slot is reusable")
		})
	}
}

func TestCreditsClampAtZero(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := KeyCredits + "k1"

			// Untracked key: no enforcement.
			res, err := s.DecrCredits(ctx, key, 1.5)
			require.NoError(t, err)
			require.False(t, res.Tracked)

			require.NoError(t, s.SetCredits(ctx, key, 10))

			res, err = s.DecrCredits(ctx, key, 4)
			require.NoError(t, err)
			require.True(t, res.Tracked)
			require.False(t, res.Clamped)
			require.InDelta(t, 6, res.Remaining, 1e-9)

			res, err = s.DecrCredits(ctx, key, 100)
			require.NoError(t, err)
			require.True(t, res.Clamped)
			require.Zero(t, res.Remaining)

			bal, tracked, err := s.GetCredits(ctx, key)
			require.NoError(t, err)
			require.True(t, tracked)
			require.Zero(t, bal, "balance never goes negative")
		})
	}
}

func TestPubSubDelivers(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if name == "redis" {
				t.Skip("miniredis pub/sub channel drains flakily under -race")
			}
			ctx := context.Background()

			ch, cancel, err := s.Subscribe(ctx, ChannelInvalidate)
			require.NoError(t, err)
			defer cancel()

			require.NoError(t, s.Publish(ctx, ChannelInvalidate, "account:a1"))

			select {
			case msg := <-ch:
				require.Equal(t, "account:a1", msg)
			case <-time.After(2 * time.Second):
				t.Fatal("no pub/sub delivery")
			}
		})
	}
}
