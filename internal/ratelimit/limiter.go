// Package ratelimit enforces per-key quotas: sliding request and token
// windows, key-level concurrency, daily cost caps, and prepaid credit
// balances.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mersea/llm-relay/internal/apikey"
	"github.com/mersea/llm-relay/internal/config"
	"github.com/mersea/llm-relay/internal/events"
	"github.com/mersea/llm-relay/internal/store"
	"github.com/mersea/llm-relay/internal/usage"
)

// LimitError reports which quota rejected the request.
type LimitError struct {
	Scope      string // requests, tokens, concurrency, daily-cost, credits
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("quota exceeded: %s", e.Scope)
}

type Limiter struct {
	store   store.Store
	cfg     *config.Config
	pricing Pricing
	bus     *events.Bus
	log     *slog.Logger
}

func New(s store.Store, cfg *config.Config, pricing Pricing, bus *events.Bus, log *slog.Logger) *Limiter {
	return &Limiter{
		store:   s,
		cfg:     cfg,
		pricing: pricing,
		bus:     bus,
		log:     log.With("component", "ratelimit"),
	}
}

// Grant is a successful admission. Release frees the key's concurrency
// slot and must be called exactly once.
type Grant struct {
	release func(context.Context)
}

func (g *Grant) Release(ctx context.Context) {
	if g.release != nil {
		g.release(ctx)
		g.release = nil
	}
}

// Admit runs every quota check for the key. Window checks happen before
// the concurrency slot is claimed so a rejected request never holds a
// slot.
func (l *Limiter) Admit(ctx context.Context, k *apikey.Key) (*Grant, error) {
	window := k.Quota.Window()

	if limit := k.Quota.TokensPerWindow; limit > 0 {
		sum, err := l.store.SlidingWindowSum(ctx, store.KeyRateLimit+"tok:"+k.ID, window)
		if err != nil {
			return nil, fmt.Errorf("token window: %w", err)
		}
		if sum >= limit {
			return nil, &LimitError{Scope: "tokens", RetryAfter: window}
		}
	}

	// A nil limit means unlimited; a zero limit blocks every request.
	if k.DailyCostLimit != nil {
		daily := *k.DailyCostLimit
		if daily <= 0 {
			return nil, &LimitError{Scope: "daily-cost", RetryAfter: untilMidnightUTC()}
		}
		spent, err := usage.DailyCostUSD(ctx, l.store, k.ID)
		if err != nil {
			return nil, fmt.Errorf("daily cost: %w", err)
		}
		if spent >= daily {
			return nil, &LimitError{Scope: "daily-cost", RetryAfter: untilMidnightUTC()}
		}
	}

	if err := l.checkCredits(ctx, k); err != nil {
		return nil, err
	}

	if limit := k.Quota.RequestsPerWindow; limit > 0 {
		ok, _, err := l.store.SlidingWindowAdd(ctx, store.KeyRateLimit+"req:"+k.ID, 1, limit, window)
		if err != nil {
			return nil, fmt.Errorf("request window: %w", err)
		}
		if !ok {
			return nil, &LimitError{Scope: "requests", RetryAfter: window}
		}
	}

	if limit := k.Quota.MaxConcurrent; limit > 0 {
		slotKey := store.KeyInflight + "key:" + k.ID
		member := uuid.NewString()
		ttl := l.cfg.RequestTimeout + l.cfg.InflightSlotGrace
		ok, err := l.store.TryAcquireSlot(ctx, slotKey, member, limit, ttl)
		if err != nil {
			return nil, fmt.Errorf("key slot: %w", err)
		}
		if !ok {
			return nil, &LimitError{Scope: "concurrency", RetryAfter: time.Second}
		}
		return &Grant{release: func(ctx context.Context) {
			_ = l.store.ReleaseSlot(ctx, slotKey, member)
		}}, nil
	}
	return &Grant{}, nil
}

// checkCredits gates on the prepaid balance. Untracked keys pass. A
// drained balance blocks under the hard policy; the soft policy lets the
// in-flight request through and relies on Settle clamping at zero.
func (l *Limiter) checkCredits(ctx context.Context, k *apikey.Key) error {
	balance, tracked, err := l.store.GetCredits(ctx, store.KeyCredits+k.ID)
	if err != nil {
		return fmt.Errorf("read credits: %w", err)
	}
	if !tracked || balance > 0 {
		return nil
	}
	if l.cfg.OverdrawPolicy == config.OverdrawHard {
		return &LimitError{Scope: "credits"}
	}
	return nil
}

// Settle charges a finished request: token weight into the sliding
// window, cost against credits and the caller's usage record.
func (l *Limiter) Settle(ctx context.Context, k *apikey.Key, model string, tk usage.Tokens) float64 {
	window := k.Quota.Window()

	if total := tk.Total(); total > 0 && k.Quota.TokensPerWindow > 0 {
		// Post-hoc accounting: the weight always lands even when it
		// overshoots the limit, so the next Admit sees the real sum.
		_, _, err := l.store.SlidingWindowAdd(ctx, store.KeyRateLimit+"tok:"+k.ID, total, 1<<62, window)
		if err != nil {
			l.log.Error("token window settle failed", "keyId", k.ID, "error", err)
		}
	}

	cost := l.pricing.Cost(model, tk)
	if cost > 0 {
		res, err := l.store.DecrCredits(ctx, store.KeyCredits+k.ID, cost)
		if err != nil {
			l.log.Error("credit settle failed", "keyId", k.ID, "error", err)
		} else if res.Tracked && res.Clamped {
			l.log.Warn("credit balance drained", "keyId", k.ID, "cost", cost)
			if l.bus != nil {
				l.bus.Publish(events.Event{Type: events.EventOverdraw, KeyID: k.ID, Message: model})
			}
		}
	}
	return cost
}

// SetCredits loads or resets a key's prepaid balance (admin surface).
func (l *Limiter) SetCredits(ctx context.Context, keyID string, balance float64) error {
	return l.store.SetCredits(ctx, store.KeyCredits+keyID, balance)
}

// Credits reads the balance; tracked is false for pay-as-you-go keys.
func (l *Limiter) Credits(ctx context.Context, keyID string) (balance float64, tracked bool, err error) {
	return l.store.GetCredits(ctx, store.KeyCredits+keyID)
}

// RunReaper clears concurrency slots whose holders died without
// releasing. Slot members are scored by deadline, so anything scored in
// the past is garbage.
func (l *Limiter) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reap(ctx)
		}
	}
}

func (l *Limiter) reap(ctx context.Context) {
	keys, err := l.store.ScanKeys(ctx, store.KeyInflight)
	if err != nil {
		l.log.Error("scan inflight slots failed", "error", err)
		return
	}
	var total int
	for _, key := range keys {
		n, err := l.store.ReapSlots(ctx, key, time.Now())
		if err != nil {
			continue
		}
		total += n
	}
	if total > 0 {
		l.log.Info("reaped stale inflight slots", "count", total)
	}
}

func untilMidnightUTC() time.Duration {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return midnight.Sub(now)
}
