package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mersea/llm-relay/internal/events"
	"github.com/mersea/llm-relay/internal/store"
)

// Repo is the CRUD surface over account hashes. List serves from a
// short-lived snapshot cache; local writers drop the snapshot
// synchronously after committing, and RunInvalidation drops it when
// another process publishes an invalidation notice. The TTL is a
// safety net for missed notices.
type Repo struct {
	store store.Store
	bus   *events.Bus

	cacheTTL time.Duration
	mu       sync.Mutex
	snapshot []*Account
	cachedAt time.Time
}

func NewRepo(s store.Store, bus *events.Bus) *Repo {
	return &Repo{store: s, bus: bus, cacheTTL: time.Second}
}

// CreateParams carries everything needed to pool a new account. Token
// material is passed through to the vault by the caller; the repo itself
// never sees plaintext secrets.
type CreateParams struct {
	Name          string
	Provider      string
	Priority      int
	GroupID       string
	MaxConcurrent int
	ModelPatterns []string
	Proxy         *ProxyConfig
}

func (r *Repo) Create(ctx context.Context, p CreateParams) (*Account, error) {
	switch p.Provider {
	case ProviderClaudeOAuth, ProviderClaudeConsole, ProviderGemini, ProviderBedrock:
	default:
		return nil, fmt.Errorf("unknown provider %q", p.Provider)
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 10
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	fields := map[string]string{
		"id":            id,
		"name":          p.Name,
		"provider":      p.Provider,
		"state":         StateActive,
		"priority":      strconv.Itoa(p.Priority),
		"groupId":       p.GroupID,
		"maxConcurrent": strconv.Itoa(p.MaxConcurrent),
		"createdAt":     now.Format(time.RFC3339),
		"expiresAt":     "0",
	}
	if len(p.ModelPatterns) > 0 {
		pats, _ := json.Marshal(p.ModelPatterns)
		fields["modelPatterns"] = string(pats)
	}
	if p.Proxy != nil {
		proxyJSON, _ := json.Marshal(p.Proxy)
		fields["proxy"] = string(proxyJSON)
	}

	if err := r.store.HSetIndexed(ctx, store.KeyAccountPrefix+id, fields, store.KeyAccountIndex, id); err != nil {
		return nil, fmt.Errorf("persist account: %w", err)
	}
	r.invalidate(ctx, events.EventAccountState, id, "created")
	return fromMap(fields), nil
}

// Get returns a read-only projection, or nil when absent.
func (r *Repo) Get(ctx context.Context, id string) (*Account, error) {
	data, err := r.store.HGetAll(ctx, store.KeyAccountPrefix+id)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return fromMap(data), nil
}

// List returns the pool snapshot. Callers must treat the slice and the
// records as read-only; the same snapshot may be served to concurrent
// readers until it is invalidated or the TTL lapses.
func (r *Repo) List(ctx context.Context) ([]*Account, error) {
	r.mu.Lock()
	if r.snapshot != nil && time.Since(r.cachedAt) < r.cacheTTL {
		cached := r.snapshot
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	ids, err := r.store.SMembers(ctx, store.KeyAccountIndex)
	if err != nil {
		return nil, err
	}
	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		data, err := r.store.HGetAll(ctx, store.KeyAccountPrefix+id)
		if err != nil || len(data) == 0 {
			continue
		}
		accounts = append(accounts, fromMap(data))
	}

	r.mu.Lock()
	r.snapshot = accounts
	r.cachedAt = time.Now()
	r.mu.Unlock()
	return accounts, nil
}

// InvalidateCache drops the snapshot so the next List rereads storage.
func (r *Repo) InvalidateCache() {
	r.mu.Lock()
	r.snapshot = nil
	r.mu.Unlock()
}

// RunInvalidation drops the snapshot whenever another process announces
// a write on the invalidation channel. Local writes already invalidate
// synchronously.
func (r *Repo) RunInvalidation(ctx context.Context, log *slog.Logger) {
	ch, stop, err := r.store.Subscribe(ctx, store.ChannelInvalidate)
	if err != nil {
		log.Warn("invalidation subscribe failed, relying on cache TTL", "error", err)
		return
	}
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			r.InvalidateCache()
		}
	}
}

// ListByProvider filters the pool to one provider.
func (r *Repo) ListByProvider(ctx context.Context, provider string) ([]*Account, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Account, 0, len(all))
	for _, a := range all {
		if a.Provider == provider {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *Repo) Delete(ctx context.Context, id string) error {
	if err := r.store.DelIndexed(ctx, store.KeyAccountPrefix+id, store.KeyAccountIndex, id); err != nil {
		return err
	}
	r.invalidate(ctx, events.EventAccountGone, id, "deleted")
	return nil
}

// SetState transitions the account and records the reason.
func (r *Repo) SetState(ctx context.Context, id, state, reason string) error {
	fields := map[string]string{"state": state, "lastError": reason}
	if state == StateActive {
		fields["lastError"] = ""
		fields["cooldownUntil"] = ""
	}
	if err := r.store.HSet(ctx, store.KeyAccountPrefix+id, fields); err != nil {
		return err
	}
	r.invalidate(ctx, events.EventAccountState, id, state)
	return nil
}

// MarkRateLimited parks the account until the given time.
func (r *Repo) MarkRateLimited(ctx context.Context, id string, until time.Time) error {
	err := r.store.HSet(ctx, store.KeyAccountPrefix+id, map[string]string{
		"state":         StateRateLimited,
		"cooldownUntil": until.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	r.invalidate(ctx, events.EventAccountState, id, StateRateLimited)
	return nil
}

// MarkCooldown parks the account after an error streak.
func (r *Repo) MarkCooldown(ctx context.Context, id string, until time.Time, reason string) error {
	err := r.store.HSet(ctx, store.KeyAccountPrefix+id, map[string]string{
		"state":         StateCooldown,
		"cooldownUntil": until.UTC().Format(time.RFC3339),
		"lastError":     reason,
	})
	if err != nil {
		return err
	}
	r.invalidate(ctx, events.EventAccountState, id, StateCooldown)
	return nil
}

// Touch bumps lastUsedAt; failures are ignored by callers (diagnostic
// field only).
func (r *Repo) Touch(ctx context.Context, id string) error {
	return r.store.HSet(ctx, store.KeyAccountPrefix+id, map[string]string{
		"lastUsedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// Update patches arbitrary non-secret fields (admin surface).
func (r *Repo) Update(ctx context.Context, id string, fields map[string]string) error {
	delete(fields, "accessToken")
	delete(fields, "refreshToken")
	if err := r.store.HSet(ctx, store.KeyAccountPrefix+id, fields); err != nil {
		return err
	}
	r.invalidate(ctx, events.EventAccountState, id, "updated")
	return nil
}

// RecoverExpired returns rate-limited/cooldown accounts to active once
// their cooldown has lapsed. Called from the background recovery loop.
func (r *Repo) RecoverExpired(ctx context.Context) (int, error) {
	all, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	var recovered int
	for _, a := range all {
		if a.State != StateRateLimited && a.State != StateCooldown {
			continue
		}
		if a.CooldownUntil != nil && now.Before(*a.CooldownUntil) {
			continue
		}
		if err := r.SetState(ctx, a.ID, StateActive, ""); err == nil {
			recovered++
		}
	}
	return recovered, nil
}

func (r *Repo) invalidate(ctx context.Context, typ events.EventType, id, msg string) {
	r.InvalidateCache()
	if r.bus != nil {
		r.bus.Publish(events.Event{Type: typ, AccountID: id, Message: msg})
	}
	_ = r.store.Publish(ctx, store.ChannelInvalidate, "account:"+id)
}
