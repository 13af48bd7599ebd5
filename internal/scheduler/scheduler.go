// Package scheduler picks the upstream account for each request.
// Selection order: dedicated binding, then sticky session, then the
// key's group policy, then the shared pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/mersea/llm-relay/internal/account"
	"github.com/mersea/llm-relay/internal/apikey"
	"github.com/mersea/llm-relay/internal/config"
	"github.com/mersea/llm-relay/internal/crypto"
	"github.com/mersea/llm-relay/internal/store"
)

// NoAccountError reports an empty candidate pool. RetryAfter is the
// shortest cooldown among parked candidates, clamped to [1s, 60s].
type NoAccountError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *NoAccountError) Error() string {
	return fmt.Sprintf("no account available: %s (retry after %s)", e.Reason, e.RetryAfter)
}

type Scheduler struct {
	repo  *account.Repo
	store store.Store
	cfg   *config.Config
	log   *slog.Logger

	// breakerAllow gates each claim; it may admit a half-open probe,
	// which breakerRelease hands back when the claim then fails for
	// capacity. Both nil means no breaker.
	breakerAllow   func(accountID string) bool
	breakerRelease func(accountID string)
}

func New(repo *account.Repo, s store.Store, cfg *config.Config, log *slog.Logger) *Scheduler {
	return &Scheduler{repo: repo, store: s, cfg: cfg, log: log.With("component", "scheduler")}
}

// SetBreaker wires the circuit breaker's admission check and probe
// release.
func (s *Scheduler) SetBreaker(allow func(accountID string) bool, release func(accountID string)) {
	s.breakerAllow = allow
	s.breakerRelease = release
}

// Request describes what the caller needs from the pool.
type Request struct {
	Key         *apikey.Key
	Model       string
	Fingerprint string   // sticky session fingerprint, empty to disable
	Providers   []string // restrict to these providers, empty for any
	ExcludeIDs  []string
}

// Selection is a granted account plus its concurrency slot. The caller
// must Release exactly once when the request finishes.
type Selection struct {
	Account *account.Account
	Sticky  bool

	// StickyMiss is set when a prior session mapping existed but the
	// pinned account could not serve, so the request was re-dispatched.
	StickyMiss bool

	slotKey    string
	slotMember string
	store      store.Store
}

// Release frees the concurrency slot.
func (sel *Selection) Release(ctx context.Context) {
	if sel.store != nil {
		_ = sel.store.ReleaseSlot(ctx, sel.slotKey, sel.slotMember)
	}
}

// Select resolves an account for the request and claims a concurrency
// slot on it. Accounts whose slots are all taken are skipped, not
// waited on.
func (s *Scheduler) Select(ctx context.Context, req Request) (*Selection, error) {
	now := time.Now()

	// Dedicated binding pins the request. An unusable dedicated account
	// is a hard failure, never a fallthrough to the pool.
	if req.Key != nil && req.Key.DedicatedAccountID != "" {
		acct, err := s.repo.Get(ctx, req.Key.DedicatedAccountID)
		if err != nil {
			return nil, err
		}
		if acct == nil || !s.eligible(acct, req, now) {
			return nil, s.exhausted([]*account.Account{acct}, "dedicated account unavailable", now)
		}
		sel, err := s.claim(ctx, acct)
		if err != nil {
			return nil, err
		}
		if sel == nil {
			return nil, s.exhausted([]*account.Account{acct}, "dedicated account at capacity", now)
		}
		return sel, nil
	}

	candidates, err := s.candidates(ctx, req, now)
	if err != nil {
		return nil, err
	}

	// Sticky session: reuse the previous account when it is still in
	// the candidate set, otherwise fall through and re-pin below.
	stickyMiss := false
	if req.Fingerprint != "" {
		sel, hadMapping := s.trySticky(ctx, req, candidates)
		if sel != nil {
			return sel, nil
		}
		stickyMiss = hadMapping
	}

	if len(candidates) == 0 {
		all, _ := s.repo.List(ctx)
		return nil, s.exhausted(all, "pool empty for model "+req.Model, now)
	}

	ordered, err := s.order(ctx, req, candidates)
	if err != nil {
		return nil, err
	}

	for _, acct := range ordered {
		sel, err := s.claim(ctx, acct)
		if err != nil {
			return nil, err
		}
		if sel == nil {
			continue // at capacity, try the next one
		}
		if req.Fingerprint != "" {
			s.pin(ctx, req.Fingerprint, acct.ID)
		}
		sel.StickyMiss = stickyMiss
		if err := s.repo.Touch(ctx, acct.ID); err != nil {
			s.log.Debug("touch account failed", "accountId", acct.ID, "error", err)
		}
		return sel, nil
	}
	return nil, s.exhausted(ordered, "all candidates at capacity", now)
}

func (s *Scheduler) candidates(ctx context.Context, req Request, now time.Time) ([]*account.Account, error) {
	var pool []*account.Account
	var err error

	if req.Key != nil && req.Key.GroupID != "" {
		group, gerr := s.repo.GetGroup(ctx, req.Key.GroupID)
		if gerr != nil {
			return nil, gerr
		}
		if group == nil {
			return nil, fmt.Errorf("key bound to unknown group %s", req.Key.GroupID)
		}
		for _, id := range group.Members {
			acct, gerr := s.repo.Get(ctx, id)
			if gerr != nil || acct == nil {
				continue
			}
			pool = append(pool, acct)
		}
	} else {
		pool, err = s.repo.List(ctx)
		if err != nil {
			return nil, err
		}
	}

	// pool may be a shared repo snapshot, so filter into a fresh slice.
	out := make([]*account.Account, 0, len(pool))
	for _, acct := range pool {
		if s.eligible(acct, req, now) {
			out = append(out, acct)
		}
	}
	return out, nil
}

func (s *Scheduler) eligible(acct *account.Account, req Request, now time.Time) bool {
	if acct == nil {
		return false
	}
	if slices.Contains(req.ExcludeIDs, acct.ID) {
		return false
	}
	if len(req.Providers) > 0 && !slices.Contains(req.Providers, acct.Provider) {
		return false
	}
	if !acct.Usable(now) {
		return false
	}
	if !acct.SupportsModel(req.Model) {
		return false
	}
	return true
}

// order sorts candidates by the applicable policy. Group keys use the
// group's policy; everyone else gets the shared-pool ordering of
// priority, load, recency.
func (s *Scheduler) order(ctx context.Context, req Request, candidates []*account.Account) ([]*account.Account, error) {
	policy := account.PolicyPriority
	var policyKey string
	if req.Key != nil && req.Key.GroupID != "" {
		group, err := s.repo.GetGroup(ctx, req.Key.GroupID)
		if err != nil {
			return nil, err
		}
		if group != nil {
			policy = group.Policy
			policyKey = group.ID
		}
	}

	switch policy {
	case account.PolicyRoundRobin:
		return s.roundRobin(ctx, policyKey, candidates)
	case account.PolicyLeastLoaded:
		return s.leastLoaded(ctx, candidates), nil
	default:
		sorted := slices.Clone(candidates)
		counts := s.slotCounts(ctx, sorted)
		sort.SliceStable(sorted, func(i, j int) bool {
			a, b := sorted[i], sorted[j]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			if counts[a.ID] != counts[b.ID] {
				return counts[a.ID] < counts[b.ID]
			}
			au, bu := lastUsed(a), lastUsed(b)
			if !au.Equal(bu) {
				return au.Before(bu)
			}
			return a.ID < b.ID
		})
		return sorted, nil
	}
}

func (s *Scheduler) roundRobin(ctx context.Context, groupID string, candidates []*account.Account) ([]*account.Account, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}
	sorted := slices.Clone(candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	cursor, err := s.store.HIncrBy(ctx, store.KeyRoundRobin+groupID, "cursor", 1)
	if err != nil {
		return nil, err
	}
	offset := int(cursor % int64(len(sorted)))
	return append(sorted[offset:], sorted[:offset]...), nil
}

func (s *Scheduler) leastLoaded(ctx context.Context, candidates []*account.Account) []*account.Account {
	sorted := slices.Clone(candidates)
	counts := s.slotCounts(ctx, sorted)
	sort.SliceStable(sorted, func(i, j int) bool {
		if counts[sorted[i].ID] != counts[sorted[j].ID] {
			return counts[sorted[i].ID] < counts[sorted[j].ID]
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// lastUsed treats a never-used account as oldest so it sorts first.
func lastUsed(a *account.Account) time.Time {
	if a.LastUsedAt == nil {
		return time.Time{}
	}
	return *a.LastUsedAt
}

func (s *Scheduler) slotCounts(ctx context.Context, accts []*account.Account) map[string]int {
	counts := make(map[string]int, len(accts))
	for _, acct := range accts {
		n, err := s.store.SlotCount(ctx, store.KeyInflight+acct.ID)
		if err != nil {
			continue
		}
		counts[acct.ID] = n
	}
	return counts
}

// claim takes a concurrency slot, returning nil when the account is at
// capacity or its breaker rejects. An admitted half-open probe is handed
// back if the slot acquire then fails, so the probe is not lost.
func (s *Scheduler) claim(ctx context.Context, acct *account.Account) (*Selection, error) {
	if s.breakerAllow != nil && !s.breakerAllow(acct.ID) {
		return nil, nil
	}
	slotKey := store.KeyInflight + acct.ID
	member := uuid.NewString()
	ttl := s.cfg.RequestTimeout + s.cfg.InflightSlotGrace

	ok, err := s.store.TryAcquireSlot(ctx, slotKey, member, acct.MaxConcurrent, ttl)
	if err != nil || !ok {
		if s.breakerRelease != nil {
			s.breakerRelease(acct.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("acquire slot: %w", err)
		}
		return nil, nil
	}
	return &Selection{
		Account:    acct,
		slotKey:    slotKey,
		slotMember: member,
		store:      s.store,
	}, nil
}

// trySticky attempts to reuse the pinned account. The second return
// reports whether a mapping existed at all, so callers can tell a fresh
// session from a re-dispatch.
func (s *Scheduler) trySticky(ctx context.Context, req Request, candidates []*account.Account) (*Selection, bool) {
	id, err := s.store.Get(ctx, store.KeySessionPrefix+req.Fingerprint)
	if err != nil || id == "" {
		return nil, false
	}
	for _, acct := range candidates {
		if acct.ID != id {
			continue
		}
		sel, err := s.claim(ctx, acct)
		if err != nil || sel == nil {
			return nil, true
		}
		sel.Sticky = true
		s.pin(ctx, req.Fingerprint, id) // sliding TTL
		return sel, true
	}
	// Pinned account no longer eligible; drop the mapping so the next
	// pick re-pins.
	_ = s.store.Del(ctx, store.KeySessionPrefix+req.Fingerprint)
	return nil, true
}

func (s *Scheduler) pin(ctx context.Context, fingerprint, accountID string) {
	err := s.store.Set(ctx, store.KeySessionPrefix+fingerprint, accountID, s.cfg.StickySessionTTL)
	if err != nil {
		s.log.Debug("pin session failed", "error", err)
	}
}

// exhausted builds the retry hint from the nearest cooldown among the
// given accounts.
func (s *Scheduler) exhausted(accts []*account.Account, reason string, now time.Time) error {
	retry := 60 * time.Second
	for _, acct := range accts {
		if acct == nil || acct.CooldownUntil == nil {
			continue
		}
		if wait := acct.CooldownUntil.Sub(now); wait > 0 && wait < retry {
			retry = wait
		}
	}
	if retry < time.Second {
		retry = time.Second
	}
	return &NoAccountError{RetryAfter: retry, Reason: reason}
}

// Fingerprint derives the sticky-session key for a messages request:
// the hash of the first system prompt plus the head of the first user
// message. Returns empty when neither is present.
func Fingerprint(body []byte) string {
	var sb []byte

	system := gjson.GetBytes(body, "system")
	switch {
	case system.Type == gjson.String:
		sb = append(sb, system.Str...)
	case system.IsArray():
		if first := system.Get("0.text"); first.Exists() {
			sb = append(sb, first.Str...)
		}
	}

	messages := gjson.GetBytes(body, "messages")
	messages.ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").Str != "user" {
			return true
		}
		content := msg.Get("content")
		var text string
		if content.Type == gjson.String {
			text = content.Str
		} else if first := content.Get("0.text"); first.Exists() {
			text = first.Str
		}
		if len(text) > 256 {
			text = text[:256]
		}
		sb = append(sb, text...)
		return false
	})

	if len(sb) == 0 {
		return ""
	}
	return crypto.HashFingerprint(string(sb))
}

// IsNoAccount reports whether err is a pool-exhaustion error.
func IsNoAccount(err error) (*NoAccountError, bool) {
	var nae *NoAccountError
	if errors.As(err, &nae) {
		return nae, true
	}
	return nil, false
}
