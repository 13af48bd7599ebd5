package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mersea/llm-relay/internal/account"
	"github.com/mersea/llm-relay/internal/apikey"
	"github.com/mersea/llm-relay/internal/breaker"
	"github.com/mersea/llm-relay/internal/config"
	"github.com/mersea/llm-relay/internal/events"
	"github.com/mersea/llm-relay/internal/store"
)

type fixture struct {
	sched *Scheduler
	repo  *account.Repo
	store store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemory()
	repo := account.NewRepo(s, events.NewBus(16))
	cfg := &config.Config{
		RequestTimeout:    time.Minute,
		InflightSlotGrace: 30 * time.Second,
		StickySessionTTL:  time.Hour,
	}
	return &fixture{
		sched: New(repo, s, cfg, slog.Default()),
		repo:  repo,
		store: s,
	}
}

func (f *fixture) addAccount(t *testing.T, name string, priority, maxConc int) *account.Account {
	t.Helper()
	a, err := f.repo.Create(context.Background(), account.CreateParams{
		Name:          name,
		Provider:      account.ProviderClaudeOAuth,
		Priority:      priority,
		MaxConcurrent: maxConc,
	})
	require.NoError(t, err)
	return a
}

func TestPriorityOrderWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addAccount(t, "low", 5, 10)
	high := f.addAccount(t, "high", 1, 10)

	sel, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4"})
	require.NoError(t, err)
	defer sel.Release(ctx)
	require.Equal(t, high.ID, sel.Account.ID)
}

func TestLeastRecentlyUsedBreaksTies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	idle := f.addAccount(t, "idle", 1, 10)
	busy := f.addAccount(t, "busy", 1, 10)
	require.NoError(t, f.repo.Touch(ctx, busy.ID))

	// Equal priority and load: the never-used account sorts first.
	sel, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4"})
	require.NoError(t, err)
	defer sel.Release(ctx)
	require.Equal(t, idle.ID, sel.Account.ID)
}

func TestSkipsAccountAtCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tiny := f.addAccount(t, "tiny", 1, 1)
	backup := f.addAccount(t, "backup", 5, 10)

	first, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4"})
	require.NoError(t, err)
	require.Equal(t, tiny.ID, first.Account.ID)

	second, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4"})
	require.NoError(t, err)
	require.Equal(t, backup.ID, second.Account.ID)

	first.Release(ctx)
	second.Release(ctx)

	third, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4"})
	require.NoError(t, err)
	defer third.Release(ctx)
	require.Equal(t, tiny.ID, third.Account.ID)
}

func TestPoolExhaustedReturnsRetryHint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.addAccount(t, "parked", 1, 10)
	require.NoError(t, f.repo.MarkRateLimited(ctx, a.ID, time.Now().Add(30*time.Second)))

	_, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4"})
	nae, ok := IsNoAccount(err)
	require.True(t, ok)
	require.GreaterOrEqual(t, nae.RetryAfter, time.Second)
	require.LessOrEqual(t, nae.RetryAfter, 60*time.Second)
}

func TestDedicatedBindingNeverFallsThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pinned := f.addAccount(t, "pinned", 1, 10)
	f.addAccount(t, "other", 1, 10)
	key := &apikey.Key{ID: "k1", DedicatedAccountID: pinned.ID}

	sel, err := f.sched.Select(ctx, Request{Key: key, Model: "claude-sonnet-4"})
	require.NoError(t, err)
	require.Equal(t, pinned.ID, sel.Account.ID)
	sel.Release(ctx)

	require.NoError(t, f.repo.SetState(ctx, pinned.ID, account.StateDisabled, "manual"))
	_, err = f.sched.Select(ctx, Request{Key: key, Model: "claude-sonnet-4"})
	_, ok := IsNoAccount(err)
	require.True(t, ok)
}

func TestStickySessionReusesAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addAccount(t, "a", 1, 10)
	f.addAccount(t, "b", 1, 10)

	fp := "fp-123"
	first, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4", Fingerprint: fp})
	require.NoError(t, err)
	first.Release(ctx)

	for i := 0; i < 5; i++ {
		sel, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4", Fingerprint: fp})
		require.NoError(t, err)
		require.Equal(t, first.Account.ID, sel.Account.ID)
		require.True(t, sel.Sticky)
		sel.Release(ctx)
	}
}

func TestStickyRepinsWhenAccountParked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.addAccount(t, "a", 1, 10)
	b := f.addAccount(t, "b", 5, 10)

	fp := "fp-repin"
	first, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4", Fingerprint: fp})
	require.NoError(t, err)
	require.Equal(t, a.ID, first.Account.ID)
	first.Release(ctx)

	require.NoError(t, f.repo.SetState(ctx, a.ID, account.StateDisabled, "manual"))

	sel, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4", Fingerprint: fp})
	require.NoError(t, err)
	require.Equal(t, b.ID, sel.Account.ID)
	require.False(t, sel.Sticky)
	require.True(t, sel.StickyMiss)
	sel.Release(ctx)

	// The mapping moved to the new account.
	pinned, err := f.store.Get(ctx, store.KeySessionPrefix+fp)
	require.NoError(t, err)
	require.Equal(t, b.ID, pinned)
}

func TestGroupRoundRobinCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.addAccount(t, "a", 1, 10)
	b := f.addAccount(t, "b", 1, 10)
	f.addAccount(t, "outsider", 0, 10)

	group, err := f.repo.CreateGroup(ctx, "pair", account.PolicyRoundRobin, []string{a.ID, b.ID})
	require.NoError(t, err)
	key := &apikey.Key{ID: "k1", GroupID: group.ID}

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		sel, err := f.sched.Select(ctx, Request{Key: key, Model: "claude-sonnet-4"})
		require.NoError(t, err)
		seen[sel.Account.ID]++
		sel.Release(ctx)
	}
	require.Equal(t, 2, seen[a.ID])
	require.Equal(t, 2, seen[b.ID])
}

func TestGroupLeastLoaded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.addAccount(t, "a", 1, 10)
	b := f.addAccount(t, "b", 1, 10)
	group, err := f.repo.CreateGroup(ctx, "pair", account.PolicyLeastLoaded, []string{a.ID, b.ID})
	require.NoError(t, err)
	key := &apikey.Key{ID: "k1", GroupID: group.ID}

	first, err := f.sched.Select(ctx, Request{Key: key, Model: "claude-sonnet-4"})
	require.NoError(t, err)
	defer first.Release(ctx)

	second, err := f.sched.Select(ctx, Request{Key: key, Model: "claude-sonnet-4"})
	require.NoError(t, err)
	defer second.Release(ctx)
	require.NotEqual(t, first.Account.ID, second.Account.ID)
}

func TestBreakerExcludesAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := f.addAccount(t, "bad", 1, 10)
	good := f.addAccount(t, "good", 5, 10)

	f.sched.SetBreaker(func(id string) bool { return id != bad.ID }, func(string) {})

	sel, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4"})
	require.NoError(t, err)
	defer sel.Release(ctx)
	require.Equal(t, good.ID, sel.Account.ID)
}

func TestBreakerProbeRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct := f.addAccount(t, "only", 1, 10)

	brk := breaker.New(breaker.Config{MinSamples: 1, BaseOpen: 30 * time.Millisecond}, nil, slog.Default())
	f.sched.SetBreaker(brk.Allow, brk.ReleaseProbe)

	brk.RecordFailure(acct.ID)
	require.Equal(t, breaker.Open, brk.State(acct.ID))

	_, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4"})
	_, noAccount := IsNoAccount(err)
	require.True(t, noAccount)

	// Past the open window the breaker admits exactly one probe.
	time.Sleep(50 * time.Millisecond)

	probe, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4"})
	require.NoError(t, err)
	require.Equal(t, acct.ID, probe.Account.ID)
	require.Equal(t, breaker.HalfOpen, brk.State(acct.ID))

	_, err = f.sched.Select(ctx, Request{Model: "claude-sonnet-4"})
	_, noAccount = IsNoAccount(err)
	require.True(t, noAccount)

	// A successful probe closes the breaker and reopens the account.
	brk.RecordOK(acct.ID)
	probe.Release(ctx)
	require.Equal(t, breaker.Closed, brk.State(acct.ID))

	sel, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4"})
	require.NoError(t, err)
	sel.Release(ctx)
}

func TestBreakerProbeReleasedWhenSlotUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct := f.addAccount(t, "tight", 1, 1)

	brk := breaker.New(breaker.Config{MinSamples: 1, BaseOpen: time.Millisecond}, nil, slog.Default())
	f.sched.SetBreaker(brk.Allow, brk.ReleaseProbe)

	holder, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4"})
	require.NoError(t, err)

	brk.RecordFailure(acct.ID)
	time.Sleep(5 * time.Millisecond)

	// The probe is admitted but the slot is taken; the claim hands the
	// probe back instead of losing it.
	_, err = f.sched.Select(ctx, Request{Model: "claude-sonnet-4"})
	_, noAccount := IsNoAccount(err)
	require.True(t, noAccount)

	holder.Release(ctx)
	probe, err := f.sched.Select(ctx, Request{Model: "claude-sonnet-4"})
	require.NoError(t, err)
	probe.Release(ctx)
}

func TestFingerprint(t *testing.T) {
	body := []byte(`{"system":"you are helpful","messages":[{"role":"user","content":"hello"}]}`)
	fp := Fingerprint(body)
	require.NotEmpty(t, fp)
	require.Equal(t, fp, Fingerprint(body))

	other := []byte(`{"system":"you are helpful","messages":[{"role":"user","content":"different"}]}`)
	require.NotEqual(t, fp, Fingerprint(other))

	blocks := []byte(`{"system":[{"type":"text","text":"you are helpful"}],"messages":[{"role":"user","content":[{"type":"text","text":"hello"}]}]}`)
	require.Equal(t, fp, Fingerprint(blocks))

	require.Empty(t, Fingerprint([]byte(`{"messages":[]}`)))
}
