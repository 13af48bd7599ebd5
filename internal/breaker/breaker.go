// Package breaker trips failing accounts out of the scheduler. One
// breaker per account: closed passes everything, open rejects, half-open
// admits a single probe.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mersea/llm-relay/internal/events"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes the trip conditions. Zero values take the defaults.
type Config struct {
	// ErrorRate trips the breaker when failures/total reaches it.
	ErrorRate float64
	// MinSamples is the smallest window population that can trip.
	MinSamples int
	// Window is the rolling sample window.
	Window time.Duration
	// BaseOpen is the first open duration; it doubles per consecutive
	// trip up to MaxOpen.
	BaseOpen time.Duration
	MaxOpen  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ErrorRate <= 0 {
		c.ErrorRate = 0.5
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.BaseOpen <= 0 {
		c.BaseOpen = 30 * time.Second
	}
	if c.MaxOpen <= 0 {
		c.MaxOpen = 10 * time.Minute
	}
	return c
}

type accountCB struct {
	mu sync.Mutex

	state       State
	successes   int
	failures    int
	windowStart time.Time
	openedAt    time.Time
	openFor     time.Duration
	trips       int  // consecutive trips, drives the backoff doubling
	probe       bool // half-open probe in flight
}

// Breaker manages independent breakers keyed by account id.
type Breaker struct {
	mu    sync.RWMutex
	accts map[string]*accountCB
	cfg   Config
	bus   *events.Bus
	log   *slog.Logger
}

func New(cfg Config, bus *events.Bus, log *slog.Logger) *Breaker {
	return &Breaker{
		accts: make(map[string]*accountCB),
		cfg:   cfg.withDefaults(),
		bus:   bus,
		log:   log.With("component", "breaker"),
	}
}

// Allow reports whether the account may take the next request. An open
// breaker past its deadline moves to half-open and grants exactly one
// probe.
func (b *Breaker) Allow(accountID string) bool {
	cb := b.get(accountID, true)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return true
	case Open:
		if time.Since(cb.openedAt) >= cb.openFor {
			cb.state = HalfOpen
			cb.probe = true
			return true
		}
		return false
	default: // HalfOpen
		if cb.probe {
			return false
		}
		cb.probe = true
		return true
	}
}

// ReleaseProbe returns an admitted half-open probe that never reached
// the upstream, so the next caller can claim it. No-op in other states.
func (b *Breaker) ReleaseProbe(accountID string) {
	cb := b.get(accountID, false)
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == HalfOpen {
		cb.probe = false
	}
}

// RecordFailure adds a failure sample. The breaker opens when the window
// holds enough samples and the failure share crosses the threshold. A
// failed half-open probe reopens immediately with a doubled backoff.
func (b *Breaker) RecordFailure(accountID string) {
	cb := b.get(accountID, true)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	if cb.state == HalfOpen {
		cb.probe = false
		b.trip(cb, accountID, now)
		return
	}

	if now.Sub(cb.windowStart) > b.cfg.Window {
		cb.successes = 0
		cb.failures = 0
		cb.windowStart = now
	}
	cb.failures++

	total := cb.successes + cb.failures
	if total >= b.cfg.MinSamples && float64(cb.failures)/float64(total) >= b.cfg.ErrorRate {
		b.trip(cb, accountID, now)
	}
}

// RecordOK adds a success sample. A successful half-open probe closes
// the breaker and clears the backoff history.
func (b *Breaker) RecordOK(accountID string) {
	cb := b.get(accountID, true)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == HalfOpen {
		// Probe succeeded.
		cb.state = Closed
		cb.trips = 0
		cb.probe = false
		cb.successes = 0
		cb.failures = 0
		cb.windowStart = time.Now()
		return
	}
	if time.Now().Sub(cb.windowStart) > b.cfg.Window {
		cb.successes = 0
		cb.failures = 0
		cb.windowStart = time.Now()
	}
	cb.successes++
}

func (b *Breaker) trip(cb *accountCB, accountID string, now time.Time) {
	openFor := b.cfg.BaseOpen << cb.trips
	if openFor > b.cfg.MaxOpen || openFor <= 0 {
		openFor = b.cfg.MaxOpen
	}
	cb.state = Open
	cb.openedAt = now
	cb.openFor = openFor
	cb.trips++
	cb.successes = 0
	cb.failures = 0
	cb.windowStart = now

	b.log.Warn("breaker opened", "accountId", accountID, "openFor", openFor)
	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type:      events.EventBreakerOpen,
			AccountID: accountID,
			Message:   openFor.String(),
		})
	}
}

// State returns the account's breaker state for metrics and admin views.
func (b *Breaker) State(accountID string) State {
	cb := b.get(accountID, false)
	if cb == nil {
		return Closed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (b *Breaker) get(accountID string, create bool) *accountCB {
	b.mu.RLock()
	cb := b.accts[accountID]
	b.mu.RUnlock()
	if cb != nil || !create {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb = b.accts[accountID]; cb == nil {
		cb = &accountCB{state: Closed, windowStart: time.Now()}
		b.accts[accountID] = cb
	}
	return cb
}
