package store

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process fallback backend. It mirrors the redis
// semantics closely enough for one instance to keep serving while redis is
// down; cross-process coordination is obviously lost in this mode.
type Memory struct {
	mu     sync.Mutex
	kv     map[string]memEntry
	hashes map[string]map[string]string
	hexp   map[string]time.Time
	sets   map[string]map[string]struct{}
	wins   map[string][]winEntry
	slots  map[string]map[string]int64 // member → deadline (unix seconds)

	subMu   sync.Mutex
	subs    map[string]map[int]chan string
	nextSub int

	closed bool
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

type winEntry struct {
	score  int64 // unix nanos
	weight int64
}

func NewMemory() *Memory {
	return &Memory{
		kv:     make(map[string]memEntry),
		hashes: make(map[string]map[string]string),
		hexp:   make(map[string]time.Time),
		sets:   make(map[string]map[string]struct{}),
		wins:   make(map[string][]winEntry),
		slots:  make(map[string]map[string]int64),
		subs:   make(map[string]map[int]chan string),
	}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, chans := range m.subs {
		for id, ch := range chans {
			close(ch)
			delete(chans, id)
		}
	}
	return nil
}

func (e memEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// --- Plain keys ---

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || e.expired() {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = memEntry{value: value, expiresAt: deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.kv[key]; ok && !e.expired() {
		return false, nil
	}
	m.kv[key] = memEntry{value: value, expiresAt: deadline(ttl)}
	return true, nil
}

func (m *Memory) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.hashes, key)
	delete(m.hexp, key)
	delete(m.sets, key)
	delete(m.wins, key)
	delete(m.slots, key)
	return nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.kv[key]; ok && !e.expired() {
		e.expiresAt = deadline(ttl)
		m.kv[key] = e
	}
	if _, ok := m.hashes[key]; ok {
		m.hexp[key] = deadline(ttl)
	}
	return nil
}

// --- Hashes ---

func (m *Memory) hash(key string) map[string]string {
	if exp, ok := m.hexp[key]; ok && !exp.IsZero() && time.Now().After(exp) {
		delete(m.hashes, key)
		delete(m.hexp, key)
	}
	return m.hashes[key]
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hash(key)))
	for k, v := range m.hash(key) {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HGet(ctx context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hash(key)
	if h == nil {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hsetLocked(key, fields)
	return nil
}

func (m *Memory) hsetLocked(key string, fields map[string]string) {
	h := m.hash(key)
	if h == nil {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
}

func (m *Memory) HDel(ctx context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.hash(key); h != nil {
		for _, f := range fields {
			delete(h, f)
		}
	}
	return nil
}

func (m *Memory) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hash(key)
	if h == nil {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

// --- Sets ---

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saddLocked(key, members...)
	return nil
}

func (m *Memory) saddLocked(key string, members ...string) {
	set := m.sets[key]
	if set == nil {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.sets[key]; set != nil {
		for _, mem := range members {
			delete(set, mem)
		}
	}
	return nil
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for mem := range set {
		out = append(out, mem)
	}
	return out, nil
}

func (m *Memory) HSetIndexed(ctx context.Context, key string, fields map[string]string, indexKey, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hsetLocked(key, fields)
	m.saddLocked(indexKey, member)
	return nil
}

func (m *Memory) DelIndexed(ctx context.Context, key, indexKey, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.hashes, key)
	delete(m.hexp, key)
	if set := m.sets[indexKey]; set != nil {
		delete(set, member)
	}
	return nil
}

// --- Scan ---

func (m *Memory) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k, e := range m.kv {
		if strings.HasPrefix(k, prefix) && !e.expired() {
			keys = append(keys, k)
		}
	}
	for k := range m.hashes {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k := range m.slots {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k := range m.wins {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// --- Pub/sub ---

func (m *Memory) Publish(ctx context.Context, channel, payload string) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	ch := make(chan string, 64)
	id := m.nextSub
	m.nextSub++
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]chan string)
	}
	m.subs[channel][id] = ch

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[channel][id]; ok {
			delete(m.subs[channel], id)
			close(c)
		}
	}
	return ch, cancel, nil
}

// --- Locks ---

func (m *Memory) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return m.SetNX(ctx, key, owner, ttl)
}

func (m *Memory) ReleaseLock(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.kv[key]; ok && !e.expired() && e.value == owner {
		delete(m.kv, key)
	}
	return nil
}

// --- Sliding window ---

func (m *Memory) SlidingWindowAdd(ctx context.Context, key string, weight, limit int64, window time.Duration) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixNano()
	sum := m.trimWindowLocked(key, now-window.Nanoseconds())
	if sum+weight > limit {
		return false, sum, nil
	}
	m.wins[key] = append(m.wins[key], winEntry{score: now, weight: weight})
	return true, sum + weight, nil
}

func (m *Memory) SlidingWindowSum(ctx context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trimWindowLocked(key, time.Now().UnixNano()-window.Nanoseconds()), nil
}

func (m *Memory) trimWindowLocked(key string, cutoff int64) int64 {
	entries := m.wins[key]
	kept := entries[:0]
	var sum int64
	for _, e := range entries {
		if e.score > cutoff {
			kept = append(kept, e)
			sum += e.weight
		}
	}
	if len(kept) == 0 {
		delete(m.wins, key)
	} else {
		m.wins[key] = kept
	}
	return sum
}

// --- Concurrency slots ---

func (m *Memory) TryAcquireSlot(ctx context.Context, key, member string, limit int, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	held := m.slots[key]
	if held == nil {
		held = make(map[string]int64)
		m.slots[key] = held
	}
	for mem, dl := range held {
		if dl <= now {
			delete(held, mem)
		}
	}
	if len(held) >= limit {
		return false, nil
	}
	held[member] = time.Now().Add(ttl).Unix()
	return true, nil
}

func (m *Memory) ReleaseSlot(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held := m.slots[key]; held != nil {
		delete(held, member)
	}
	return nil
}

func (m *Memory) SlotCount(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	var n int
	for _, dl := range m.slots[key] {
		if dl > now {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ReapSlots(ctx context.Context, key string, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	cutoff := before.Unix()
	for mem, dl := range m.slots[key] {
		if dl <= cutoff {
			delete(m.slots[key], mem)
			n++
		}
	}
	return n, nil
}

// --- Credits ---

func (m *Memory) DecrCredits(ctx context.Context, key string, cost float64) (CreditResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || e.expired() {
		return CreditResult{}, nil
	}
	bal, err := strconv.ParseFloat(e.value, 64)
	if err != nil {
		return CreditResult{}, err
	}
	if bal >= cost {
		left := bal - cost
		m.kv[key] = memEntry{value: strconv.FormatFloat(left, 'f', -1, 64)}
		return CreditResult{Tracked: true, Remaining: left}, nil
	}
	m.kv[key] = memEntry{value: "0"}
	return CreditResult{Tracked: true, Clamped: true}, nil
}

func (m *Memory) SetCredits(ctx context.Context, key string, balance float64) error {
	return m.Set(ctx, key, strconv.FormatFloat(balance, 'f', -1, 64), 0)
}

func (m *Memory) GetCredits(ctx context.Context, key string) (float64, bool, error) {
	val, err := m.Get(ctx, key)
	if err == ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, err
	}
	return f, true, nil
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
