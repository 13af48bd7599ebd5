package usage

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mersea/llm-relay/internal/store"
)

// Recorder accepts usage events without blocking the request path. A
// single worker drains a bounded queue into the sqlite log and the
// daily KV rollups; when the queue is full events are counted as
// dropped rather than stalling a response.
type Recorder struct {
	log     *Log
	store   store.Store
	slog    *slog.Logger
	queue   chan *Record
	dropped atomic.Int64

	drainWait time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

func NewRecorder(l *Log, s store.Store, queueSize int, drainWait time.Duration, logger *slog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		log:       l,
		store:     s,
		slog:      logger.With("component", "usage"),
		queue:     make(chan *Record, queueSize),
		drainWait: drainWait,
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues the event. Never blocks.
func (r *Recorder) Record(rec *Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case r.queue <- rec:
	default:
		n := r.dropped.Add(1)
		if n%100 == 1 {
			r.slog.Warn("usage queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns the count of events lost to backpressure.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close stops the worker after draining, bounded by the drain wait.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
		select {
		case <-r.done:
		case <-time.After(r.drainWait):
			r.slog.Warn("usage drain timed out")
		}
	})
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		r.persist(ctx, rec)
		cancel()
	}
}

func (r *Recorder) persist(ctx context.Context, rec *Record) {
	if r.log != nil {
		if err := r.log.Insert(ctx, rec); err != nil {
			r.slog.Error("insert usage event failed", "error", err)
		}
	}
	r.rollup(ctx, rec)
}

// rollup increments the daily per-key per-model counters the limiter
// reads for daily cost caps. Costs are stored as integer microdollars
// because the counters are HINCRBY-backed.
func (r *Recorder) rollup(ctx context.Context, rec *Record) {
	if rec.KeyID == "" {
		return
	}
	date := rec.CreatedAt.UTC().Format("2006-01-02")
	key := store.KeyUsageDaily + date + ":" + rec.KeyID + ":" + rec.Model

	for field, delta := range map[string]int64{
		"requests":         1,
		"inputTokens":      rec.Tokens.Input,
		"outputTokens":     rec.Tokens.Output,
		"cacheReadTokens":  rec.Tokens.CacheRead,
		"cacheWriteTokens": rec.Tokens.CacheWrite,
		"costMicros":       int64(rec.CostUSD * 1e6),
	} {
		if delta == 0 {
			continue
		}
		if _, err := r.store.HIncrBy(ctx, key, field, delta); err != nil {
			r.slog.Error("usage rollup failed", "key", key, "error", err)
			return
		}
	}
	// Rollups only need to survive the day they describe plus one.
	_ = r.store.Expire(ctx, key, 48*time.Hour)
}

// DailyCostUSD sums today's rolled-up cost for a key across models.
func DailyCostUSD(ctx context.Context, s store.Store, keyID string) (float64, error) {
	date := time.Now().UTC().Format("2006-01-02")
	keys, err := s.ScanKeys(ctx, store.KeyUsageDaily+date+":"+keyID+":")
	if err != nil {
		return 0, err
	}
	var micros int64
	for _, k := range keys {
		raw, err := s.HGet(ctx, k, "costMicros")
		if err != nil {
			continue
		}
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			micros += v
		}
	}
	return float64(micros) / 1e6, nil
}
