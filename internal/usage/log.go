package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id TEXT PRIMARY KEY,
	key_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	cache_write_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 0,
	stream INTEGER NOT NULL DEFAULT 0,
	client_disconnect INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_events(created_at);
CREATE INDEX IF NOT EXISTS idx_usage_key ON usage_events(key_id, created_at);
`

// Log is the durable usage event store.
type Log struct {
	db *sql.DB
}

func OpenLog(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error { return l.db.Close() }

func (l *Log) Insert(ctx context.Context, r *Record) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO usage_events (id, key_id, account_id, provider, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			cost_usd, status, stream, client_disconnect, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.KeyID, r.AccountID, r.Provider, r.Model,
		r.Tokens.Input, r.Tokens.Output, r.Tokens.CacheRead, r.Tokens.CacheWrite,
		r.CostUSD, r.Status, boolInt(r.Stream), boolInt(r.ClientDisconnect),
		r.DurationMs, r.CreatedAt.Unix())
	return err
}

// Periods aggregates today, yesterday and the trailing 7 and 30 days,
// optionally scoped to one key.
func (l *Log) Periods(ctx context.Context, keyID string) ([]Period, error) {
	now := time.Now().UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	spans := []struct {
		label string
		since time.Time
		until time.Time
	}{
		{"today", todayStart, now},
		{"yesterday", todayStart.Add(-24 * time.Hour), todayStart},
		{"7 days", now.Add(-7 * 24 * time.Hour), now},
		{"30 days", now.Add(-30 * 24 * time.Hour), now},
	}

	out := make([]Period, 0, len(spans))
	for _, span := range spans {
		where := "created_at >= ? AND created_at < ?"
		args := []any{span.since.Unix(), span.until.Unix()}
		if keyID != "" {
			where = "key_id = ? AND " + where
			args = append([]any{keyID}, args...)
		}
		row := l.db.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT COALESCE(COUNT(*),0), COALESCE(SUM(input_tokens),0),
				COALESCE(SUM(output_tokens),0), COALESCE(SUM(cache_read_tokens),0),
				COALESCE(SUM(cost_usd),0)
			FROM usage_events WHERE %s`, where), args...)

		p := Period{Label: span.label}
		if err := row.Scan(&p.Requests, &p.InputTokens, &p.OutputTokens, &p.CacheReadTokens, &p.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Events returns the newest events for a key, most recent first.
func (l *Log) Events(ctx context.Context, keyID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, key_id, account_id, provider, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			cost_usd, status, stream, client_disconnect, duration_ms, created_at
		FROM usage_events WHERE key_id = ?
		ORDER BY created_at DESC, id LIMIT ?`, keyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var stream, disconnect int
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.KeyID, &r.AccountID, &r.Provider, &r.Model,
			&r.Tokens.Input, &r.Tokens.Output, &r.Tokens.CacheRead, &r.Tokens.CacheWrite,
			&r.CostUSD, &r.Status, &stream, &disconnect, &r.DurationMs, &createdAt); err != nil {
			return nil, err
		}
		r.Stream = stream == 1
		r.ClientDisconnect = disconnect == 1
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ModelStats aggregates per-model usage since the given time.
func (l *Log) ModelStats(ctx context.Context, since time.Time) ([]ModelStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT model, COUNT(*), COALESCE(SUM(input_tokens),0),
			COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost_usd),0)
		FROM usage_events WHERE created_at >= ?
		GROUP BY model ORDER BY SUM(cost_usd) DESC`, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelStat
	for rows.Next() {
		var m ModelStat
		if err := rows.Scan(&m.Model, &m.Requests, &m.InputTokens, &m.OutputTokens, &m.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Purge deletes events older than before and returns the rows removed.
func (l *Log) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM usage_events WHERE created_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunPurge deletes old events on a daily cadence until ctx is canceled.
func (l *Log) RunPurge(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = l.Purge(ctx, time.Now().Add(-retention))
		}
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
