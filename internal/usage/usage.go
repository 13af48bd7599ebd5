// Package usage records per-request accounting: an async event log in
// sqlite for history plus daily rollups in the KV store that the rate
// limiter reads back.
package usage

import "time"

// Tokens is the billable token breakdown of one request.
type Tokens struct {
	Input      int64 `json:"inputTokens"`
	Output     int64 `json:"outputTokens"`
	CacheRead  int64 `json:"cacheReadTokens"`
	CacheWrite int64 `json:"cacheWriteTokens"`
}

// Total counts every token the window limiter should weigh.
func (t Tokens) Total() int64 {
	return t.Input + t.Output + t.CacheRead + t.CacheWrite
}

// Record is one finished relay request.
type Record struct {
	ID        string
	KeyID     string
	AccountID string
	Provider  string
	Model     string
	Tokens    Tokens
	CostUSD   float64
	Status    int
	Stream    bool
	// ClientDisconnect marks usage extracted from a partial stream
	// after the caller went away.
	ClientDisconnect bool
	DurationMs       int64
	CreatedAt        time.Time
}

// Period is an aggregate over a named time range.
type Period struct {
	Label           string  `json:"label"`
	Requests        int64   `json:"requests"`
	InputTokens     int64   `json:"inputTokens"`
	OutputTokens    int64   `json:"outputTokens"`
	CacheReadTokens int64   `json:"cacheReadTokens"`
	CostUSD         float64 `json:"costUsd"`
}

// ModelStat is an aggregate for one model.
type ModelStat struct {
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd"`
}
