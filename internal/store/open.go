package store

import "log/slog"

// Open connects to redis, falling back to the in-process store when redis
// is unreachable. The fallback keeps a single instance serving; readiness
// reporting still exposes which backend is live.
func Open(addr, password string, db int) Store {
	s, err := NewRedis(addr, password, db)
	if err != nil {
		slog.Warn("redis unreachable, using in-memory store", "addr", addr, "error", err)
		return NewMemory()
	}
	return s
}
