package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is the production Store backend.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	return &Redis{rdb: rdb}, nil
}

// NewRedisFromClient wraps an existing client (tests use miniredis here).
func NewRedisFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (s *Redis) Name() string { return "redis" }

func (s *Redis) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Redis) Close() error { return s.rdb.Close() }

// --- Plain keys ---

func (s *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *Redis) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// --- Hashes ---

func (s *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	vals := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		vals = append(vals, k, v)
	}
	return s.rdb.HSet(ctx, key, vals...).Err()
}

func (s *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	return s.rdb.HDel(ctx, key, fields...).Err()
}

func (s *Redis) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return s.rdb.HIncrBy(ctx, key, field, delta).Result()
}

// --- Sets ---

func (s *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	return s.rdb.SAdd(ctx, key, toIface(members)...).Err()
}

func (s *Redis) SRem(ctx context.Context, key string, members ...string) error {
	return s.rdb.SRem(ctx, key, toIface(members)...).Err()
}

func (s *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *Redis) HSetIndexed(ctx context.Context, key string, fields map[string]string, indexKey, member string) error {
	vals := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		vals = append(vals, k, v)
	}
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, vals...)
	pipe.SAdd(ctx, indexKey, member)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) DelIndexed(ctx context.Context, key, indexKey, member string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, indexKey, member)
	_, err := pipe.Exec(ctx)
	return err
}

// --- Scan ---

func (s *Redis) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// --- Pub/sub ---

func (s *Redis) Publish(ctx context.Context, channel, payload string) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

func (s *Redis) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := s.rdb.Subscribe(ctx, channel)
	out := make(chan string, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			default: // drop on a slow consumer rather than block the reader
			}
		}
	}()
	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

// --- Locks ---

var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)

func (s *Redis) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, owner, ttl).Result()
}

func (s *Redis) ReleaseLock(ctx context.Context, key, owner string) error {
	_, err := releaseLockScript.Run(ctx, s.rdb, []string{key}, owner).Result()
	return err
}

// --- Sliding window ---

// Members are "{weight}:{uuid}" scored by unix-nano timestamp. The script
// trims, sums in-window weights, and admits iff sum+weight <= limit.
var slidingWindowScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local weight = tonumber(ARGV[3])
local limit  = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local sum = 0
local entries = redis.call('ZRANGE', key, 0, -1)
for _, e in ipairs(entries) do
  local w = tonumber(string.match(e, "^(%d+):"))
  if w then sum = sum + w end
end

if sum + weight > limit then
  return {0, sum}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, math.ceil(window / 1000000))
return {1, sum + weight}
`)

func (s *Redis) SlidingWindowAdd(ctx context.Context, key string, weight, limit int64, window time.Duration) (bool, int64, error) {
	member := fmt.Sprintf("%d:%s", weight, uuid.NewString())
	res, err := slidingWindowScript.Run(ctx, s.rdb, []string{key},
		time.Now().UnixNano(), window.Nanoseconds(), weight, limit, member,
	).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("sliding window script: unexpected reply %v", res)
	}
	return res[0] == 1, res[1], nil
}

func (s *Redis) SlidingWindowSum(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now().UnixNano()
	if err := s.rdb.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now-window.Nanoseconds(), 10)).Err(); err != nil {
		return 0, err
	}
	entries, err := s.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, e := range entries {
		if i := strings.IndexByte(e, ':'); i > 0 {
			if w, err := strconv.ParseInt(e[:i], 10, 64); err == nil {
				sum += w
			}
		}
	}
	return sum, nil
}

// --- Concurrency slots ---

// Slots are a sorted set scored by their expiry deadline. Acquire reaps
// dead slots, checks the cap, and claims in one round trip.
var acquireSlotScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`)

func (s *Redis) TryAcquireSlot(ctx context.Context, key, member string, limit int, ttl time.Duration) (bool, error) {
	now := float64(time.Now().Unix())
	deadline := float64(time.Now().Add(ttl).Unix())
	keyTTL := int(ttl.Seconds()) + 30
	res, err := acquireSlotScript.Run(ctx, s.rdb, []string{key},
		strconv.FormatFloat(now, 'f', -1, 64), limit,
		strconv.FormatFloat(deadline, 'f', -1, 64), member, keyTTL,
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *Redis) ReleaseSlot(ctx context.Context, key, member string) error {
	return s.rdb.ZRem(ctx, key, member).Err()
}

func (s *Redis) SlotCount(ctx context.Context, key string) (int, error) {
	// Dead slots are excluded by counting only scores in the future.
	now := strconv.FormatInt(time.Now().Unix(), 10)
	n, err := s.rdb.ZCount(ctx, key, now, "+inf").Result()
	return int(n), err
}

func (s *Redis) ReapSlots(ctx context.Context, key string, before time.Time) (int, error) {
	n, err := s.rdb.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(before.Unix(), 10)).Result()
	return int(n), err
}

// --- Credits ---

var decrCreditsScript = redis.NewScript(`
local bal = redis.call('GET', KEYS[1])
if not bal then
  return {"untracked", "0"}
end
bal = tonumber(bal)
local cost = tonumber(ARGV[1])
if bal >= cost then
  local left = bal - cost
  redis.call('SET', KEYS[1], tostring(left))
  return {"ok", tostring(left)}
end
redis.call('SET', KEYS[1], "0")
return {"clamped", "0"}
`)

func (s *Redis) DecrCredits(ctx context.Context, key string, cost float64) (CreditResult, error) {
	res, err := decrCreditsScript.Run(ctx, s.rdb, []string{key},
		strconv.FormatFloat(cost, 'f', -1, 64)).StringSlice()
	if err != nil {
		return CreditResult{}, err
	}
	if len(res) != 2 {
		return CreditResult{}, fmt.Errorf("credits script: unexpected reply %v", res)
	}
	switch res[0] {
	case "untracked":
		return CreditResult{}, nil
	case "clamped":
		return CreditResult{Tracked: true, Clamped: true}, nil
	}
	remaining, _ := strconv.ParseFloat(res[1], 64)
	return CreditResult{Tracked: true, Remaining: remaining}, nil
}

func (s *Redis) SetCredits(ctx context.Context, key string, balance float64) error {
	return s.rdb.Set(ctx, key, strconv.FormatFloat(balance, 'f', -1, 64), 0).Err()
}

func (s *Redis) GetCredits(ctx context.Context, key string) (float64, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("credits parse: %w", err)
	}
	return f, true, nil
}

func toIface(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
