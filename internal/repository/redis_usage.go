package repository

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmehdipour/key-broker/internal/model"
)

// LedgerStoreRedis keeps usage rows in Redis hashes, one per
// (credential, target). Lua scripts make the increment-with-stale-reset and
// penalty writes atomic, which makes this backend safe when several broker
// processes share one credential pool.
type LedgerStoreRedis struct {
	client    redis.Cmdable
	keyPrefix string
}

func NewLedgerStoreRedis(client redis.Cmdable, keyPrefix string) *LedgerStoreRedis {
	if keyPrefix == "" {
		keyPrefix = "keybroker:usage:"
	}
	return &LedgerStoreRedis{client: client, keyPrefix: keyPrefix}
}

var _ LedgerStore = (*LedgerStoreRedis)(nil)

func (s *LedgerStoreRedis) key(credentialID, targetID string) string {
	return s.keyPrefix + credentialID + "|" + targetID
}

// successScript applies one success atomically.
// KEYS[1] = usage hash
// ARGV[1] = now (unix seconds)
// ARGV[2] = tokens
// ARGV[3] = day key (YYYY-MM-DD)
// ARGV[4] = window length (seconds)
var successScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local tokens = tonumber(ARGV[2])
local day = ARGV[3]
local window = tonumber(ARGV[4])

local ws = tonumber(redis.call("HGET", key, "window_start") or "0")
if now - ws >= window then
    redis.call("HSET", key, "window_start", now, "window_requests", 1, "window_tokens", tokens)
else
    redis.call("HINCRBY", key, "window_requests", 1)
    redis.call("HINCRBY", key, "window_tokens", tokens)
end

local dk = redis.call("HGET", key, "day_key")
if dk ~= day then
    redis.call("HSET", key, "day_key", day, "day_requests", 1)
else
    redis.call("HINCRBY", key, "day_requests", 1)
end

redis.call("HSET", key, "strikes", 0, "release_at", 0)
return redis.call("HGETALL", key)
`)

// penaltyScript persists strikes and the cooldown release, initializing
// window/day fields for rows that have never seen a success.
var penaltyScript = redis.NewScript(`
local key = KEYS[1]
redis.call("HSETNX", key, "window_start", ARGV[1])
redis.call("HSETNX", key, "window_requests", 0)
redis.call("HSETNX", key, "window_tokens", 0)
redis.call("HSETNX", key, "day_key", ARGV[2])
redis.call("HSETNX", key, "day_requests", 0)
redis.call("HSET", key, "strikes", ARGV[3], "release_at", ARGV[4])
return 1
`)

func (s *LedgerStoreRedis) Get(ctx context.Context, credentialID, targetID string) (*model.UsageRecord, error) {
	m, err := s.client.HGetAll(ctx, s.key(credentialID, targetID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	r := recordFromHash(credentialID, targetID, m)
	return &r, nil
}

func (s *LedgerStoreRedis) List(ctx context.Context) ([]model.UsageRecord, error) {
	var out []model.UsageRecord
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		credID, targetID, ok := s.splitKey(key)
		if !ok {
			continue
		}
		m, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(m) == 0 {
			continue
		}
		out = append(out, recordFromHash(credID, targetID, m))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LedgerStoreRedis) ApplySuccess(ctx context.Context, credentialID, targetID string, tokens int64, now time.Time) (model.UsageRecord, error) {
	res, err := successScript.Run(ctx, s.client,
		[]string{s.key(credentialID, targetID)},
		now.Unix(), tokens, model.DayKeyOf(now), int64(model.WindowLength/time.Second),
	).Result()
	if err != nil {
		return model.UsageRecord{}, err
	}

	// HGETALL via EVAL returns a flat [field, value, ...] array.
	flat, _ := res.([]interface{})
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		f, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[f] = v
	}
	return recordFromHash(credentialID, targetID, m), nil
}

func (s *LedgerStoreRedis) ApplyPenalty(ctx context.Context, credentialID, targetID string, strikes int, releaseAt time.Time, now time.Time) error {
	return penaltyScript.Run(ctx, s.client,
		[]string{s.key(credentialID, targetID)},
		now.Unix(), model.DayKeyOf(now), strikes, releaseAt.Unix(),
	).Err()
}

func (s *LedgerStoreRedis) ResetStrikes(ctx context.Context, credentialID string) error {
	iter := s.client.Scan(ctx, 0, s.keyPrefix+credentialID+"|*", 256).Iterator()
	for iter.Next(ctx) {
		if err := s.client.HSet(ctx, iter.Val(), "strikes", 0, "release_at", 0).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *LedgerStoreRedis) splitKey(key string) (credentialID, targetID string, ok bool) {
	rest := strings.TrimPrefix(key, s.keyPrefix)
	i := strings.IndexByte(rest, '|')
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

func recordFromHash(credentialID, targetID string, m map[string]string) model.UsageRecord {
	return model.UsageRecord{
		CredentialID:   credentialID,
		TargetID:       targetID,
		WindowStart:    parseI64(m["window_start"]),
		WindowRequests: int(parseI64(m["window_requests"])),
		WindowTokens:   parseI64(m["window_tokens"]),
		DayKey:         m["day_key"],
		DayRequests:    int(parseI64(m["day_requests"])),
		Strikes:        int(parseI64(m["strikes"])),
		ReleaseAt:      parseI64(m["release_at"]),
	}
}

func parseI64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
