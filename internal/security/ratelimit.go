package security

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var errBadScriptReply = errors.New("ratelimit: unexpected script reply")

// RedisTokenBucket is a token bucket per key, shared by every replica through
// Redis. A nil client or non-positive capacity allows everything.
type RedisTokenBucket struct {
	Redis      *redis.Client
	Prefix     string
	Capacity   int
	RefillRate float64 // tokens per second
	Now        func() time.Time
}

// NewPerMinute allows bursts of perMinute requests refilled over one minute.
func NewPerMinute(client *redis.Client, perMinute int) *RedisTokenBucket {
	return &RedisTokenBucket{
		Redis:      client,
		Prefix:     "tripledger:rl",
		Capacity:   perMinute,
		RefillRate: float64(perMinute) / 60,
	}
}

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(data[1])
local last = tonumber(data[2])

if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = now - last
if delta < 0 then delta = 0 end

local filled = tokens + (delta * refill_rate)
if filled > capacity then filled = capacity end

local allowed = 0
if filled >= 1 then
  allowed = 1
  filled = filled - 1
end

redis.call('HSET', key, 'tokens', tostring(filled), 'last', tostring(now))
redis.call('EXPIRE', key, ttl)

return {allowed, tostring(filled)}
`)

func (l *RedisTokenBucket) key(raw string) string {
	if l.Prefix == "" {
		return raw
	}
	return l.Prefix + ":" + raw
}

// Allow takes one token for rawKey and reports whether it was available and
// how many whole tokens remain.
func (l *RedisTokenBucket) Allow(ctx context.Context, rawKey string) (bool, int, error) {
	if l.Redis == nil || l.Capacity <= 0 || l.RefillRate <= 0 {
		return true, 0, nil
	}

	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	ts := float64(now().UnixNano()) / 1e9
	ttl := int64(float64(l.Capacity)/l.RefillRate) + 1

	res, err := tokenBucketScript.Run(ctx, l.Redis, []string{l.key(rawKey)}, l.Capacity, l.RefillRate, ts, ttl).Result()
	if err != nil {
		return false, 0, err
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return false, 0, errBadScriptReply
	}
	allowed, ok := vals[0].(int64)
	if !ok {
		return false, 0, errBadScriptReply
	}
	s, ok := vals[1].(string)
	if !ok {
		return false, 0, errBadScriptReply
	}
	remaining, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false, 0, errBadScriptReply
	}
	return allowed == 1, int(remaining), nil
}

// KeyByIP buckets requests by client address.
func KeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}

// RateLimitMiddleware rejects requests once their bucket is empty. Requests
// for which keyFn returns "" are not limited.
func RateLimitMiddleware(l *RedisTokenBucket, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if keyFn != nil {
				key = keyFn(r)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, err := l.Allow(r.Context(), key)
			if err != nil {
				WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable", "")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited", "")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
