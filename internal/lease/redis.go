package lease

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Only the holder's token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a lease backed by a single Redis key per lease.
type Redis struct {
	Client     *redis.Client
	Prefix     string
	TTL        time.Duration
	RetryDelay time.Duration
	// MaxWait bounds acquisition when the caller's context has no deadline.
	MaxWait time.Duration
	Observe WaitObserver
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		Client:     client,
		Prefix:     "tripledger:lease",
		TTL:        10 * time.Second,
		RetryDelay: 25 * time.Millisecond,
		MaxWait:    15 * time.Second,
	}
}

func (r *Redis) key(raw string) string {
	if r.Prefix == "" {
		return raw
	}
	return r.Prefix + ":" + raw
}

func (r *Redis) WithLease(ctx context.Context, key string, fn func(context.Context) error) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if fn == nil {
		return ErrNilFn
	}

	k := r.key(key)
	token := uuid.NewString()

	acquireCtx := ctx
	if _, ok := ctx.Deadline(); !ok && r.MaxWait > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.MaxWait)
		defer cancel()
	}

	start := time.Now()
	for {
		ok, err := r.Client.SetNX(acquireCtx, k, token, r.TTL).Result()
		if err != nil {
			return fmt.Errorf("lease: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-acquireCtx.Done():
			return fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, acquireCtx.Err())
		case <-time.After(r.RetryDelay):
		}
	}
	if r.Observe != nil {
		r.Observe(time.Since(start))
	}

	defer func() {
		// Release even when the request context was cancelled mid-operation.
		_ = releaseScript.Run(context.WithoutCancel(ctx), r.Client, []string{k}, token).Err()
	}()

	return fn(ctx)
}
