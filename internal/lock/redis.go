package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLeaseTTL     = 2 * time.Minute
	defaultPollInterval = 100 * time.Millisecond
	keyPrefix           = "market-chat:dispatch:"
)

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// renewScript extends the lease only while the key still holds our token.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// redisAPI is the subset of *redis.Client used by Redis.
type redisAPI interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis is a lease-based lock shared by every process talking to the same server.
// A held lease is renewed every renew interval until Unlock; a crashed holder
// stops renewing and its lease expires after the TTL.
type Redis struct {
	client   redisAPI
	ttl      time.Duration
	renew    time.Duration
	poll     time.Duration
	newToken func() string
}

type RedisOption func(*Redis)

func WithLeaseTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRenewInterval sets how often a held lease is extended. It defaults to a
// third of the lease TTL.
func WithRenewInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.renew = d
		}
	}
}

func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.poll = d
		}
	}
}

func NewRedis(client redisAPI, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, errors.New("lock: redis client must not be nil")
	}
	r := &Redis{
		client:   client,
		ttl:      defaultLeaseTTL,
		poll:     defaultPollInterval,
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.renew <= 0 || r.renew >= r.ttl {
		r.renew = r.ttl / 3
	}
	return r, nil
}

// Acquire polls SET NX until it wins or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string) (Unlock, error) {
	redisKey := keyPrefix + key
	token := r.newToken()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("lock: acquire %q: %w", key, err)
		}
		if ok {
			return r.hold(redisKey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}

// hold keeps the lease alive in the background and returns the Unlock that
// stops renewal and releases the key.
func (r *Redis) hold(redisKey, token string) Unlock {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.keepAlive(stop, redisKey, token)
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
		})
		if err := r.client.Eval(ctx, releaseScript, []string{redisKey}, token).Err(); err != nil {
			return fmt.Errorf("lock: release %q: %w", redisKey, err)
		}
		return nil
	}
}

func (r *Redis) keepAlive(stop <-chan struct{}, redisKey, token string) {
	ticker := time.NewTicker(r.renew)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.renew)
		n, err := r.client.Eval(ctx, renewScript, []string{redisKey}, token, r.ttl.Milliseconds()).Int64()
		cancel()
		if err == nil && n == 0 {
			// the key is gone or held by someone else
			return
		}
	}
}
