// Package lease guards a batch against concurrent invocations.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nosey/viewership-pipeline/internal/model"
)

// ErrBatchInFlight is returned when another invocation holds the batch.
var ErrBatchInFlight = eris.New("lease: batch already in flight")

// ErrLeaseLost is returned by Extend once the key has expired or been
// taken by another invocation.
var ErrLeaseLost = eris.New("lease: lease lost")

// Lease is a held claim on a batch.
type Lease interface {
	// Extend resets the lease to its full TTL.
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Leaser hands out per-batch leases.
type Leaser interface {
	Acquire(ctx context.Context, b model.Batch) (Lease, error)
}

// Noop grants every request. Used when leasing is disabled.
type Noop struct{}

type noopLease struct{}

func (noopLease) Extend(context.Context) error { return nil }
func (noopLease) Release(context.Context) error { return nil }

// Acquire always succeeds.
func (Noop) Acquire(context.Context, model.Batch) (Lease, error) {
	return noopLease{}, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisLeaser takes leases with SET NX and a random ownership token.
type RedisLeaser struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a leaser. A non-positive ttl defaults to 30 minutes.
func NewRedis(client *redis.Client, ttl time.Duration) *RedisLeaser {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLeaser{client: client, ttl: ttl}
}

// Key returns the Redis key for a batch.
func Key(b model.Batch) string {
	return "lease:" + b.Key()
}

// Acquire claims the batch or returns ErrBatchInFlight.
func (l *RedisLeaser) Acquire(ctx context.Context, b model.Batch) (Lease, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	key := Key(b)
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "lease: acquire %s", key)
	}
	if !ok {
		return nil, eris.Wrapf(ErrBatchInFlight, "lease: %s", key)
	}
	zap.L().Debug("lease: acquired", zap.String("key", key), zap.Duration("ttl", l.ttl))
	return &redisLease{client: l.client, key: key, token: token, ttl: l.ttl}, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// Extend pushes the expiry out by the leaser TTL while this lease still
// owns the key.
func (r *redisLease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, r.client, []string{r.key}, r.token, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return eris.Wrapf(err, "lease: extend %s", r.key)
	}
	if n == 0 {
		return eris.Wrapf(ErrLeaseLost, "lease: %s", r.key)
	}
	return nil
}

// Release deletes the key only while this lease still owns it.
func (r *redisLease) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Result()
	return eris.Wrapf(err, "lease: release %s", r.key)
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", eris.Wrap(err, "lease: token")
	}
	return hex.EncodeToString(b), nil
}
