package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/meoying/dlock-go"
	dlockredis "github.com/meoying/dlock-go/redis"
	"github.com/redis/go-redis/v9"
)

// Redis is a cross-process Locker built on dlock-go. wait bounds how long
// TryAcquire lets dlock retry before reporting the name as held.
type Redis struct {
	client dlock.Client
	rdb    redis.UniversalClient
	prefix string
	wait   time.Duration
}

func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "herald:lock:"
	}
	return &Redis{
		client: dlockredis.NewClient(rdb),
		rdb:    rdb,
		prefix: prefix,
		wait:   200 * time.Millisecond,
	}
}

// TryAcquire reports a held name as ok=false. dlock does not tell contention
// from a broken connection, so a failed Lock is followed by a PING: when that
// fails too the error is returned.
func (r *Redis) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	l, err := r.client.NewLock(ctx, r.prefix+name, ttl)
	if err != nil {
		return nil, false, err
	}
	lockCtx, cancel := context.WithTimeout(ctx, r.wait)
	err = l.Lock(lockCtx)
	cancel()
	if err == nil {
		return &redisLease{lock: l}, true, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, false, cerr
	}
	if perr := r.rdb.Ping(ctx).Err(); perr != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", name, perr)
	}
	return nil, false, nil
}

type redisLease struct {
	lock dlock.Lock
}

// Refresh pushes the expiry out by the ttl the lease was taken with.
func (l *redisLease) Refresh(ctx context.Context) error {
	if err := l.lock.Refresh(ctx); err != nil {
		return notHeld(ctx, err)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := l.lock.Unlock(ctx); err != nil {
		return notHeld(ctx, err)
	}
	return nil
}

// notHeld maps a dlock failure to ErrNotHeld unless ctx ended first.
func notHeld(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %v", ErrNotHeld, err)
}
