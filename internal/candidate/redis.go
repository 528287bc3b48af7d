package candidate

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"herald/pkg/logx"
)

// RedisSource pops JSON-encoded candidates from a redis list that the
// monitoring producer RPUSHes to.
type RedisSource struct {
	rdb     redis.UniversalClient
	key     string
	timeout time.Duration
	log     logx.Logger
}

func NewRedisSource(rdb redis.UniversalClient, key string, log logx.Logger) *RedisSource {
	if key == "" {
		key = "herald:candidates"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisSource{rdb: rdb, key: key, timeout: 2 * time.Second, log: log}
}

// Next pops one candidate. Undecodable entries are logged and dropped; a
// redis error ends the current drain.
func (s *RedisSource) Next() (Candidate, bool) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		raw, err := s.rdb.LPop(ctx, s.key).Bytes()
		cancel()
		if errors.Is(err, redis.Nil) {
			return Candidate{}, false
		}
		if err != nil {
			s.log.Warn("candidate.redis_pop_failed", logx.String("key", s.key), logx.Err(err))
			return Candidate{}, false
		}
		var c Candidate
		if err := sonic.Unmarshal(raw, &c); err != nil {
			s.log.Warn("candidate.redis_decode_failed", logx.String("key", s.key), logx.Err(err))
			continue
		}
		return c, true
	}
}

// Restart is a no-op; popped entries are gone.
func (s *RedisSource) Restart() {}

// Push appends c to the list. Producers and tests use it.
func (s *RedisSource) Push(ctx context.Context, c Candidate) error {
	b, err := sonic.Marshal(c)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, s.key, b).Err()
}
