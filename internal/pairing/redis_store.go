package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisPendingPrefix = "scanlink:pairing:code:"
	redisUsedPrefix    = "scanlink:pairing:used:"
	// redisOwnerPrefix keys a sorted set of an owner's codes scored by creation time.
	redisOwnerPrefix = "scanlink:pairing:owner:"
)

// RedisStore keeps codes in Redis with native expiry. Create uses SET NX so two
// backends never hand out the same code; Consume uses GETDEL so exactly one
// validator wins. Like MemoryStore it keeps at most MaxPendingPerOwner live
// codes per owner.
type RedisStore struct {
	client   *redis.Client
	now      func() time.Time
	generate func() (string, error)
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now, generate: GenerateCode}
}

// NewRedisStoreFromURL parses a redis:// URL and pings the server.
func NewRedisStoreFromURL(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client), nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Create(ctx context.Context, owner Owner, ttl time.Duration) (*Code, error) {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}

	if err := s.evictOldest(ctx, owner.UserID); err != nil {
		return nil, fmt.Errorf("trim pairing codes: %w", err)
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		code, err := s.generate()
		if err != nil {
			return nil, err
		}
		used, err := s.client.Exists(ctx, redisUsedPrefix+code).Result()
		if err != nil {
			return nil, fmt.Errorf("check pairing code: %w", err)
		}
		if used > 0 {
			continue
		}
		now := s.now()
		c := &Code{
			Code:      code,
			Owner:     owner,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		data, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshal pairing code: %w", err)
		}

		ok, err := s.client.SetNX(ctx, redisPendingPrefix+code, data, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("store pairing code: %w", err)
		}
		if !ok {
			continue
		}

		key := redisOwnerPrefix + owner.UserID
		pipe := s.client.TxPipeline()
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMicro()), Member: code})
		pipe.Expire(ctx, key, ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			s.client.Del(ctx, redisPendingPrefix+code)
			return nil, fmt.Errorf("index pairing code: %w", err)
		}

		slog.Info("pairing code generated", "code", code, "owner", owner.UserID, "store", "redis")
		return c, nil
	}
	return nil, fmt.Errorf("pairing: no free code after %d attempts", maxCreateAttempts)
}

func (s *RedisStore) Get(ctx context.Context, code string) (*Code, error) {
	data, err := s.client.Get(ctx, redisPendingPrefix+code).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, s.missing(ctx, code)
	}
	if err != nil {
		return nil, fmt.Errorf("load pairing code: %w", err)
	}
	return decodeCode(data)
}

func (s *RedisStore) Consume(ctx context.Context, code string) (*Code, error) {
	data, err := s.client.GetDel(ctx, redisPendingPrefix+code).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, s.missing(ctx, code)
	}
	if err != nil {
		return nil, fmt.Errorf("consume pairing code: %w", err)
	}

	c, err := decodeCode(data)
	if err != nil {
		return nil, err
	}
	s.client.ZRem(ctx, redisOwnerPrefix+c.Owner.UserID, code)

	// Remember the consumption until the code would have expired anyway.
	remaining := c.ExpiresAt.Sub(s.now())
	if remaining < time.Minute {
		remaining = time.Minute
	}
	if err := s.client.Set(ctx, redisUsedPrefix+code, c.Owner.UserID, remaining).Err(); err != nil {
		slog.Warn("pairing: failed to record consumed code", "code", code, "error", err)
	}

	slog.Info("pairing code consumed", "code", code, "owner", c.Owner.UserID, "store", "redis")
	return c, nil
}

func (s *RedisStore) Revoke(ctx context.Context, code string) error {
	data, err := s.client.GetDel(ctx, redisPendingPrefix+code).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("revoke pairing code: %w", err)
	}
	c, err := decodeCode(data)
	if err != nil {
		return err
	}
	s.client.ZRem(ctx, redisOwnerPrefix+c.Owner.UserID, code)
	slog.Info("pairing code revoked", "code", code, "owner", c.Owner.UserID, "store", "redis")
	return nil
}

// evictOldest drops the owner's oldest live codes until there is room for one
// more. Index entries for codes that expired or were consumed are pruned first.
func (s *RedisStore) evictOldest(ctx context.Context, userID string) error {
	key := redisOwnerPrefix + userID
	codes, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}

	var live []string
	for _, code := range codes {
		n, err := s.client.Exists(ctx, redisPendingPrefix+code).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			s.client.ZRem(ctx, key, code)
			continue
		}
		live = append(live, code)
	}

	for len(live) >= MaxPendingPerOwner {
		oldest := live[0]
		live = live[1:]
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, redisPendingPrefix+oldest)
		pipe.ZRem(ctx, key, oldest)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		slog.Debug("pairing code superseded", "code", oldest, "owner", userID, "store", "redis")
	}
	return nil
}

func (s *RedisStore) missing(ctx context.Context, code string) error {
	n, err := s.client.Exists(ctx, redisUsedPrefix+code).Result()
	if err == nil && n > 0 {
		return ErrCodeConsumed
	}
	return ErrCodeNotFound
}

func decodeCode(data []byte) (*Code, error) {
	var c Code
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode pairing code: %w", err)
	}
	return &c, nil
}
