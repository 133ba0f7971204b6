package fsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tg_shop_bot/internal/config"
)

// pingBackOff bounds the startup connectivity retries; overridable for tests.
var pingBackOff = func() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	return policy
}

// RedisStorage keeps state in Redis so it survives restarts and is shared
// between replicas.
type RedisStorage struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStorage connects to Redis and waits until it answers a ping.
func NewRedisStorage(ctx context.Context, cfg config.Redis, logger *logrus.Entry) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr(),
		DB:   cfg.DB,
	})

	operation := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		err := client.Ping(pingCtx).Err()
		if err != nil && logger != nil {
			logger.WithError(err).WithField("addr", cfg.Addr()).Warn("redis not ready")
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(pingBackOff(), ctx)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisStorageWithClient(client, 0), nil
}

// NewRedisStorageWithClient wraps an existing client. A zero ttl keeps keys
// until they are cleared.
func NewRedisStorageWithClient(client redis.UniversalClient, ttl time.Duration) *RedisStorage {
	return &RedisStorage{client: client, ttl: ttl}
}

func (s *RedisStorage) GetState(ctx context.Context, key Key) (string, error) {
	state, err := s.client.Get(ctx, key.StateKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get fsm state: %w", err)
	}

	return state, nil
}

func (s *RedisStorage) SetState(ctx context.Context, key Key, state string) error {
	var err error
	if state == "" {
		err = s.client.Del(ctx, key.StateKey()).Err()
	} else {
		err = s.client.Set(ctx, key.StateKey(), state, s.ttl).Err()
	}
	if err != nil {
		return fmt.Errorf("set fsm state: %w", err)
	}

	return nil
}

func (s *RedisStorage) GetData(ctx context.Context, key Key) (map[string]string, error) {
	raw, err := s.client.Get(ctx, key.DataKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fsm data: %w", err)
	}

	data := map[string]string{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode fsm data: %w", err)
	}

	return data, nil
}

func (s *RedisStorage) SetData(ctx context.Context, key Key, data map[string]string) error {
	if len(data) == 0 {
		if err := s.client.Del(ctx, key.DataKey()).Err(); err != nil {
			return fmt.Errorf("clear fsm data: %w", err)
		}
		return nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode fsm data: %w", err)
	}

	if err := s.client.Set(ctx, key.DataKey(), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set fsm data: %w", err)
	}

	return nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Open selects the backend configured by BOT__USE_REDIS.
func Open(ctx context.Context, cfg config.Config, logger *logrus.Entry) (Storage, error) {
	if !cfg.Bot.UseRedis {
		return NewMemoryStorage(), nil
	}

	return NewRedisStorage(ctx, cfg.Redis, logger)
}
