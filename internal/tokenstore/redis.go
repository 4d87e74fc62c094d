package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ferux/pairbroker/internal/config"
	"github.com/ferux/pairbroker/internal/model"
)

// Redis keeps records in redis. Expiration is done by redis itself.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps already configured client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Dial connects to redis and checks it responds.
func Dial(ctx context.Context, cfg config.Redis) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout.Std(),
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}

	return NewRedis(client), nil
}

func (s *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", key, err)
	}

	return nil
}

func (s *Redis) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", model.ErrNotFound
	case err != nil:
		return "", unavailable("get", key, err)
	}

	return value, nil
}

// Pop uses GETDEL which is atomic on the server side.
func (s *Redis) Pop(ctx context.Context, key string) (string, error) {
	value, err := s.client.GetDel(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", model.ErrNotFound
	case err != nil:
		return "", unavailable("pop", key, err)
	}

	return value, nil
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return unavailable("delete", key, err)
	}

	return nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
