package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"stockbill/backend/internal/domain"
)

type RedisBillCache struct {
	client *redis.Client
}

func NewRedisBillCache(addr string, password string, db int) *RedisBillCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisBillCache{client: client}
}

func (c *RedisBillCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisBillCache) Close() error {
	return c.client.Close()
}

func (c *RedisBillCache) Get(ctx context.Context, key string) (*domain.BillView, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var view domain.BillView
	if err := json.Unmarshal(val, &view); err != nil {
		return nil, false, err
	}
	return &view, true, nil
}

func (c *RedisBillCache) Set(ctx context.Context, key string, value *domain.BillView, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisBillCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
