package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisCheckpointPrefix = "curamigrate:checkpoint:"

// RedisCheckpoint stores the snapshot JSON under one key per root.
type RedisCheckpoint struct {
	client *redis.Client
	key    string
}

func NewRedisCheckpoint(dsn, rootKey string) (*RedisCheckpoint, error) {
	dsn = strings.TrimSpace(dsn)
	rootKey = strings.TrimSpace(rootKey)
	if dsn == "" || rootKey == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	return NewRedisCheckpointFromClient(redis.NewClient(opts), rootKey), nil
}

func NewRedisCheckpointFromClient(client *redis.Client, rootKey string) *RedisCheckpoint {
	return &RedisCheckpoint{client: client, key: redisCheckpointPrefix + rootKey}
}

func (c *RedisCheckpoint) Load(ctx context.Context) (Snapshot, error) {
	payload, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(payload)
}

func (c *RedisCheckpoint) Save(ctx context.Context, snap Snapshot) error {
	if snap == nil {
		return nil
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, payload, 0).Err()
}

func (c *RedisCheckpoint) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
