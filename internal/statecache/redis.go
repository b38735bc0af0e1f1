// Package statecache keeps pre-fetched raw integration payloads in Redis.
//
// Keys are namespaced per org and tool:
//
//	/<prefix>/toolstate/<orgID>/<toolID>
//
// Each key is a hash from integration id to the payload's JSON encoding.
package statecache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores integration state in Redis hashes.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a cache. A zero ttl keeps state until overwritten.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// Dial parses a redis:// URL, connects and verifies the connection.
func Dial(ctx context.Context, url, prefix string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisCache(client, prefix, ttl), nil
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) stateKey(orgID, toolID string) string {
	return path.Join("/", c.prefix, "toolstate", orgID, toolID)
}

// PutState stores the latest payload for one integration of a tool.
func (c *RedisCache) PutState(ctx context.Context, orgID, toolID, integrationID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	key := c.stateKey(orgID, toolID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, integrationID, data)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store state in redis: %w", err)
	}
	return nil
}

// ReadState returns all cached payloads for a tool keyed by integration id.
// A tool with no cached state yields an empty map.
func (c *RedisCache) ReadState(ctx context.Context, orgID, toolID string) (map[string]any, error) {
	fields, err := c.client.HGetAll(ctx, c.stateKey(orgID, toolID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read state from redis: %w", err)
	}

	state := make(map[string]any, len(fields))
	for integrationID, raw := range fields {
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode state %s: %w", integrationID, err)
		}
		state[integrationID] = v
	}
	return state, nil
}

// DeleteState drops all cached payloads for a tool.
func (c *RedisCache) DeleteState(ctx context.Context, orgID, toolID string) error {
	if err := c.client.Del(ctx, c.stateKey(orgID, toolID)).Err(); err != nil {
		return fmt.Errorf("delete state from redis: %w", err)
	}
	return nil
}
