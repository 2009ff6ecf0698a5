package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 200

// Client is typed access to the shared coordination store. Every key it
// builds lives under a fixed prefix so several deployments can share one
// Redis.
type Client struct {
	rdb    *redis.Client
	prefix string
}

func New(rdb *redis.Client, prefix string) *Client {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = "mf"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

func (c *Client) Redis() *redis.Client { return c.rdb }

func (c *Client) Prefix() string { return c.prefix }

// Key joins prefix, subsystem and ids: Key("lease", "conn", "42") -> "mf:lease:conn:42".
func (c *Client) Key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, ttl).Err()
}

// GetJSON decodes the value at key into v. It reports false when the key
// does not exist.
func (c *Client) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// ScanKeys walks the keyspace with SCAN and returns every key matching pattern.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// DeleteMatching removes every key matching pattern in batches and returns
// how many keys were deleted.
func (c *Client) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	keys, err := c.ScanKeys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		n, err := c.rdb.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
	}
	return deleted, nil
}
