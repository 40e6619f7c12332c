// Package redis wraps the go-redis client with the key layout used by
// cloudpool. Redis is optional: callers fall back to in-memory state
// when no client is configured.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes
const (
	PrefixSignatureTool     = "cloudpool:signatures:tool:"
	PrefixSignatureThinking = "cloudpool:signatures:thinking:"
	PrefixStats             = "cloudpool:stats:"
)

// Client wraps the Redis client with domain-specific operations
type Client struct {
	rdb *redis.Client
}

// Config represents Redis connection configuration
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection
func NewClient(cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Set stores a JSON-encoded value with optional TTL
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// Get retrieves a JSON-encoded value
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete removes keys
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// SetString stores a plain string
func (c *Client) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// GetString retrieves a plain string; missing keys return ""
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	result, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return result, err
}

// HSet sets string fields in a hash
func (c *Client) HSet(ctx context.Context, key string, values map[string]string) error {
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	return c.rdb.HSet(ctx, key, args...).Err()
}

// HGetAll retrieves all fields from a hash
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HIncrBy increments a hash field by an integer
func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, key, field, incr).Result()
}

// Expire sets a TTL on a key
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// ScanAll returns all keys matching a pattern using SCAN
func (c *Client) ScanAll(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error
		batch, cursor, err = c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// IsNil checks if an error is redis.Nil (key not found)
func IsNil(err error) bool {
	return err == redis.Nil
}

// SetToolSignature caches a thought signature for a tool_use ID
func (c *Client) SetToolSignature(ctx context.Context, toolUseID, signature string, ttl time.Duration) error {
	return c.SetString(ctx, PrefixSignatureTool+toolUseID, signature, ttl)
}

// GetToolSignature retrieves a cached thought signature, "" when absent
func (c *Client) GetToolSignature(ctx context.Context, toolUseID string) (string, error) {
	return c.GetString(ctx, PrefixSignatureTool+toolUseID)
}

// SetThinkingSignature records which model family produced a thinking
// signature. Signatures are hashed so the key stays short.
func (c *Client) SetThinkingSignature(ctx context.Context, signature, modelFamily string, ttl time.Duration) error {
	key := PrefixSignatureThinking + hashSignature(signature)
	if err := c.HSet(ctx, key, map[string]string{
		"modelFamily": modelFamily,
		"timestamp":   time.Now().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	return c.Expire(ctx, key, ttl)
}

// GetThinkingSignatureFamily returns the model family for a thinking
// signature, "" when unknown
func (c *Client) GetThinkingSignatureFamily(ctx context.Context, signature string) (string, error) {
	data, err := c.HGetAll(ctx, PrefixSignatureThinking+hashSignature(signature))
	if err != nil {
		return "", err
	}
	return data["modelFamily"], nil
}

func hashSignature(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])
}
