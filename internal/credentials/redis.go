package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/mcpgate/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces credential keys in Redis.
const DefaultKeyPrefix = "mcpgate:credentials"

// StringGetter is the subset of the Redis client used by RedisProvider.
type StringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisProvider reads JSON-encoded Credentials from Redis.
//
// Keys are "<prefix>:<server>:<user>" with a fallback to "<prefix>:<server>".
type RedisProvider struct {
	client StringGetter
	prefix string
}

// NewRedisProvider creates a provider over client.
func NewRedisProvider(client StringGetter, prefix string) *RedisProvider {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisProvider{client: client, prefix: prefix}
}

// DialRedis opens a client for addr and verifies it with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Key returns the Redis key for a server and user. An empty user yields the
// server-wide key.
func (p *RedisProvider) Key(serverID, userID string) string {
	if userID == "" {
		return p.prefix + ":" + serverID
	}
	return p.prefix + ":" + serverID + ":" + userID
}

// Get implements Manager.
func (p *RedisProvider) Get(ctx context.Context, serverID string, user models.UserContext) (*Credentials, error) {
	keys := []string{p.Key(serverID, "")}
	if user.UserID != "" {
		keys = []string{p.Key(serverID, user.UserID), p.Key(serverID, "")}
	}

	for _, key := range keys {
		raw, err := p.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s: %w", key, err)
		}

		var c Credentials
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode credentials %s: %w", key, err)
		}
		if c.ServerID == "" {
			c.ServerID = serverID
		}
		if c.Expired(time.Now()) {
			continue
		}
		return &c, nil
	}
	return nil, ErrNoCredentials
}
