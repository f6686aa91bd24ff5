package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPresencePrefix = "presence:"

// DialRedis connects to Redis and verifies the connection with a ping.
func DialRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisMirror publishes presence as expiring keys: presence:{user_id}.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror creates a mirror whose keys expire after ttl unless refreshed.
func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisMirror{client: client, ttl: ttl}
}

type presenceRecord struct {
	Status      string `json:"status"`
	ConnectedAt int64  `json:"connected_at"`
}

func presenceKey(userID string) string {
	return redisPresencePrefix + userID
}

func encodePresence(since time.Time) ([]byte, error) {
	return json.Marshal(presenceRecord{Status: "online", ConnectedAt: since.Unix()})
}

// SetOnline writes the user's presence key.
func (m *RedisMirror) SetOnline(ctx context.Context, userID string, since time.Time) error {
	data, err := encodePresence(since)
	if err != nil {
		return fmt.Errorf("presence: marshal: %w", err)
	}
	return m.client.Set(ctx, presenceKey(userID), data, m.ttl).Err()
}

// Refresh extends the key's TTL.
func (m *RedisMirror) Refresh(ctx context.Context, userID string) error {
	return m.client.Expire(ctx, presenceKey(userID), m.ttl).Err()
}

// SetOffline deletes the user's presence key.
func (m *RedisMirror) SetOffline(ctx context.Context, userID string) error {
	return m.client.Del(ctx, presenceKey(userID)).Err()
}

// Status reads the mirrored status; a missing key means offline.
func (m *RedisMirror) Status(ctx context.Context, userID string) (string, error) {
	val, err := m.client.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "offline", nil
	}
	if err != nil {
		return "", err
	}
	var rec presenceRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return "", fmt.Errorf("presence: unmarshal: %w", err)
	}
	return rec.Status, nil
}

// Ping checks the Redis connection.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
