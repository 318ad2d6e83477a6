package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sonarworks/workflow-backend/internal/config"
)

var RedisClient *redis.Client

func ConnectRedis(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	RedisClient = client
	log.Println("Redis connected successfully")
	return client, nil
}

func CloseRedis(client *redis.Client) error {
	return client.Close()
}

// SessionStore tracks login sessions and revoked JWTs in Redis. A token
// on the blacklist is rejected even though its signature still checks out.
type SessionStore struct {
	client *redis.Client
}

func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{client: client}
}

func (s *SessionStore) SetUserSession(ctx context.Context, userID string, sessionData interface{}, expiration time.Duration) error {
	data, err := json.Marshal(sessionData)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, fmt.Sprintf("session:%s", userID), data, expiration).Err()
}

func (s *SessionStore) DeleteUserSession(ctx context.Context, userID string) error {
	return s.client.Del(ctx, fmt.Sprintf("session:%s", userID)).Err()
}

func (s *SessionStore) BlacklistToken(ctx context.Context, token string, expiration time.Duration) error {
	return s.client.Set(ctx, fmt.Sprintf("blacklist:%s", token), "1", expiration).Err()
}

func (s *SessionStore) IsTokenBlacklisted(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Exists(ctx, fmt.Sprintf("blacklist:%s", token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
