package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisTokenStore 以 refresh:<token> 为键保存会话，TTL 跟随 refresh token 过期时间。
type RedisTokenStore struct {
	client *redis.Client
	prefix string
}

func NewRedisTokenStore(redisURL string) (*RedisTokenStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisTokenStoreWithClient(client), nil
}

func NewRedisTokenStoreWithClient(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client, prefix: "refresh:"}
}

func (s *RedisTokenStore) key(token string) string { return s.prefix + token }

func (s *RedisTokenStore) Save(ctx context.Context, token string, rs RefreshSession) error {
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = time.Now()
	}
	data, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("marshal refresh session: %w", err)
	}
	ttl := time.Until(rs.ExpiresAt)
	if ttl <= 0 {
		return ErrInvalidRefreshToken
	}
	if err := s.client.Set(ctx, s.key(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// Rotate 用 GETDEL 原子地消费旧 token，同一个 token 并发刷新只有一方成功。
func (s *RedisTokenStore) Rotate(ctx context.Context, oldToken, newToken string, newExpiresAt time.Time) (*RefreshSession, error) {
	raw, err := s.client.GetDel(ctx, s.key(oldToken)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}
	var rs RefreshSession
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("unmarshal refresh session: %w", err)
	}
	if !rs.SessionExpiresAt.After(time.Now()) {
		return nil, ErrSessionExpired
	}
	next := RefreshSession{UserID: rs.UserID, ExpiresAt: newExpiresAt, SessionExpiresAt: rs.SessionExpiresAt, CreatedAt: time.Now()}
	if err := s.Save(ctx, newToken, next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *RedisTokenStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisTokenStore) Close() error { return s.client.Close() }
