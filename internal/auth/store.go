package auth

import (
	"context"
	"errors"
	"time"

	"storypad/internal/models"

	"gorm.io/gorm"
)

var (
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrSessionExpired 表示绝对会话期限已过，客户端应静默清理本地状态。
	ErrSessionExpired = errors.New("session expired")
)

// RefreshSession 是一个 refresh token 背后的会话记录。
type RefreshSession struct {
	UserID           uint      `json:"user_id"`
	ExpiresAt        time.Time `json:"expires_at"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// TokenStore 抽象 refresh token 的持久化；Postgres 与 Redis 各有一个实现。
type TokenStore interface {
	Save(ctx context.Context, token string, s RefreshSession) error
	// Rotate 校验并吊销 oldToken，以相同的会话期限保存 newToken。
	Rotate(ctx context.Context, oldToken, newToken string, newExpiresAt time.Time) (*RefreshSession, error)
	Revoke(ctx context.Context, token string) error
}

// GormTokenStore 把 refresh token 存在 refresh_tokens 表里。
type GormTokenStore struct {
	db *gorm.DB
}

func NewGormTokenStore(db *gorm.DB) *GormTokenStore { return &GormTokenStore{db: db} }

func (s *GormTokenStore) Save(ctx context.Context, token string, rs RefreshSession) error {
	rt := models.RefreshToken{UserID: rs.UserID, Token: token, ExpiresAt: rs.ExpiresAt, SessionExpiresAt: rs.SessionExpiresAt}
	return s.db.WithContext(ctx).Create(&rt).Error
}

func (s *GormTokenStore) Rotate(ctx context.Context, oldToken, newToken string, newExpiresAt time.Time) (*RefreshSession, error) {
	var out *RefreshSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rt models.RefreshToken
		now := time.Now()
		err := tx.Where("token = ? AND revoked_at IS NULL AND expires_at > ?", oldToken, now).First(&rt).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidRefreshToken
		}
		if err != nil {
			return err
		}
		if !rt.SessionExpiresAt.After(now) {
			return ErrSessionExpired
		}
		if err := tx.Model(&models.RefreshToken{}).Where("id = ?", rt.ID).Update("revoked_at", &now).Error; err != nil {
			return err
		}
		next := models.RefreshToken{UserID: rt.UserID, Token: newToken, ExpiresAt: newExpiresAt, SessionExpiresAt: rt.SessionExpiresAt}
		if err := tx.Create(&next).Error; err != nil {
			return err
		}
		out = &RefreshSession{UserID: rt.UserID, ExpiresAt: newExpiresAt, SessionExpiresAt: rt.SessionExpiresAt, CreatedAt: next.CreatedAt}
		return nil
	})
	if errors.Is(err, ErrSessionExpired) {
		// 过期会话的 token 不再可用。
		_ = s.Revoke(ctx, oldToken)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormTokenStore) Revoke(ctx context.Context, token string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&models.RefreshToken{}).Where("token = ? AND revoked_at IS NULL", token).Update("revoked_at", &now).Error
}
