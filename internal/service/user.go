package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"storypad/internal/auth"
	"storypad/internal/config"
	"storypad/internal/models"

	"gorm.io/gorm"
)

// UserService 封装注册、登录与会话续期。
type UserService struct {
	db     *gorm.DB
	cfg    config.Config
	tokens auth.TokenStore
	now    func() time.Time
}

func NewUserService(db *gorm.DB, cfg config.Config, tokens auth.TokenStore) *UserService {
	return &UserService{db: db, cfg: cfg, tokens: tokens, now: time.Now}
}

// UserDTO 是对外输出的用户资料；id 以字符串下发，与协作事件里的 userId 一致。
type UserDTO struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

func toUserDTO(u models.User) *UserDTO {
	return &UserDTO{ID: strconv.FormatUint(uint64(u.ID), 10), Username: u.Username, Email: u.Email}
}

// AuthResult 是登录与刷新的统一响应。
type AuthResult struct {
	Token            string    `json:"token"`
	RefreshToken     string    `json:"refreshToken"`
	TokenExpiresAt   time.Time `json:"tokenExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	SessionExpiresAt time.Time `json:"sessionExpiresAt"`
	User             *UserDTO  `json:"user"`
}

// Register 注册新用户。
func (s *UserService) Register(ctx context.Context, username, email, password string) (*UserDTO, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Username: username, Email: email, PasswordHash: hash}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return toUserDTO(user), nil
}

// Login 校验用户名密码，开启一个新的绝对会话并签发 token 对。
func (s *UserService) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	sess := auth.RefreshSession{
		UserID:           user.ID,
		ExpiresAt:        now.Add(s.refreshTTL()),
		SessionExpiresAt: now.Add(time.Duration(s.cfg.SessionTTLHours) * time.Hour),
		CreatedAt:        now,
	}
	if err := s.tokens.Save(ctx, rt, sess); err != nil {
		return nil, err
	}
	return s.issue(user, rt, sess)
}

// Refresh 轮换 refresh token；新 token 沿用原会话期限。
// 会话期限已过时返回 auth.ErrSessionExpired。
func (s *UserService) Refresh(ctx context.Context, oldRT string) (*AuthResult, error) {
	newRT, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	sess, err := s.tokens.Rotate(ctx, oldRT, newRT, s.now().Add(s.refreshTTL()))
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, sess.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, auth.ErrInvalidRefreshToken
		}
		return nil, err
	}
	return s.issue(user, newRT, *sess)
}

// Logout 吊销单个 refresh token。
func (s *UserService) Logout(ctx context.Context, rt string) error {
	return s.tokens.Revoke(ctx, rt)
}

func (s *UserService) issue(user models.User, rt string, sess auth.RefreshSession) (*AuthResult, error) {
	at, exp, err := auth.GenerateAccessToken(user.ID, user.Username, s.cfg.JWTSecret, time.Duration(s.cfg.AccessTokenTTLMinutes)*time.Minute)
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		Token:            at,
		RefreshToken:     rt,
		TokenExpiresAt:   exp,
		RefreshExpiresAt: sess.ExpiresAt,
		SessionExpiresAt: sess.SessionExpiresAt,
		User:             toUserDTO(user),
	}, nil
}

func (s *UserService) refreshTTL() time.Duration {
	return time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour
}
