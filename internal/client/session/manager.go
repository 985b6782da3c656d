// Package session 管理客户端的登录态：缓存 access/refresh token，
// 在过期前主动刷新，并在绝对会话期限临近时发出提醒。
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	clog "storypad/internal/log"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var ErrNotAuthenticated = errors.New("not authenticated")

// AuthError 是认证接口返回的非 2xx 响应。
type AuthError struct {
	Status         int
	Message        string
	SessionExpired bool
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth request failed (%d): %s", e.Status, e.Message)
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Warning 在会话剩余时间不足时派发给界面。
type Warning struct {
	SessionExpiresAt time.Time
	Remaining        time.Duration
}

type tokenResponse struct {
	Token            string    `json:"token"`
	RefreshToken     string    `json:"refreshToken"`
	TokenExpiresAt   time.Time `json:"tokenExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	SessionExpiresAt time.Time `json:"sessionExpiresAt"`
	User             *User     `json:"user,omitempty"`
}

type errorResponse struct {
	Error          string `json:"error"`
	SessionExpired bool   `json:"sessionExpired"`
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      Store

	// RefreshLead 是 access token 过期前多久刷新，默认 5 分钟。
	RefreshLead time.Duration
	// CheckInterval 是检查绝对会话期限的周期，默认 5 分钟。
	CheckInterval time.Duration
	// WarnBefore 是会话剩余多少时间开始提醒，默认 10 分钟。
	WarnBefore time.Duration

	OnWarning func(Warning)
	// OnRedirect 在登出后调用，相当于跳转到登录页。
	OnRedirect func()
	Now        func() time.Time
}

// Manager 在应用启动时构造一次，并注入到所有需要 token 的地方。
type Manager struct {
	cfg    Config
	log    zerolog.Logger
	flight singleflight.Group

	mu           sync.Mutex
	refreshTimer *time.Timer
	stopCheck    chan struct{}
}

func New(cfg Config) *Manager {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.RefreshLead == 0 {
		cfg.RefreshLead = 5 * time.Minute
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.WarnBefore == 0 {
		cfg.WarnBefore = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Manager{cfg: cfg, log: clog.Component("session")}
}

// Start 根据已持久化的状态恢复刷新定时器，并启动会话期限检查。可重复调用。
func (m *Manager) Start() {
	if exp, ok := m.timeValue(KeyTokenExpiresAt); ok {
		m.armRefresh(exp)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCheck != nil {
		return
	}
	stop := make(chan struct{})
	m.stopCheck = stop
	go m.checkLoop(stop)
}

// Stop 取消全部定时器。
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.stopCheck != nil {
		close(m.stopCheck)
		m.stopCheck = nil
	}
}

func (m *Manager) checkLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.CheckSession()
		}
	}
}

// Login 登录并保存全部会话字段，然后安排提前刷新。
func (m *Manager) Login(ctx context.Context, creds Credentials) (*User, error) {
	var resp tokenResponse
	if err := m.post(ctx, "/api/login", "", creds, &resp); err != nil {
		return nil, err
	}
	if err := m.saveTokens(resp); err != nil {
		return nil, err
	}
	if resp.User != nil {
		if err := m.saveUser(*resp.User); err != nil {
			return nil, err
		}
	}
	m.Start()
	return resp.User, nil
}

// GetValidToken 返回缓存的 access token；距过期不足 RefreshLead 时先同步刷新。
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	token, ok, err := m.cfg.Store.Get(KeyToken)
	if err != nil {
		return "", err
	}
	if !ok || token == "" {
		return "", ErrNotAuthenticated
	}
	exp, ok := m.timeValue(KeyTokenExpiresAt)
	if ok && exp.Sub(m.cfg.Now()) >= m.cfg.RefreshLead {
		return token, nil
	}
	token, err = m.RefreshToken(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNotAuthenticated
	}
	return token, nil
}

// RefreshToken 用 refresh token 换取新的 access token。并发调用共享同一次请求。
//
// 服务端报告会话已过期时静默清理本地状态，返回空 token 且不报错；
// 其他失败（包括网络错误）一律强制登出，不重试。
//
// 调用方的 ctx 只决定它自己等多久：交换本身在脱离取消的 context 上进行，
// 调用方放弃等待不会被当作刷新失败，也不会连累同时等待的其他调用方。
func (m *Manager) RefreshToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ch := m.flight.DoChan("refresh", func() (interface{}, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	rt, ok, err := m.cfg.Store.Get(KeyRefreshToken)
	if err != nil {
		return "", err
	}
	if !ok || rt == "" {
		m.Logout(ctx)
		return "", ErrNotAuthenticated
	}

	var resp tokenResponse
	err = m.post(ctx, "/api/refresh", "", map[string]string{"refreshToken": rt}, &resp)
	var authErr *AuthError
	if errors.As(err, &authErr) && authErr.SessionExpired {
		m.log.Info().Msg("session expired, clearing local state")
		m.stopRefreshTimer()
		if err := m.cfg.Store.Remove(KeyToken, KeyTokenExpiresAt, KeySessionExpiresAt, KeyUser); err != nil {
			return "", err
		}
		return "", nil
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("token refresh failed, logging out")
		m.Logout(ctx)
		return "", err
	}
	if err := m.saveTokens(resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Logout 尽力通知服务端吊销 token，然后无条件清空本地存储并跳转登录页。
func (m *Manager) Logout(ctx context.Context) {
	m.Stop()
	rt, _, _ := m.cfg.Store.Get(KeyRefreshToken)
	token, _, _ := m.cfg.Store.Get(KeyToken)
	if rt != "" || token != "" {
		if err := m.post(ctx, "/api/logout", token, map[string]string{"refreshToken": rt}, nil); err != nil {
			m.log.Debug().Err(err).Msg("server logout")
		}
	}
	if err := m.cfg.Store.Clear(); err != nil {
		m.log.Error().Err(err).Msg("clear session storage")
	}
	if m.cfg.OnRedirect != nil {
		m.cfg.OnRedirect()
	}
}

// CheckSession 是周期检查的主体：不足 WarnBefore 时提醒，已过期则静默清理。
func (m *Manager) CheckSession() {
	exp, ok := m.timeValue(KeySessionExpiresAt)
	if !ok {
		return
	}
	remaining := exp.Sub(m.cfg.Now())
	switch {
	case remaining <= 0:
		m.stopRefreshTimer()
		if err := m.cfg.Store.Clear(); err != nil {
			m.log.Error().Err(err).Msg("clear expired session")
		}
	case remaining < m.cfg.WarnBefore:
		if m.cfg.OnWarning != nil {
			m.cfg.OnWarning(Warning{SessionExpiresAt: exp, Remaining: remaining})
		}
	}
}

// CurrentUser 返回缓存的用户资料。
func (m *Manager) CurrentUser() (*User, error) {
	raw, ok, err := m.cfg.Store.Get(KeyUser)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAuthenticated
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("decode cached user: %w", err)
	}
	return &u, nil
}

func (m *Manager) saveTokens(resp tokenResponse) error {
	if resp.Token == "" {
		return errors.New("auth response without token")
	}
	values := map[string]string{
		KeyToken:          resp.Token,
		KeyTokenExpiresAt: resp.TokenExpiresAt.Format(time.RFC3339Nano),
	}
	if resp.RefreshToken != "" {
		values[KeyRefreshToken] = resp.RefreshToken
		values[KeyRefreshExpiresAt] = resp.RefreshExpiresAt.Format(time.RFC3339Nano)
	}
	if !resp.SessionExpiresAt.IsZero() {
		values[KeySessionExpiresAt] = resp.SessionExpiresAt.Format(time.RFC3339Nano)
	}
	for k, v := range values {
		if err := m.cfg.Store.Set(k, v); err != nil {
			return err
		}
	}
	m.armRefresh(resp.TokenExpiresAt)
	return nil
}

func (m *Manager) saveUser(u User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	for k, v := range map[string]string{KeyUser: string(raw), KeyUsername: u.Username, KeyUserID: u.ID} {
		if err := m.cfg.Store.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// armRefresh 在 access token 过期前 RefreshLead 触发刷新；已经来不及时交给 GetValidToken。
func (m *Manager) armRefresh(expiresAt time.Time) {
	delay := expiresAt.Sub(m.cfg.Now()) - m.cfg.RefreshLead
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if delay <= 0 {
		return
	}
	m.refreshTimer = time.AfterFunc(delay, func() {
		if _, err := m.RefreshToken(context.Background()); err != nil {
			m.log.Warn().Err(err).Msg("scheduled refresh")
		}
	})
}

func (m *Manager) stopRefreshTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

func (m *Manager) timeValue(key string) (time.Time, bool) {
	raw, ok, err := m.cfg.Store.Get(key)
	if err != nil || !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (m *Manager) post(ctx context.Context, path, bearer string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		return &AuthError{Status: resp.StatusCode, Message: er.Error, SessionExpired: er.SessionExpired}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
