package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"storypad/internal/auth"
	"storypad/internal/relay"
	"storypad/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc   *service.UserService
	storySvc  *service.StoryService
	socialSvc *service.SocialService
	hub       *relay.Hub
}

func NewHandler(userSvc *service.UserService, storySvc *service.StoryService, socialSvc *service.SocialService, hub *relay.Hub) *Handler {
	return &Handler{userSvc: userSvc, storySvc: storySvc, socialSvc: socialSvc, hub: hub}
}

// Signup 处理用户注册请求。
func (h *Handler) Signup(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	if req.Email != "" && !strings.Contains(req.Email, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email"})
		return
	}
	user, err := h.userSvc.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("signup")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Refresh 轮换 refresh token。会话期限已过时带上 sessionExpired 标记，客户端据此静默清理。
func (h *Handler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrSessionExpired) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired", "sessionExpired": true})
			return
		}
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Logout 吊销提交的 refresh token；token 无效也返回成功。
func (h *Handler) Logout(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.RefreshToken != "" {
		if err := h.userSvc.Logout(c.Request.Context(), req.RefreshToken); err != nil {
			log.Warn().Err(err).Msg("logout")
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) CreateStory(c *gin.Context) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Genre       string `json:"genre"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" || len(req.Title) > 200 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid title"})
		return
	}
	uid := auth.GetUserID(c)
	story, err := h.storySvc.Create(c.Request.Context(), uid, service.CreateStoryInput{Title: req.Title, Description: req.Description, Genre: req.Genre})
	if err != nil {
		log.Error().Err(err).Uint("author_id", uid).Msg("create story")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create story"})
		return
	}
	c.JSON(http.StatusCreated, story)
}

func (h *Handler) ListStories(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	stories, err := h.storySvc.ListPublished(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("list stories")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stories"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stories": stories})
}

func (h *Handler) GetStory(c *gin.Context) {
	id, ok := storyID(c)
	if !ok {
		return
	}
	if !h.visible(c, id, "get story") {
		return
	}
	story, err := h.storySvc.Get(c.Request.Context(), id)
	if err != nil {
		h.storyError(c, err, "get story")
		return
	}
	c.JSON(http.StatusOK, story)
}

// SaveStory 用请求里的章节数组覆盖已保存的章节。
func (h *Handler) SaveStory(c *gin.Context) {
	id, ok := storyID(c)
	if !ok {
		return
	}
	var req struct {
		Chapters []service.ChapterInput `json:"chapters"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Chapters) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	story, err := h.storySvc.SaveChapters(c.Request.Context(), id, auth.GetUserID(c), req.Chapters)
	if err != nil {
		h.storyError(c, err, "save story")
		return
	}
	c.JSON(http.StatusOK, story)
}

func (h *Handler) PublishStory(c *gin.Context) {
	id, ok := storyID(c)
	if !ok {
		return
	}
	story, err := h.storySvc.Publish(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		h.storyError(c, err, "publish story")
		return
	}
	c.JSON(http.StatusOK, story)
}

func (h *Handler) AddCollaborator(c *gin.Context) {
	id, ok := storyID(c)
	if !ok {
		return
	}
	var req struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	story, err := h.storySvc.AddCollaborator(c.Request.Context(), id, auth.GetUserID(c), strings.TrimSpace(req.Username))
	if err != nil {
		h.storyError(c, err, "add collaborator")
		return
	}
	c.JSON(http.StatusOK, story)
}

func (h *Handler) AddComment(c *gin.Context) {
	id, ok := storyID(c)
	if !ok {
		return
	}
	if !h.visible(c, id, "add comment") {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" || len(req.Content) > 2000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid comment"})
		return
	}
	comment, err := h.socialSvc.AddComment(c.Request.Context(), id, auth.GetUserID(c), req.Content)
	if err != nil {
		h.storyError(c, err, "add comment")
		return
	}
	c.JSON(http.StatusCreated, comment)
}

// ListComments 处理评论分页查询。
func (h *Handler) ListComments(c *gin.Context) {
	id, ok := storyID(c)
	if !ok {
		return
	}
	if !h.visible(c, id, "list comments") {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		if v, err := strconv.Atoi(bid); err == nil && v > 0 {
			beforeID = uint(v)
		}
	}
	comments, err := h.socialSvc.ListComments(c.Request.Context(), id, limit, beforeID)
	if err != nil {
		h.storyError(c, err, "list comments")
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

func (h *Handler) ToggleLike(c *gin.Context) {
	id, ok := storyID(c)
	if !ok {
		return
	}
	if !h.visible(c, id, "toggle like") {
		return
	}
	liked, total, err := h.socialSvc.ToggleLike(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		h.storyError(c, err, "toggle like")
		return
	}
	c.JSON(http.StatusOK, gin.H{"liked": liked, "likes": total})
}

// Online 返回正在协作编辑该故事的成员。
func (h *Handler) Online(c *gin.Context) {
	id, ok := storyID(c)
	if !ok {
		return
	}
	if !h.visible(c, id, "online") {
		return
	}
	users, err := h.hub.Snapshot(c.Request.Context(), strconv.FormatUint(uint64(id), 10))
	if err != nil {
		log.Error().Err(err).Uint("story_id", id).Msg("online snapshot")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay unavailable"})
		return
	}
	if users == nil {
		users = []relay.UserSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "online": len(users)})
}

// visible 拦截对他人草稿的访问，统一按 404 返回。
func (h *Handler) visible(c *gin.Context, id uint, op string) bool {
	if err := h.storySvc.CanView(c.Request.Context(), id, auth.GetUserID(c)); err != nil {
		h.storyError(c, err, op)
		return false
	}
	return true
}

func storyID(c *gin.Context) (uint, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid story id"})
		return 0, false
	}
	return uint(id), true
}

func (h *Handler) storyError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrStoryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "story not found"})
	case errors.Is(err, service.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, service.ErrInvalidChapters):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chapters"})
	default:
		log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Msg(op)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
