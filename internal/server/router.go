package server

import (
	"net/http"

	"storypad/internal/auth"
	"storypad/internal/config"
	"storypad/internal/metrics"
	"storypad/internal/mw"
	"storypad/internal/relay"
	"storypad/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Deps 是组装路由所需的依赖。
type Deps struct {
	Config  config.Config
	DB      *gorm.DB
	Tokens  auth.TokenStore
	Hub     *relay.Hub
	Limiter *mw.RL
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及协作中继端点。
func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(d.Config.AllowedOrigins))
	if d.Limiter != nil {
		r.Use(d.Limiter.Middleware())
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok", "online": d.Hub.Online()}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(
		service.NewUserService(d.DB, d.Config, d.Tokens),
		service.NewStoryService(d.DB),
		service.NewSocialService(d.DB),
		d.Hub,
	)

	api := r.Group("/api")
	api.POST("/signup", h.Signup)
	api.POST("/login", h.Login)
	api.POST("/refresh", h.Refresh)
	api.POST("/logout", h.Logout)
	api.GET("/stories", h.ListStories)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(d.Config, d.DB))
	authed.POST("/stories", h.CreateStory)
	authed.GET("/stories/:id", h.GetStory)
	authed.PUT("/stories/:id", h.SaveStory)
	authed.POST("/stories/:id/publish", h.PublishStory)
	authed.POST("/stories/:id/collaborators", h.AddCollaborator)
	authed.GET("/stories/:id/comments", h.ListComments)
	authed.POST("/stories/:id/comments", h.AddComment)
	authed.POST("/stories/:id/like", h.ToggleLike)
	authed.GET("/stories/:id/online", h.Online)

	// 中继不做鉴权，身份随 join-story 事件提交。
	r.GET("/socket", relay.Serve(d.Hub, d.Config.AllowedOrigins))
	return r
}
