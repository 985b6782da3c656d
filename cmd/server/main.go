package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storypad/internal/auth"
	"storypad/internal/config"
	"storypad/internal/db"
	clog "storypad/internal/log"
	"storypad/internal/mw"
	"storypad/internal/relay"
	"storypad/internal/server"
	"storypad/internal/supervisor"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

func main() {
	// main 负责加载配置、初始化日志、连接存储，然后把中继与 HTTP 服务交给 supervisor。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	tokens, closeTokens := tokenStore(cfg, gdb)
	defer closeTokens()

	hub := relay.NewHub()
	// 控制单个 IP+路由的速率。
	limiter := mw.NewRateLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	r := server.SetupRouter(server.Deps{Config: cfg, DB: gdb, Tokens: tokens, Hub: hub, Limiter: limiter})

	tree := supervisor.NewTree(log.Logger, supervisor.TreeConfig{})
	tree.AddRelayService(supervisor.NewOneShotService("relay-hub", hub))
	tree.AddAPIService(supervisor.NewHTTPService(&http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}, 10*time.Second))
	tree.AddAPIService(limiter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("storypad server starting")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("supervisor stopped")
		closeTokens()
		os.Exit(1)
	}
	log.Info().Msg("storypad server stopped")
}

// tokenStore 配置了 REDIS_URL 时把 refresh 会话放进 Redis，否则落库。
func tokenStore(cfg config.Config, gdb *gorm.DB) (auth.TokenStore, func()) {
	if cfg.RedisURL == "" {
		return auth.NewGormTokenStore(gdb), func() {}
	}
	rs, err := auth.NewRedisTokenStore(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect")
	}
	log.Info().Msg("refresh sessions stored in redis")
	return rs, func() { _ = rs.Close() }
}
