package main

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"

	"github.com/LJTian/KickoffDigest/internal/api"
	"github.com/LJTian/KickoffDigest/internal/collector"
	"github.com/LJTian/KickoffDigest/internal/config"
	"github.com/LJTian/KickoffDigest/internal/logging"
	"github.com/LJTian/KickoffDigest/internal/mailer"
	"github.com/LJTian/KickoffDigest/internal/metrics"
	"github.com/LJTian/KickoffDigest/internal/processor"
	"github.com/LJTian/KickoffDigest/internal/scheduler"
	"github.com/LJTian/KickoffDigest/internal/storage"
	"github.com/gin-gonic/gin"
)

func main() {
	logging.Init(os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config failed", slog.Any("error", err))
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel)

	m := metrics.New("kickoff")

	store, err := storage.NewStore(cfg.PostgresDSN, cfg.RedisAddr, m)
	if err != nil {
		slog.Error("init store failed", slog.Any("error", err))
		os.Exit(1)
	}

	fetchers := collector.FromConfig(cfg, cfg.Seed)
	// 确保各个数据源存在
	for _, f := range fetchers {
		info := collector.Info(f)
		if _, err := store.EnsureSource(info.Code, info.Name, info.BaseURL); err != nil {
			slog.Error("ensure source failed", slog.String("source", info.Code), slog.Any("error", err))
			os.Exit(1)
		}
	}

	s, err := scheduler.New(cfg.CronSpec, fetchers, processor.NewRanker(cfg.TopN), mailer.New(cfg.Email), store, m, scheduler.Options{
		Topics:           cfg.Interests,
		Recipients:       cfg.Email.Recipients,
		Timeout:          cfg.PipelineTimeout,
		CrossSourceDedup: cfg.CrossSourceDedup,
		DryRun:           cfg.DryRun,
	})
	if err != nil {
		slog.Error("init scheduler failed", slog.Any("error", err))
		os.Exit(1)
	}
	s.Start()
	defer s.Stop()

	// API
	r := gin.Default()
	// 若配置了全局访问密码，则启用 Basic Auth 保护（/health 仍然免认证）
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPass != "" {
		r.Use(basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass))
	}

	apiServer := api.NewServer(store, s, m, cfg.Email.Intro)
	apiServer.RegisterRoutes(r)

	addr := ":" + cfg.AppPort
	slog.Info("starting api server", slog.String("addr", addr))
	if err := r.Run(addr); err != nil {
		slog.Error("server exit", slog.Any("error", err))
		os.Exit(1)
	}
}

// basicAuthMiddleware 为整个站点增加一个简单的 Basic Auth 访问密码。
// 仅当配置了 APP_BASIC_USER / APP_BASIC_PASS 时启用。
// /health 不做认证，便于健康检查。
func basicAuthMiddleware(user, pass string) gin.HandlerFunc {
	const realm = "Restricted"
	uBytes := []byte(user)
	pBytes := []byte(pass)

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		u, p, ok := c.Request.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), uBytes) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), pBytes) != 1 {
			c.Header("WWW-Authenticate", `Basic realm="`+realm+`"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}
