package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/LJTian/KickoffDigest/internal/mailer"
	"github.com/LJTian/KickoffDigest/internal/metrics"
	"github.com/LJTian/KickoffDigest/internal/scheduler"
	"github.com/LJTian/KickoffDigest/internal/storage"
	"github.com/gin-gonic/gin"
)

// DigestStore 只读的归档查询
type DigestStore interface {
	LatestDigest(ctx context.Context) (*storage.Digest, error)
	ListDigests(ctx context.Context, limit int) ([]storage.Digest, error)
}

// Runner 手动触发一轮流水线
type Runner interface {
	RunOnce(ctx context.Context) (*scheduler.RunResult, error)
}

type Server struct {
	store   DigestStore
	runner  Runner
	metrics *metrics.Metrics
	intro   string
}

func NewServer(store DigestStore, runner Runner, m *metrics.Metrics, intro string) *Server {
	return &Server{store: store, runner: runner, metrics: m, intro: intro}
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/digests", s.listDigests)
		v1.GET("/digests/latest", s.latestDigest)
		v1.POST("/runs", s.triggerRun)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listDigests(c *gin.Context) {
	limitStr := c.DefaultQuery("limit", "20")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		limit = 20
	}

	items, err := s.store.ListDigests(c.Request.Context(), limit)
	if err != nil {
		slog.Error("list digests", slog.Any("error", err))
		internalError(c)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    items,
	})
}

// latestDigest 默认返回 JSON；format=html 时返回完整邮件正文，便于在浏览器预览
func (s *Server) latestDigest(c *gin.Context) {
	d, err := s.store.LatestDigest(c.Request.Context())
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "not_found",
			"message": "no digest yet",
		})
		return
	}
	if err != nil {
		slog.Error("latest digest", slog.Any("error", err))
		internalError(c)
		return
	}

	if c.Query("format") == "html" {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(mailer.Wrap(d.HTML, s.intro)))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    d,
	})
}

func (s *Server) triggerRun(c *gin.Context) {
	res, err := s.runner.RunOnce(c.Request.Context())
	if errors.Is(err, scheduler.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{
			"code":    "run_in_progress",
			"message": "a run is already in progress",
		})
		return
	}
	if err != nil {
		// 投递失败时仍返回本轮结果，调用方可查看每个收件人的状态
		slog.Error("manual run", slog.Any("error", err))
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    "delivery_failed",
			"message": err.Error(),
			"data":    res,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    res,
	})
}

func internalError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "internal_error",
		"message": "internal server error",
	})
}
