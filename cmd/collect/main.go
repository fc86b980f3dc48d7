package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/LJTian/KickoffDigest/internal/collector"
	"github.com/LJTian/KickoffDigest/internal/config"
	"github.com/LJTian/KickoffDigest/internal/logging"
	"github.com/LJTian/KickoffDigest/internal/mailer"
	"github.com/LJTian/KickoffDigest/internal/metrics"
	"github.com/LJTian/KickoffDigest/internal/processor"
	"github.com/LJTian/KickoffDigest/internal/scheduler"
	"github.com/LJTian/KickoffDigest/internal/storage"
)

// 一个仅执行一轮摘要流水线的命令行入口：适合手动触发或交给外部 cron。
// DRY_RUN=true 时不发信，把完整邮件 HTML 打印到 stdout。
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

	// 只执行一轮后退出
	res, err := s.RunOnce(context.Background())
	if err != nil {
		slog.Error("digest run failed", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.DryRun {
		fmt.Println(mailer.Wrap(res.HTML, cfg.Email.Intro))
	}
}
