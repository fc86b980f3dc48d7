package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LJTian/KickoffDigest/internal/collector"
	"github.com/LJTian/KickoffDigest/internal/mailer"
	"github.com/LJTian/KickoffDigest/internal/metrics"
	"github.com/LJTian/KickoffDigest/internal/processor"
	"github.com/LJTian/KickoffDigest/internal/render"
	"github.com/LJTian/KickoffDigest/internal/storage"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/datatypes"
)

// ErrRunInProgress 上一轮尚未结束（定时任务与手动触发重叠时）
var ErrRunInProgress = errors.New("scheduler: run already in progress")

const deliveryTimeout = 2 * time.Minute

// Deliverer 投递渲染好的片段
type Deliverer interface {
	Deliver(ctx context.Context, fragment string, recipients []string) (mailer.Report, error)
}

// Archiver 保存每一轮的结果，流水线本身从不读取
type Archiver interface {
	SaveDigest(ctx context.Context, d *storage.Digest) error
}

type Options struct {
	Topics           []string
	Recipients       []string
	// Timeout 约束整个采集阶段，单次请求另有各自的超时
	Timeout          time.Duration
	CrossSourceDedup bool
	DryRun           bool
}

type Scheduler struct {
	cron      *cron.Cron
	fetchers  []collector.Fetcher
	ranker    *processor.Ranker
	deliverer Deliverer
	archive   Archiver
	metrics   *metrics.Metrics
	opts      Options

	running sync.Mutex
}

// RunResult 一轮运行的产出
type RunResult struct {
	ID        string                    `json:"id"`
	StartedAt time.Time                 `json:"startedAt"`
	Fetched   int                       `json:"fetched"`
	Records   []collector.ContentRecord `json:"records"`
	HTML      string                    `json:"-"`
	Report    mailer.Report             `json:"report"`
}

func New(spec string, fetchers []collector.Fetcher, ranker *processor.Ranker, deliverer Deliverer, archive Archiver, m *metrics.Metrics, opts Options) (*Scheduler, error) {
	c := cron.New()

	s := &Scheduler{
		cron:      c,
		fetchers:  fetchers,
		ranker:    ranker,
		deliverer: deliverer,
		archive:   archive,
		metrics:   m,
		opts:      opts,
	}

	_, err := c.AddFunc(spec, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			slog.Error("scheduled run failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: add cron %q: %w", spec, err)
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		slog.Info("digest scheduled", slog.Time("next", e.Next))
	}
}

// Stop 停止调度，返回的 ctx 在正在执行的任务结束后关闭
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) Cron() *cron.Cron {
	return s.cron
}

// RunOnce 执行一轮完整流水线：采集 → 去重 → 排序 → 渲染 → 投递 → 归档。
// 采集失败只降级不终止；仅在已有任务运行或连接邮件服务器失败时返回 error。
func (s *Scheduler) RunOnce(ctx context.Context) (*RunResult, error) {
	if !s.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.running.Unlock()

	started := time.Now()
	res := &RunResult{ID: uuid.NewString(), StartedAt: started}
	log := slog.With(slog.String("run", res.ID))
	log.Info("start digest run", slog.Any("topics", s.opts.Topics))

	fetchCtx := ctx
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	records := s.collect(fetchCtx, log)
	res.Fetched = len(records)

	if s.opts.CrossSourceDedup {
		records = processor.Dedupe(records)
	}
	res.Records = s.ranker.Rank(records)
	res.HTML = render.Render(res.Records)
	s.metrics.RecordsRanked.Set(float64(len(res.Records)))
	log.Info("digest ranked", slog.Int("fetched", res.Fetched), slog.Int("ranked", len(res.Records)))

	var deliverErr error
	switch {
	case s.opts.DryRun || s.deliverer == nil:
		log.Info("dry run, skip delivery")
	case len(res.Records) == 0:
		log.Warn("nothing to deliver")
	default:
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		res.Report, deliverErr = s.deliverer.Deliver(dctx, res.HTML, s.opts.Recipients)
		cancel()
		s.metrics.Deliveries.WithLabelValues("sent").Add(float64(len(res.Report.Sent)))
		s.metrics.Deliveries.WithLabelValues("failed").Add(float64(res.Report.FailedCount()))
	}

	s.save(ctx, res, log)

	status := "ok"
	switch {
	case deliverErr != nil:
		status = "failed"
	case len(res.Records) == 0 || res.Report.FailedCount() > 0:
		status = "degraded"
	}
	s.metrics.Runs.WithLabelValues(status).Inc()
	s.metrics.RunDuration.Observe(time.Since(started).Seconds())
	log.Info("digest run done", slog.String("status", status), slog.Duration("took", time.Since(started)))

	if deliverErr != nil {
		return res, deliverErr
	}
	return res, nil
}

// collect 并发执行所有采集器，按注册顺序合并结果
func (s *Scheduler) collect(ctx context.Context, log *slog.Logger) []collector.ContentRecord {
	perFetcher := make([][]collector.ContentRecord, len(s.fetchers))

	var wg sync.WaitGroup
	for i, f := range s.fetchers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := f.Name()
			defer func() {
				if r := recover(); r != nil {
					log.Error("fetcher panicked", slog.String("fetcher", name), slog.Any("panic", r))
					s.metrics.FetchErrors.WithLabelValues(name).Inc()
				}
			}()

			items, err := f.Fetch(ctx, s.opts.Topics)
			if err != nil {
				log.Warn("fetch error", slog.String("fetcher", name), slog.Any("error", err))
				s.metrics.FetchErrors.WithLabelValues(name).Inc()
				return
			}
			s.metrics.RecordsFetched.WithLabelValues(name).Add(float64(len(items)))
			log.Info("fetch done", slog.String("fetcher", name), slog.Int("items", len(items)))
			perFetcher[i] = items
		}()
	}
	wg.Wait()

	var out []collector.ContentRecord
	for _, items := range perFetcher {
		out = append(out, items...)
	}
	return out
}

func (s *Scheduler) save(ctx context.Context, res *RunResult, log *slog.Logger) {
	if s.archive == nil {
		return
	}
	items, err := json.Marshal(res.Records)
	if err != nil {
		log.Warn("marshal records for archive", slog.Any("error", err))
	}
	failed := make(datatypes.JSONMap, len(res.Report.Failed))
	for rcpt, msg := range res.Report.Failed {
		failed[rcpt] = msg
	}

	d := &storage.Digest{
		ID:        res.ID,
		RunAt:     res.StartedAt,
		ItemCount: len(res.Records),
		HTML:      res.HTML,
		Items:     datatypes.JSON(items),
		Sent:      len(res.Report.Sent),
		Failed:    failed,
		DryRun:    s.opts.DryRun,
	}
	if err := s.archive.SaveDigest(context.WithoutCancel(ctx), d); err != nil {
		log.Warn("archive digest", slog.Any("error", err))
	}
}
