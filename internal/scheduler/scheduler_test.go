package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LJTian/KickoffDigest/internal/collector"
	"github.com/LJTian/KickoffDigest/internal/mailer"
	"github.com/LJTian/KickoffDigest/internal/metrics"
	"github.com/LJTian/KickoffDigest/internal/processor"
	"github.com/LJTian/KickoffDigest/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	name    string
	items   []collector.ContentRecord
	err     error
	panic   bool
	block   chan struct{} // 非空时阻塞直到关闭或 ctx 结束
	entered chan struct{}
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) Fetch(ctx context.Context, _ []string) ([]collector.ContentRecord, error) {
	if f.panic {
		panic("boom")
	}
	if f.entered != nil {
		close(f.entered)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.items, f.err
}

type fakeDeliverer struct {
	mu        sync.Mutex
	calls     int
	fragment  string
	recipient []string
	report    mailer.Report
	err       error
}

func (d *fakeDeliverer) Deliver(_ context.Context, fragment string, recipients []string) (mailer.Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.fragment = fragment
	d.recipient = recipients
	if d.report.Sent == nil && d.report.Failed == nil && d.err == nil {
		return mailer.Report{Sent: recipients}, nil
	}
	return d.report, d.err
}

type fakeArchive struct {
	saved []*storage.Digest
}

func (a *fakeArchive) SaveDigest(_ context.Context, d *storage.Digest) error {
	a.saved = append(a.saved, d)
	return nil
}

func post(headline string, score float64) collector.ContentRecord {
	return collector.ContentRecord{
		Source:    "r/soccer",
		MediaType: collector.MediaText,
		Headline:  headline,
		Score:     score,
		Link:      "https://www.reddit.com/r/soccer/" + headline,
	}
}

func newTestScheduler(t *testing.T, fetchers []collector.Fetcher, d Deliverer, a Archiver, opts Options) (*Scheduler, *metrics.Metrics) {
	t.Helper()
	m := metrics.New("test")
	if opts.Recipients == nil {
		opts.Recipients = []string{"a@example.com", "b@example.com"}
	}
	s, err := New("0 7 * * *", fetchers, processor.NewRanker(20), d, a, m, opts)
	require.NoError(t, err)
	return s, m
}

func TestNewRejectsBadCronSpec(t *testing.T) {
	_, err := New("every morning", nil, processor.NewRanker(20), nil, nil, metrics.New("test"), Options{})
	require.Error(t, err)
}

func TestRunOnceRanksRendersAndDelivers(t *testing.T) {
	fetchers := []collector.Fetcher{
		&fakeFetcher{name: "reddit", items: []collector.ContentRecord{post("p900", 900), post("p300", 300), post("p700", 700)}},
	}
	d := &fakeDeliverer{}
	a := &fakeArchive{}
	s, m := newTestScheduler(t, fetchers, d, a, Options{})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Records, 3)
	assert.Equal(t, "p900", res.Records[0].Headline)
	assert.Equal(t, "p700", res.Records[1].Headline)
	assert.Equal(t, "p300", res.Records[2].Headline)

	assert.Equal(t, 1, d.calls)
	assert.Equal(t, res.HTML, d.fragment)
	assert.Equal(t, 3, strings.Count(d.fragment, "<h3"))
	i900, i700, i300 := strings.Index(d.fragment, "p900"), strings.Index(d.fragment, "p700"), strings.Index(d.fragment, "p300")
	assert.True(t, i900 < i700 && i700 < i300)

	require.Len(t, a.saved, 1)
	assert.Equal(t, res.ID, a.saved[0].ID)
	assert.Equal(t, 3, a.saved[0].ItemCount)
	assert.Equal(t, 2, a.saved[0].Sent)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Runs.WithLabelValues("ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Deliveries.WithLabelValues("sent")))
}

func TestRunOnceDegradesWhenFetchersFail(t *testing.T) {
	fetchers := []collector.Fetcher{
		&fakeFetcher{name: "broken", err: errors.New("provider down")},
		&fakeFetcher{name: "panicky", panic: true},
		&fakeFetcher{name: "news", items: []collector.ContentRecord{post("survivor", 0)}},
	}
	s, m := newTestScheduler(t, fetchers, &fakeDeliverer{}, nil, Options{})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "survivor", res.Records[0].Headline)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.FetchErrors.WithLabelValues("broken")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FetchErrors.WithLabelValues("panicky")))
}

func TestRunOnceDryRunSkipsDelivery(t *testing.T) {
	d := &fakeDeliverer{}
	a := &fakeArchive{}
	fetchers := []collector.Fetcher{&fakeFetcher{name: "reddit", items: []collector.ContentRecord{post("x", 500)}}}
	s, _ := newTestScheduler(t, fetchers, d, a, Options{DryRun: true})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, d.calls)
	assert.Contains(t, res.HTML, "x")
	require.Len(t, a.saved, 1)
	assert.True(t, a.saved[0].DryRun)
}

func TestRunOnceNothingToDeliver(t *testing.T) {
	d := &fakeDeliverer{}
	s, m := newTestScheduler(t, []collector.Fetcher{&fakeFetcher{name: "empty"}}, d, nil, Options{})

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Zero(t, d.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Runs.WithLabelValues("degraded")))
}

func TestRunOnceReportsDeliveryFailure(t *testing.T) {
	d := &fakeDeliverer{
		report: mailer.Report{Failed: map[string]string{"a@example.com": "dial", "b@example.com": "dial"}},
		err:    errors.New("connect refused"),
	}
	a := &fakeArchive{}
	fetchers := []collector.Fetcher{&fakeFetcher{name: "reddit", items: []collector.ContentRecord{post("x", 500)}}}
	s, m := newTestScheduler(t, fetchers, d, a, Options{})

	res, err := s.RunOnce(context.Background())
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Report.FailedCount())
	require.Len(t, a.saved, 1, "archive even when delivery fails")
	assert.Len(t, a.saved[0].Failed, 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Runs.WithLabelValues("failed")))
}

func TestRunOnceCrossSourceDedup(t *testing.T) {
	dup := post("same", 800)
	news := dup
	news.Source = "news"
	news.Score = 0
	fetchers := []collector.Fetcher{
		&fakeFetcher{name: "reddit", items: []collector.ContentRecord{dup}},
		&fakeFetcher{name: "news", items: []collector.ContentRecord{news}},
	}

	s, _ := newTestScheduler(t, fetchers, nil, nil, Options{CrossSourceDedup: true})
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "r/soccer", res.Records[0].Source)

	s, _ = newTestScheduler(t, fetchers, nil, nil, Options{CrossSourceDedup: false})
	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
}

func TestRunOnceFetchDeadline(t *testing.T) {
	fetchers := []collector.Fetcher{
		&fakeFetcher{name: "hung", block: make(chan struct{})},
		&fakeFetcher{name: "fast", items: []collector.ContentRecord{post("fast", 400)}},
	}
	s, _ := newTestScheduler(t, fetchers, nil, nil, Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "fast", res.Records[0].Headline)
}

func TestRunOnceRejectsOverlap(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	fetchers := []collector.Fetcher{&fakeFetcher{name: "slow", block: release, entered: entered}}
	s, _ := newTestScheduler(t, fetchers, nil, nil, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RunOnce(context.Background())
	}()

	<-entered
	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	<-done
}
