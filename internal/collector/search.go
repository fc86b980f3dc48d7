package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/LJTian/KickoffDigest/internal/config"
	"golang.org/x/sync/errgroup"
)

const (
	searchMaxResponseBytes = 1 << 20 // 1MB
	searchPerTopic         = 5
	searchConcurrency      = 3
	searchClientTimeout    = 5 * time.Second
	searchFallbackTopic    = "football"
)

// SearchKind 区分图片搜索与新闻搜索
type SearchKind string

const (
	SearchImages SearchKind = "images"
	SearchNews   SearchKind = "news"
)

// 每种搜索追加在话题后的固定词，偏向“爆款 / 最新”
var searchBoilerplate = map[SearchKind]string{
	SearchImages: "viral meme",
	SearchNews:   "football breaking news",
}

var searchSourceName = map[SearchKind]string{
	SearchImages: "image-search",
	SearchNews:   "news",
}

// SearchFetcher 通过 Serper 风格的搜索 API 按话题检索图片或新闻
type SearchFetcher struct {
	kind    SearchKind
	baseURL string
	apiKey  string
	client  *http.Client
	rnd     *rand.Rand
}

func NewSearchFetcher(kind SearchKind, cfg config.SearchConfig, rnd *rand.Rand) *SearchFetcher {
	return &SearchFetcher{
		kind:    kind,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: searchClientTimeout},
		rnd:     rnd,
	}
}

func (s *SearchFetcher) Name() string {
	return "search_" + string(s.kind)
}

type searchRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
	TBS string `json:"tbs,omitempty"`
}

type searchResponse struct {
	Images  []searchResult `json:"images"`
	News    []searchResult `json:"news"`
	Organic []searchResult `json:"organic"`
}

type searchResult struct {
	Title    string `json:"title"`
	Link     string `json:"link"`
	ImageURL string `json:"imageUrl"`
	Source   string `json:"source"`
	Snippet  string `json:"snippet"`
}

func (s *SearchFetcher) Fetch(ctx context.Context, topics []string) ([]ContentRecord, error) {
	topics = withFallbackTopic(topics)
	slog.Info("fetch search results", slog.String("kind", string(s.kind)), slog.Any("topics", topics))

	perTopic := make([][]ContentRecord, len(topics))

	// 单个话题失败不影响其它话题，goroutine 只在 ctx 结束时返回 error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(searchConcurrency)
	for i, topic := range topics {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			body, err := s.search(gctx, topic)
			if err != nil {
				slog.Warn("search: skip topic", slog.String("kind", string(s.kind)), slog.String("topic", topic), slog.Any("error", err))
				return nil
			}
			records, err := s.parse(topic, body)
			if err != nil {
				slog.Warn("search: skip malformed response", slog.String("topic", topic), slog.Any("error", err))
				return nil
			}
			perTopic[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// 超时前已完成的话题照常返回
		slog.Warn("search: stopped early", slog.String("kind", string(s.kind)), slog.Any("error", err))
	}

	// 按话题顺序合并，保证打乱前的顺序确定
	results := make([]ContentRecord, 0, len(topics)*searchPerTopic)
	seen := make(map[string]struct{})
	for _, records := range perTopic {
		for _, rec := range records {
			if _, ok := seen[rec.Link]; ok {
				continue
			}
			seen[rec.Link] = struct{}{}
			results = append(results, rec)
		}
	}

	if len(results) == 0 {
		slog.Info("search: no results", slog.String("kind", string(s.kind)))
	}
	return shuffleAndCap(s.rnd, results, 0), nil
}

func (s *SearchFetcher) search(ctx context.Context, topic string) ([]byte, error) {
	reqBody := searchRequest{
		Q:   strings.TrimSpace(topic + " " + searchBoilerplate[s.kind]),
		Num: searchPerTopic,
	}
	if s.kind == SearchNews {
		reqBody.TBS = "qdr:d"
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("search: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/"+string(s.kind), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("search: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("search: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, searchMaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("search: read body: %w", err)
	}
	return body, nil
}

// parse 把一次搜索响应转换为记录，每个话题最多 searchPerTopic 条
func (s *SearchFetcher) parse(topic string, body []byte) ([]ContentRecord, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("search: unmarshal response: %w", err)
	}

	raw := resp.Images
	if s.kind == SearchNews {
		raw = append(resp.News, resp.Organic...)
	}
	if len(raw) == 0 {
		raw = resp.Organic
	}

	out := make([]ContentRecord, 0, searchPerTopic)
	for _, r := range raw {
		if len(out) >= searchPerTopic {
			break
		}
		headline := strings.TrimSpace(r.Title)
		if headline == "" {
			headline = strings.TrimSpace(r.Snippet)
		}
		link := strings.TrimSpace(r.Link)
		if link == "" {
			link = strings.TrimSpace(r.ImageURL)
		}
		if headline == "" || link == "" {
			continue
		}

		rec := ContentRecord{
			Source:    searchSourceName[s.kind],
			MediaType: MediaExternalLink,
			Headline:  headline,
			Link:      link,
			Topic:     topic,
		}
		if r.ImageURL != "" {
			rec.MediaType = MediaImage
			rec.MediaURL = r.ImageURL
		} else if s.kind == SearchNews {
			rec.MediaType = MediaText
		}
		out = append(out, rec)
	}
	return out, nil
}

// withFallbackTopic 追加兜底话题（已存在时不重复）
func withFallbackTopic(topics []string) []string {
	out := make([]string, 0, len(topics)+1)
	hasFallback := false
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if strings.EqualFold(t, searchFallbackTopic) {
			hasFallback = true
		}
		out = append(out, t)
	}
	if !hasFallback {
		out = append(out, searchFallbackTopic)
	}
	return out
}
