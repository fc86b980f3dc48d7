package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/LJTian/KickoffDigest/internal/config"
	"github.com/gocolly/colly/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	redditWebURL        = "https://www.reddit.com"
	redditOAuthURL      = "https://oauth.reddit.com"
	redditTokenURL      = "https://www.reddit.com/api/v1/access_token"
	redditPageSize      = 10
	redditMinScore      = 300
	redditMaxItems      = 25
	redditClientTimeout = 5 * time.Second
)

// 默认社区：正经新闻与梗图社区混搭
var defaultSubreddits = []string{
	"soccer",
	"soccercirclejerk",
	"PremierLeague",
	"LaLiga",
	"reddevils",
	"RealMadrid",
	"footballmemes",
}

// 调用方指定社区时总会追加的两个“语境”社区
var contextSubreddits = []string{"soccer", "soccercirclejerk"}

// RedditFetcher 抓取若干 subreddit 的 hot 列表
type RedditFetcher struct {
	baseURL   string
	userAgent string
	timeout   time.Duration
	transport http.RoundTripper
	rnd       *rand.Rand
}

// NewRedditFetcher 根据配置构造；配置了 client id 时走 app-only OAuth
func NewRedditFetcher(cfg config.RedditConfig, rnd *rand.Rand) *RedditFetcher {
	f := &RedditFetcher{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		timeout:   redditClientTimeout,
		rnd:       rnd,
	}
	if cfg.ClientID != "" {
		oauthConf := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     redditTokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		f.transport = oauthConf.Client(context.Background()).Transport
		if f.baseURL == redditWebURL {
			f.baseURL = redditOAuthURL
		}
	}
	return f
}

func (r *RedditFetcher) Name() string {
	return "reddit"
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	Title     string   `json:"title"`
	Score     *float64 `json:"score"`
	Permalink string   `json:"permalink"`
	URL       string   `json:"url"`
	Stickied  bool     `json:"stickied"`
}

func (r *RedditFetcher) Fetch(ctx context.Context, topics []string) ([]ContentRecord, error) {
	subs := targetSubreddits(topics)
	slog.Info("fetch reddit hot posts", slog.Any("subreddits", subs))

	c := colly.NewCollector(
		colly.UserAgent(r.userAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(r.timeout)
	if r.transport != nil {
		c.WithTransport(r.transport)
	}

	var (
		results = make([]ContentRecord, 0, len(subs)*redditPageSize)
		seen    = make(map[string]struct{})
	)

	c.OnResponse(func(resp *colly.Response) {
		sub := resp.Ctx.Get("sub")
		records, err := parseRedditListing(sub, resp.Body)
		if err != nil {
			slog.Warn("reddit: skip malformed listing", slog.String("sub", sub), slog.Any("error", err))
			return
		}
		for _, rec := range records {
			if _, ok := seen[rec.Link]; ok {
				continue
			}
			seen[rec.Link] = struct{}{}
			results = append(results, rec)
		}
	})

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			slog.Warn("reddit: deadline reached, stop scraping", slog.Any("error", err))
			break
		}
		reqCtx := colly.NewContext()
		reqCtx.Put("sub", sub)
		u := fmt.Sprintf("%s/r/%s/hot.json?limit=%d", r.baseURL, sub, redditPageSize)
		// 非 2xx、超时等错误由 colly 返回，这里只记录并跳过该社区
		if err := c.Request(http.MethodGet, u, nil, reqCtx, nil); err != nil {
			slog.Warn("reddit: skip subreddit", slog.String("sub", sub), slog.Any("error", err))
		}
	}

	if len(results) == 0 {
		slog.Info("reddit: no posts passed the filters")
	}
	return shuffleAndCap(r.rnd, results, redditMaxItems), nil
}

// targetSubreddits 空输入或 "all" 使用默认列表；否则使用调用方给出的社区并追加语境社区
func targetSubreddits(topics []string) []string {
	var raw []string
	switch {
	case len(topics) == 0,
		len(topics) == 1 && (strings.EqualFold(strings.TrimSpace(topics[0]), "all") || strings.TrimSpace(topics[0]) == ""):
		raw = defaultSubreddits
	default:
		raw = append(append(raw, topics...), contextSubreddits...)
	}

	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, s := range raw {
		s = strings.TrimPrefix(strings.TrimSpace(s), "r/")
		key := strings.ToLower(s)
		if s == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// parseRedditListing 解析 listing 并过滤；同一 payload 多次调用结果一致
func parseRedditListing(sub string, body []byte) ([]ContentRecord, error) {
	var listing redditListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("reddit: unmarshal listing: %w", err)
	}

	out := make([]ContentRecord, 0, len(listing.Data.Children))
	seen := make(map[string]struct{})
	for _, child := range listing.Data.Children {
		p := child.Data
		if p.Permalink == "" || strings.TrimSpace(p.Title) == "" {
			continue
		}

		var score float64
		if p.Score != nil {
			score = *p.Score
		}
		// 热度不够且不是置顶帖的直接丢弃
		if score < redditMinScore && !p.Stickied {
			continue
		}
		if _, ok := seen[p.Permalink]; ok {
			continue
		}
		seen[p.Permalink] = struct{}{}

		mediaType, mediaURL := classifyMedia(p.URL)
		out = append(out, ContentRecord{
			Source:    "r/" + sub,
			MediaType: mediaType,
			Headline:  strings.TrimSpace(p.Title),
			Score:     score,
			Link:      redditWebURL + p.Permalink,
			MediaURL:  mediaURL,
		})
	}
	return out, nil
}

// classifyMedia 按域名子串判断媒体类型，优先级固定：图床 → 视频 → 社交链接 → 文本
func classifyMedia(u string) (MediaType, string) {
	switch {
	case strings.Contains(u, "i.redd.it"):
		return MediaImage, u
	case strings.Contains(u, "v.redd.it"):
		return MediaVideo, u
	case strings.Contains(u, "twitter.com"), strings.Contains(u, "x.com"):
		return MediaExternalLink, u
	default:
		return MediaText, ""
	}
}
