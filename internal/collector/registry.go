package collector

import (
	"log/slog"
	"math/rand"

	"github.com/LJTian/KickoffDigest/internal/config"
)

// SourceInfo 数据源的展示信息，写入 sources 表
type SourceInfo struct {
	Code    string
	Name    string
	BaseURL string
}

var sourceInfo = map[string]SourceInfo{
	"reddit":        {Code: "reddit", Name: "Reddit Hot", BaseURL: redditWebURL},
	"search_images": {Code: "search_images", Name: "Viral Image Search", BaseURL: "https://google.serper.dev/images"},
	"search_news":   {Code: "search_news", Name: "Breaking News Search", BaseURL: "https://google.serper.dev/news"},
}

// Info 返回某个采集器对应的数据源信息
func Info(f Fetcher) SourceInfo {
	if info, ok := sourceInfo[f.Name()]; ok {
		return info
	}
	return SourceInfo{Code: f.Name(), Name: f.Name()}
}

// FromConfig 按配置注册采集器：reddit 总是启用；未配置搜索 API key 时跳过两个搜索源。
// 采集器会被并发调用，每个采集器持有独立的随机源；seed 非 0 时结果可复现。
func FromConfig(cfg *config.Config, seed int64) []Fetcher {
	fetchers := []Fetcher{NewRedditFetcher(cfg.Reddit, fetcherRand(seed, 0))}
	if cfg.Search.APIKey == "" {
		slog.Warn("SERPER_API_KEY not set, image and news search disabled")
		return fetchers
	}
	return append(fetchers,
		NewSearchFetcher(SearchImages, cfg.Search, fetcherRand(seed, 1)),
		NewSearchFetcher(SearchNews, cfg.Search, fetcherRand(seed, 2)),
	)
}

func fetcherRand(seed int64, i int) *rand.Rand {
	if seed == 0 {
		return NewRand(0)
	}
	return NewRand(seed + int64(i))
}
