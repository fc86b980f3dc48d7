package collector

import (
	"context"
	"math/rand"
	"time"
)

// MediaType 条目携带的媒体类型
type MediaType string

const (
	MediaText         MediaType = "Text"
	MediaImage        MediaType = "Image"
	MediaVideo        MediaType = "Video"
	MediaExternalLink MediaType = "ExternalLink"
)

// ContentRecord 统一采集后的基础结构，只在一次运行内存活
type ContentRecord struct {
	Source    string    `json:"source"`
	MediaType MediaType `json:"mediaType"`
	Headline  string    `json:"headline"`
	// Score 为来源给出的热度（如 upvotes）；缺失时为 0
	Score    float64 `json:"score"`
	Link     string  `json:"link"`
	MediaURL string  `json:"mediaUrl,omitempty"`
	Topic    string  `json:"topic,omitempty"`
}

// HasMedia 是否带有图片/视频地址
func (r ContentRecord) HasMedia() bool {
	return r.MediaURL != ""
}

// Fetcher 抽象每一个数据源。单个社区/话题失败只记录日志并跳过，
// 只有整体无法开始时才返回 error。
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, topics []string) ([]ContentRecord, error)
}

// NewRand 返回一个可注入的随机源；seed 为 0 时使用当前时间
func NewRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// shuffleAndCap 打乱顺序避免单一来源扎堆，再截断到 max 条
func shuffleAndCap(rnd *rand.Rand, items []ContentRecord, max int) []ContentRecord {
	if rnd == nil {
		rnd = NewRand(0)
	}
	rnd.Shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})
	if max > 0 && len(items) > max {
		items = items[:max]
	}
	return items
}
