package processor

import (
	"crypto/sha1"
	"encoding/hex"
	"math"
	"net/url"
	"sort"
	"strings"

	"github.com/LJTian/KickoffDigest/internal/collector"
)

// DefaultTopN 每期摘要最多保留的条目数
const DefaultTopN = 20

// Ranker 汇总所有来源的记录，按热度排序并截断
type Ranker struct {
	TopN int
}

func NewRanker(topN int) *Ranker {
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Ranker{TopN: topN}
}

// Rank 按 score 降序稳定排序（同分保持输入顺序）后取前 TopN。
// 若候选中带媒体的记录足够，保证前 TopN 里至少一半带媒体：
// 用剩余带媒体的最高分记录替换入选的最低分无媒体记录，最后仍按分数顺序输出。
func (r *Ranker) Rank(records []collector.ContentRecord) []collector.ContentRecord {
	n := r.TopN
	if n <= 0 {
		n = DefaultTopN
	}

	sorted := append([]collector.ContentRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return scoreOf(sorted[i]) > scoreOf(sorted[j])
	})

	if len(sorted) <= n {
		return sorted
	}

	selected := make([]bool, len(sorted))
	for i := 0; i < n; i++ {
		selected[i] = true
	}

	mediaTotal, mediaPicked := 0, 0
	for i, it := range sorted {
		if it.HasMedia() {
			mediaTotal++
			if selected[i] {
				mediaPicked++
			}
		}
	}
	want := (n + 1) / 2
	if mediaTotal < want {
		want = mediaTotal
	}

	// 候补：未入选的带媒体记录（高分在前）；被换出：入选的无媒体记录（低分在前）
	next := n
	drop := n - 1
	for mediaPicked < want {
		for next < len(sorted) && !sorted[next].HasMedia() {
			next++
		}
		for drop >= 0 && sorted[drop].HasMedia() {
			drop--
		}
		if next >= len(sorted) || drop < 0 {
			break
		}
		selected[drop] = false
		selected[next] = true
		mediaPicked++
		next++
		drop--
	}

	out := make([]collector.ContentRecord, 0, n)
	for i, it := range sorted {
		if selected[i] {
			out = append(out, it)
		}
	}
	return out
}

// Dedupe 跨来源去重：以规范化链接的哈希为键，保留先出现的记录
func Dedupe(records []collector.ContentRecord) []collector.ContentRecord {
	out := make([]collector.ContentRecord, 0, len(records))
	seen := make(map[string]struct{}, len(records))

	for _, rec := range records {
		id := hashURL(NormalizeLink(rec.Link))
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// NormalizeLink 统一 host 大小写，去掉 www.、fragment、末尾斜杠与跟踪参数；
// 其余 query 参数保留并按 key 排序，?v=1 与 ?v=2 视为不同条目
func NormalizeLink(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	key := host + strings.TrimRight(u.Path, "/")

	q := u.Query()
	for name := range q {
		if isTrackingParam(name) {
			q.Del(name)
		}
	}
	if len(q) > 0 {
		key += "?" + q.Encode()
	}
	return key
}

// 只影响来源统计、不影响内容的参数
var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"ref":     {},
	"ref_src": {},
	"si":      {},
}

func isTrackingParam(name string) bool {
	name = strings.ToLower(name)
	if strings.HasPrefix(name, "utm_") {
		return true
	}
	_, ok := trackingParams[name]
	return ok
}

func scoreOf(rec collector.ContentRecord) float64 {
	if math.IsNaN(rec.Score) {
		return 0
	}
	return rec.Score
}

func hashURL(link string) string {
	h := sha1.New()
	h.Write([]byte(link))
	return hex.EncodeToString(h.Sum(nil))
}
