package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/LJTian/KickoffDigest/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedSearch struct {
	path string
	key  string
	req  searchRequest
}

// newSearchServer 以请求中的 q 前缀判断话题；handler 返回 nil 表示 500
func newSearchServer(t *testing.T, handler func(req searchRequest) map[string]any) (*httptest.Server, func() []capturedSearch) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []capturedSearch
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = append(seen, capturedSearch{path: r.URL.Path, key: r.Header.Get("X-API-KEY"), req: req})
		mu.Unlock()

		resp := handler(req)
		if resp == nil {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedSearch {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedSearch(nil), seen...)
	}
}

func imageResults(topic string, n int) map[string]any {
	images := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		images = append(images, map[string]any{
			"title":    fmt.Sprintf("%s meme %d", topic, i),
			"imageUrl": fmt.Sprintf("https://img.example.com/%s/%d.jpg", topic, i),
			"link":     fmt.Sprintf("https://example.com/%s/%d", topic, i),
			"source":   "example.com",
		})
	}
	return map[string]any{"images": images}
}

func topicOf(q string) string {
	return strings.Fields(q)[0]
}

func TestSearchFetchSkipsFailingTopic(t *testing.T) {
	srv, _ := newSearchServer(t, func(req searchRequest) map[string]any {
		topic := topicOf(req.Q)
		if topic == "RealMadrid" {
			return nil
		}
		return imageResults(topic, 2)
	})

	f := NewSearchFetcher(SearchImages, config.SearchConfig{BaseURL: srv.URL, APIKey: "k"}, NewRand(1))
	out, err := f.Fetch(context.Background(), []string{"reddevils", "RealMadrid", "football"})
	require.NoError(t, err)
	require.Len(t, out, 4)

	for _, r := range out {
		assert.NotEqual(t, "RealMadrid", r.Topic)
		assert.Equal(t, "image-search", r.Source)
		assert.Equal(t, MediaImage, r.MediaType)
		assert.NotEmpty(t, r.MediaURL)
		assert.Zero(t, r.Score)
	}
}

func TestSearchFetchCapsPerTopicAndAppendsFallback(t *testing.T) {
	srv, captured := newSearchServer(t, func(req searchRequest) map[string]any {
		return imageResults(topicOf(req.Q), 8)
	})

	f := NewSearchFetcher(SearchImages, config.SearchConfig{BaseURL: srv.URL, APIKey: "secret"}, NewRand(1))
	out, err := f.Fetch(context.Background(), []string{"reddevils"})
	require.NoError(t, err)

	perTopic := map[string]int{}
	for _, r := range out {
		perTopic[r.Topic]++
	}
	assert.Equal(t, map[string]int{"reddevils": searchPerTopic, "football": searchPerTopic}, perTopic)

	reqs := captured()
	require.Len(t, reqs, 2)
	for _, c := range reqs {
		assert.Equal(t, "/images", c.path)
		assert.Equal(t, "secret", c.key)
		assert.Equal(t, searchPerTopic, c.req.Num)
		assert.True(t, strings.HasSuffix(c.req.Q, "viral meme"), c.req.Q)
		assert.Empty(t, c.req.TBS)
	}
}

func TestSearchNewsUsesRecencyFilterAndOrganic(t *testing.T) {
	srv, captured := newSearchServer(t, func(req searchRequest) map[string]any {
		return map[string]any{
			"organic": []map[string]any{
				{"title": "Transfer deadline chaos", "link": "https://news.example.com/1", "snippet": "..."},
				{"title": "", "snippet": "Snippet only headline", "link": "https://news.example.com/2"},
				{"title": "No link"},
			},
		}
	})

	f := NewSearchFetcher(SearchNews, config.SearchConfig{BaseURL: srv.URL}, NewRand(1))
	out, err := f.Fetch(context.Background(), []string{"Football"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	for _, r := range out {
		assert.Equal(t, "news", r.Source)
		assert.Equal(t, MediaText, r.MediaType)
		assert.Empty(t, r.MediaURL)
	}

	reqs := captured()
	require.Len(t, reqs, 1, "fallback topic must not be duplicated")
	assert.Equal(t, "/news", reqs[0].path)
	assert.Equal(t, "qdr:d", reqs[0].req.TBS)
}

func TestWithFallbackTopic(t *testing.T) {
	assert.Equal(t, []string{"football"}, withFallbackTopic(nil))
	assert.Equal(t, []string{"reddevils", "football"}, withFallbackTopic([]string{" reddevils ", ""}))
	assert.Equal(t, []string{"FOOTBALL", "LaLiga"}, withFallbackTopic([]string{"FOOTBALL", "LaLiga"}))
}

func TestShuffleAndCap(t *testing.T) {
	items := make([]ContentRecord, 10)
	for i := range items {
		items[i] = ContentRecord{Headline: fmt.Sprint(i)}
	}
	a := shuffleAndCap(NewRand(7), append([]ContentRecord(nil), items...), 4)
	b := shuffleAndCap(NewRand(7), append([]ContentRecord(nil), items...), 4)
	assert.Len(t, a, 4)
	assert.Equal(t, a, b)

	all := shuffleAndCap(NewRand(7), append([]ContentRecord(nil), items...), 0)
	assert.Len(t, all, 10)
	assert.ElementsMatch(t, items, all)
}

func TestSearchFetchStopsWhenContextDone(t *testing.T) {
	srv, captured := newSearchServer(t, func(req searchRequest) map[string]any {
		return imageResults(topicOf(req.Q), 2)
	})
	f := NewSearchFetcher(SearchImages, config.SearchConfig{BaseURL: srv.URL, APIKey: "k"}, NewRand(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.Fetch(ctx, []string{"reddevils", "RealMadrid"})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, captured())
}
