package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LJTian/KickoffDigest/internal/metrics"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ErrNotFound 尚未产生任何一期摘要
var ErrNotFound = errors.New("storage: digest not found")

const (
	latestCacheKey = "digest:latest"
	// 列表缓存带版本号，每次写入归档时自增，旧版本的 key 随 TTL 过期
	listVersionKey = "digest:list:version"
	latestCacheTTL = 24 * time.Hour
	listCacheTTL   = 5 * time.Minute
)

// Source 描述一个数据源，例如 reddit / search_images
type Source struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	Code    string `gorm:"size:64;uniqueIndex" json:"code"`
	Name    string `gorm:"size:128" json:"name"`
	BaseURL string `gorm:"size:256" json:"baseUrl"`
	Status  string `gorm:"size:32;index" json:"status"` // active / disabled

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Digest 一次运行的归档。流水线只写不读，每次运行都从零开始。
type Digest struct {
	ID        string            `gorm:"primaryKey;size:36" json:"id"`
	RunAt     time.Time         `gorm:"index" json:"runAt"`
	RunDate   string            `gorm:"size:10;index" json:"runDate"` // YYYY-MM-DD (UTC)
	ItemCount int               `json:"itemCount"`
	HTML      string            `gorm:"type:text" json:"html,omitempty"`
	Items     datatypes.JSON    `gorm:"type:jsonb" json:"items,omitempty"`
	Sent      int               `json:"sent"`
	Failed    datatypes.JSONMap `gorm:"type:jsonb" json:"failed,omitempty"`
	DryRun    bool              `json:"dryRun"`

	CreatedAt time.Time `json:"createdAt"`
}

// Store 归档 + 最新一期缓存。DB / Redis 均可为空（未配置时只用进程内缓存）。
type Store struct {
	DB      *gorm.DB
	Redis   *redis.Client
	local   *cache.Cache
	metrics *metrics.Metrics
}

func NewStore(dsn, redisAddr string, m *metrics.Metrics) (*Store, error) {
	s := &Store{
		local:   cache.New(latestCacheTTL, 10*time.Minute),
		metrics: m,
	}

	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("storage: open postgres: %w", err)
		}
		if err := db.AutoMigrate(&Source{}, &Digest{}); err != nil {
			return nil, fmt.Errorf("storage: migrate: %w", err)
		}
		s.DB = db
	}

	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis ping failed", slog.Any("error", err))
		}
		s.Redis = rdb
	}

	return s, nil
}

// EnsureSource 确保某个数据源存在
func (s *Store) EnsureSource(code, name, baseURL string) (*Source, error) {
	if s.DB == nil {
		return &Source{Code: code, Name: name, BaseURL: baseURL, Status: "active"}, nil
	}
	src := &Source{}
	if err := s.DB.Where("code = ?", code).First(src).Error; err == nil {
		return src, nil
	}

	src = &Source{
		Code:    code,
		Name:    name,
		BaseURL: baseURL,
		Status:  "active",
	}
	if err := s.DB.Create(src).Error; err != nil {
		return nil, err
	}
	return src, nil
}

// toValidUTF8 将字符串规范为合法 UTF-8，避免 PostgreSQL invalid byte sequence 错误
func toValidUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// SaveDigest 写入归档并刷新最新一期缓存
func (s *Store) SaveDigest(ctx context.Context, d *Digest) error {
	d.HTML = toValidUTF8(d.HTML)
	if d.RunDate == "" {
		d.RunDate = d.RunAt.UTC().Format("2006-01-02")
	}

	if s.DB != nil {
		if err := s.DB.WithContext(ctx).Create(d).Error; err != nil {
			return fmt.Errorf("storage: save digest: %w", err)
		}
	}

	s.local.Set(latestCacheKey, *d, cache.DefaultExpiration)
	if s.Redis != nil {
		if bs, err := json.Marshal(d); err == nil {
			if err := s.Redis.Set(ctx, latestCacheKey, bs, latestCacheTTL).Err(); err != nil {
				slog.Warn("redis: cache latest digest", slog.Any("error", err))
			}
		}
		if err := s.Redis.Incr(ctx, listVersionKey).Err(); err != nil {
			slog.Warn("redis: bump list cache version", slog.Any("error", err))
		}
	}
	return nil
}

// listCacheKey 当前版本下某个 limit 的列表缓存 key
func (s *Store) listCacheKey(ctx context.Context, limit int) string {
	version, err := s.Redis.Get(ctx, listVersionKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("redis: read list cache version", slog.Any("error", err))
	}
	return fmt.Sprintf("digest:list:v%d:%d", version, limit)
}

// LatestDigest L1 进程内缓存 → L2 Redis → DB 兜底
func (s *Store) LatestDigest(ctx context.Context) (*Digest, error) {
	if v, ok := s.local.Get(latestCacheKey); ok {
		s.observe("local", "hit")
		d := v.(Digest)
		return &d, nil
	}
	s.observe("local", "miss")

	if s.Redis != nil {
		if bs, err := s.Redis.Get(ctx, latestCacheKey).Bytes(); err == nil {
			var d Digest
			if err := json.Unmarshal(bs, &d); err == nil {
				s.observe("redis", "hit")
				s.local.Set(latestCacheKey, d, cache.DefaultExpiration)
				return &d, nil
			}
		}
		s.observe("redis", "miss")
	}

	if s.DB == nil {
		return nil, ErrNotFound
	}
	var d Digest
	err := latestQuery(s.DB.WithContext(ctx)).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: latest digest: %w", err)
	}
	s.local.Set(latestCacheKey, d, cache.DefaultExpiration)
	return &d, nil
}

// ListDigests 返回最近的归档（不含 HTML 与条目），结果在 Redis 缓存 5 分钟
func (s *Store) ListDigests(ctx context.Context, limit int) ([]Digest, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if s.DB == nil {
		return []Digest{}, nil
	}

	var cacheKey string
	if s.Redis != nil {
		cacheKey = s.listCacheKey(ctx, limit)
		if bs, err := s.Redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var cached []Digest
			if err := json.Unmarshal(bs, &cached); err == nil {
				return cached, nil
			}
		}
	}

	var list []Digest
	if err := listQuery(s.DB.WithContext(ctx), limit).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("storage: list digests: %w", err)
	}

	if s.Redis != nil && len(list) > 0 {
		if bs, err := json.Marshal(list); err == nil {
			_ = s.Redis.Set(ctx, cacheKey, bs, listCacheTTL).Err()
		}
	}
	return list, nil
}

// listQuery 列表不带 HTML 与条目明细
func listQuery(db *gorm.DB, limit int) *gorm.DB {
	return db.Omit("html", "items").Order("run_at DESC").Limit(limit)
}

func latestQuery(db *gorm.DB) *gorm.DB {
	return db.Order("run_at DESC")
}

func (s *Store) observe(layer, result string) {
	if s.metrics != nil {
		s.metrics.CacheOperations.WithLabelValues(layer, result).Inc()
	}
}
