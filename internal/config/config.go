package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/subosito/gotenv"
)

var (
	// ErrInvalidConfig 启动时配置非法，属于致命错误
	ErrInvalidConfig = errors.New("config: invalid configuration")
	// ErrMissingCredentials 发信账号或收件人缺失（DRY_RUN 时不要求）
	ErrMissingCredentials = errors.New("config: missing email credentials or recipients")
)

type Config struct {
	AppPort  string
	LogLevel string

	// 为空表示不启用归档 / 缓存
	PostgresDSN string
	RedisAddr   string

	CronSpec         string        `validate:"required"`
	PipelineTimeout  time.Duration `validate:"gt=0"`
	TopN             int           `validate:"gt=0,lte=100"`
	CrossSourceDedup bool
	DryRun           bool
	// 打乱顺序用的随机种子，0 表示按时间取种
	Seed             int64

	// 关注的球队 / 社区，逗号分隔
	Interests []string

	Reddit RedditConfig
	Search SearchConfig
	Email  EmailConfig

	BasicAuthUser string
	BasicAuthPass string
}

type RedditConfig struct {
	BaseURL      string `validate:"required,url"`
	ClientID     string
	ClientSecret string `validate:"required_with=ClientID"`
	UserAgent    string `validate:"required"`
}

type SearchConfig struct {
	BaseURL string `validate:"required,url"`
	APIKey  string
}

type EmailConfig struct {
	Sender     string   `validate:"omitempty,email"`
	Password   string
	Recipients []string `validate:"dive,email"`
	SMTPHost   string   `validate:"required"`
	SMTPPort   int      `validate:"gt=0,lt=65536"`
	// markdown，渲染在邮件头部标语下方
	Intro      string
}

// Load 读取 .env（若存在）与环境变量，并做一次性校验。
// 返回的 Config 在启动后只读，按值/指针传入各组件。
func Load() (*Config, error) {
	if err := gotenv.Load(getEnv("ENV_FILE", ".env")); err != nil {
		slog.Debug("no .env file found, using OS environment")
	}

	dryRun := getBool("DRY_RUN", false)
	cfg := &Config{
		AppPort:          getEnv("APP_PORT", "9000"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		PostgresDSN:      os.Getenv("POSTGRES_DSN"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		CronSpec:         getEnv("CRON_SPEC", "0 7 * * *"),
		PipelineTimeout:  getDuration("PIPELINE_TIMEOUT", 2*time.Minute),
		TopN:             getInt("TOP_N", 20),
		CrossSourceDedup: getBool("CROSS_SOURCE_DEDUP", true),
		DryRun:           dryRun,
		Seed:             int64(getInt("RANDOM_SEED", 0)),
		Interests:        SplitList(getEnv("INTERESTS", "reddevils,RealMadrid,soccercirclejerk,PremierLeague")),
		Reddit: RedditConfig{
			BaseURL:      getEnv("REDDIT_BASE_URL", "https://www.reddit.com"),
			ClientID:     os.Getenv("REDDIT_CLIENT_ID"),
			ClientSecret: os.Getenv("REDDIT_CLIENT_SECRET"),
			UserAgent:    getEnv("REDDIT_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		},
		Search: SearchConfig{
			BaseURL: getEnv("SERPER_BASE_URL", "https://google.serper.dev"),
			APIKey:  os.Getenv("SERPER_API_KEY"),
		},
		Email: EmailConfig{
			Sender:     os.Getenv("EMAIL_SENDER"),
			Password:   os.Getenv("EMAIL_PASSWORD"),
			Recipients: SplitList(os.Getenv("EMAIL_RECIPIENTS")),
			SMTPHost:   getEnv("SMTP_HOST", "smtp.gmail.com"),
			SMTPPort:   getInt("SMTP_PORT", 465),
			Intro:      os.Getenv("DIGEST_INTRO"),
		},
		BasicAuthUser: os.Getenv("APP_BASIC_USER"),
		BasicAuthPass: os.Getenv("APP_BASIC_PASS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("config loaded",
		slog.String("port", cfg.AppPort),
		slog.String("cron", cfg.CronSpec),
		slog.Int("recipients", len(cfg.Email.Recipients)),
		slog.Bool("dry_run", cfg.DryRun))
	return cfg, nil
}

// Validate 校验必填项与格式。格式错误包装 ErrInvalidConfig，
// 非 DRY_RUN 下缺少发信配置返回 ErrMissingCredentials。
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !c.DryRun && (c.Email.Sender == "" || c.Email.Password == "" || len(c.Email.Recipients) == 0) {
		return ErrMissingCredentials
	}
	return nil
}

// SplitList 将 "a, b,,c" 拆成 ["a","b","c"]
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}

func getDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return d
}
