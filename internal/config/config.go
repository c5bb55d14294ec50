package config

import (
	"runtime"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	TLS       TLSConfig
	Redis     RedisConfig
	Catalog   CatalogConfig
	Heartbeat HeartbeatConfig
	Cache     CacheConfig
	Matcher   MatcherConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

// TLSConfig holds the certificate pair for the secured listener.
// Both files must be set for TLS to be enabled.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CatalogConfig struct {
	BaseURL      string
	PageSize     int
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

type CacheConfig struct {
	MaxEntries int
	MaxSize    int
	TTL        time.Duration
	AllowStale bool
}

type MatcherConfig struct {
	Workers int
}

type RateLimitConfig struct {
	ProcessPerMin int
}

// Enabled reports whether both halves of the certificate pair are configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// IsDevelopment reports whether the server runs with development defaults.
func (c ServerConfig) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development"
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("tls.cert_file", "TLS_CERT_FILE")
	_ = v.BindEnv("tls.key_file", "TLS_KEY_FILE")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("catalog.base_url", "CATALOG_BASE_URL")
	_ = v.BindEnv("catalog.page_size", "CATALOG_PAGE_SIZE")
	_ = v.BindEnv("catalog.timeout", "CATALOG_TIMEOUT")
	_ = v.BindEnv("catalog.max_attempts", "CATALOG_MAX_ATTEMPTS")
	_ = v.BindEnv("catalog.retry_backoff_ms", "CATALOG_RETRY_BACKOFF_MS")
	_ = v.BindEnv("heartbeat.interval_ms", "HEARTBEAT_INTERVAL_MS")
	_ = v.BindEnv("heartbeat.timeout_ms", "HEARTBEAT_TIMEOUT_MS")
	_ = v.BindEnv("cache.max_entries", "CACHE_MAX_ENTRIES")
	_ = v.BindEnv("cache.max_size", "CACHE_MAX_SIZE")
	_ = v.BindEnv("cache.ttl_minutes", "CACHE_TTL_MINUTES")
	_ = v.BindEnv("cache.allow_stale", "CACHE_ALLOW_STALE")
	_ = v.BindEnv("matcher.workers", "MATCHER_WORKERS")
	_ = v.BindEnv("ratelimit.process_per_min", "RATELIMIT_PROCESS_PER_MIN")

	// Defaults
	v.SetDefault("server.port", "9000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("catalog.base_url", "https://dgr4q70dil.execute-api.us-east-1.amazonaws.com/prod/catalog")
	v.SetDefault("catalog.page_size", 200)
	v.SetDefault("catalog.timeout", 30)
	v.SetDefault("catalog.max_attempts", 3)
	v.SetDefault("catalog.retry_backoff_ms", 500)
	v.SetDefault("heartbeat.interval_ms", 2000)
	v.SetDefault("heartbeat.timeout_ms", 10000)
	v.SetDefault("cache.max_entries", 500)
	v.SetDefault("cache.max_size", 5000)
	v.SetDefault("cache.ttl_minutes", 300)
	v.SetDefault("cache.allow_stale", true)
	v.SetDefault("matcher.workers", runtime.NumCPU())
	v.SetDefault("ratelimit.process_per_min", 30)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		TLS: TLSConfig{
			CertFile: v.GetString("tls.cert_file"),
			KeyFile:  v.GetString("tls.key_file"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Catalog: CatalogConfig{
			BaseURL:      v.GetString("catalog.base_url"),
			PageSize:     v.GetInt("catalog.page_size"),
			Timeout:      time.Duration(v.GetInt("catalog.timeout")) * time.Second,
			MaxAttempts:  v.GetInt("catalog.max_attempts"),
			RetryBackoff: time.Duration(v.GetInt("catalog.retry_backoff_ms")) * time.Millisecond,
		},
		Heartbeat: HeartbeatConfig{
			Interval: time.Duration(v.GetInt("heartbeat.interval_ms")) * time.Millisecond,
			Timeout:  time.Duration(v.GetInt("heartbeat.timeout_ms")) * time.Millisecond,
		},
		Cache: CacheConfig{
			MaxEntries: v.GetInt("cache.max_entries"),
			MaxSize:    v.GetInt("cache.max_size"),
			TTL:        time.Duration(v.GetInt("cache.ttl_minutes")) * time.Minute,
			AllowStale: v.GetBool("cache.allow_stale"),
		},
		Matcher: MatcherConfig{
			Workers: v.GetInt("matcher.workers"),
		},
		RateLimit: RateLimitConfig{
			ProcessPerMin: v.GetInt("ratelimit.process_per_min"),
		},
	}

	return cfg, nil
}
