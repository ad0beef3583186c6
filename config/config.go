// Package config reads the YAML configuration of the reqcoord binary and
// turns it into options for the packages it wires together.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/zckevin/reqcoord/httpclient"
	"github.com/zckevin/reqcoord/loader"
	"github.com/zckevin/reqcoord/retry"
	"github.com/zckevin/reqcoord/transport"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	KeyPath  = "path"
	KeyQuery = "query"
)

var (
	ErrInvalid      = errors.New("invalid config")
	ErrNoConfigFile = errors.New("no config file specified")
)

type Config struct {
	BaseURL string `yaml:"base_url"`

	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	MinRequestInterval    time.Duration `yaml:"min_request_interval"`
	QueueProcessingDelay  time.Duration `yaml:"queue_processing_delay"`
	DefaultCacheTTL       time.Duration `yaml:"default_cache_ttl"`
	PriorityEndpoints     []string      `yaml:"priority_endpoints"`
	LongCacheEndpoints    []string      `yaml:"long_cache_endpoints"`
	// CacheKey is "path" to key the cache by path alone or "query" to keep
	// the query string in the key.
	CacheKey string `yaml:"cache_key"`

	Retry     Retry     `yaml:"retry"`
	Cache     Cache     `yaml:"cache"`
	Transport Transport `yaml:"transport"`
	Loader    Loader    `yaml:"loader"`
	Log       Log       `yaml:"log"`
	Metrics   Metrics   `yaml:"metrics"`
}

type Retry struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type Cache struct {
	Backend string `yaml:"backend"`
	Redis   Redis  `yaml:"redis"`
}

type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type Transport struct {
	Timeout     time.Duration `yaml:"timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ProxyURL    string        `yaml:"proxy_url"`
}

type Loader struct {
	MinRequestInterval time.Duration `yaml:"min_request_interval"`
	Critical           []string      `yaml:"critical"`
	Common             []string      `yaml:"common"`
	CommonDelay        time.Duration `yaml:"common_delay"`
	StaggerDelay       time.Duration `yaml:"stagger_delay"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Metrics struct {
	// Addr is where /metrics is served; empty disables the endpoint.
	Addr string `yaml:"addr"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	rs := retry.DefaultSettings()
	return &Config{
		MaxConcurrentRequests: httpclient.DefaultMaxConcurrentRequests,
		MinRequestInterval:    httpclient.DefaultMinRequestInterval,
		QueueProcessingDelay:  httpclient.DefaultQueueProcessingDelay,
		DefaultCacheTTL:       httpclient.DefaultCacheTTL,
		PriorityEndpoints:     append([]string(nil), httpclient.DefaultPriorityEndpoints...),
		LongCacheEndpoints:    append([]string(nil), httpclient.DefaultLongCacheEndpoints...),
		CacheKey:              KeyPath,
		Retry: Retry{
			MaxRetries: rs.MaxRetries,
			BaseDelay:  rs.BaseDelay,
			MaxDelay:   rs.MaxDelay,
		},
		Cache: Cache{
			Backend: BackendMemory,
			Redis: Redis{
				Addr:      "localhost:6379",
				KeyPrefix: "reqcoord:",
			},
		},
		Transport: Transport{
			Timeout:     transport.DefaultTimeout,
			DialTimeout: transport.DefaultDialTimeout,
		},
		Loader: Loader{
			MinRequestInterval: loader.DefaultMinRequestInterval,
			CommonDelay:        loader.DefaultCommonDelay,
			StaggerDelay:       loader.DefaultStaggerDelay,
		},
		Log: Log{Level: "info"},
	}
}

// Parse decodes data over the defaults. Unknown keys are an error.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Load(filename string) (*Config, error) {
	if len(filename) == 0 {
		return nil, ErrNoConfigFile
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if c.MaxConcurrentRequests < 1 {
		invalid("max_concurrent_requests must be at least 1, got %d", c.MaxConcurrentRequests)
	}
	for name, d := range map[string]time.Duration{
		"min_request_interval":        c.MinRequestInterval,
		"queue_processing_delay":      c.QueueProcessingDelay,
		"retry.base_delay":            c.Retry.BaseDelay,
		"retry.max_delay":             c.Retry.MaxDelay,
		"loader.min_request_interval": c.Loader.MinRequestInterval,
		"loader.common_delay":         c.Loader.CommonDelay,
		"loader.stagger_delay":        c.Loader.StaggerDelay,
	} {
		if d < 0 {
			invalid("%s must not be negative, got %v", name, d)
		}
	}
	if c.DefaultCacheTTL <= 0 {
		invalid("default_cache_ttl must be positive, got %v", c.DefaultCacheTTL)
	}
	if c.Retry.MaxRetries < 0 {
		invalid("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		invalid("retry.max_delay %v is below retry.base_delay %v", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	switch c.CacheKey {
	case KeyPath, KeyQuery:
	default:
		invalid("cache_key must be %q or %q, got %q", KeyPath, KeyQuery, c.CacheKey)
	}
	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Cache.Redis.Addr == "" {
			invalid("cache.redis.addr is required for the redis backend")
		}
	default:
		invalid("cache.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Cache.Backend)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		invalid("log.level: %v", err)
	}
	return errors.Join(errs...)
}

func (c *Config) RetrySettings() retry.Settings {
	s := retry.DefaultSettings()
	s.MaxRetries = c.Retry.MaxRetries
	s.BaseDelay = c.Retry.BaseDelay
	s.MaxDelay = c.Retry.MaxDelay
	return s
}

// CoordinatorOptions returns the options for everything the file
// configures. Logger, registerer and store are supplied by the caller.
func (c *Config) CoordinatorOptions() []httpclient.Option {
	opts := []httpclient.Option{
		httpclient.WithMaxConcurrentRequests(c.MaxConcurrentRequests),
		httpclient.WithMinRequestInterval(c.MinRequestInterval),
		httpclient.WithQueueProcessingDelay(c.QueueProcessingDelay),
		httpclient.WithDefaultCacheTTL(c.DefaultCacheTTL),
		httpclient.WithPriorityEndpoints(c.PriorityEndpoints...),
		httpclient.WithLongCacheEndpoints(c.LongCacheEndpoints...),
		httpclient.WithRetrySettings(c.RetrySettings()),
	}
	if c.CacheKey == KeyQuery {
		opts = append(opts, httpclient.WithKeyFunc(httpclient.CanonicalQueryKey))
	}
	return opts
}

func (c *Config) LoaderOptions() []loader.Option {
	return []loader.Option{
		loader.WithMinRequestInterval(c.Loader.MinRequestInterval),
		loader.WithCriticalEndpoints(c.Loader.Critical...),
		loader.WithCommonEndpoints(c.Loader.Common...),
		loader.WithCommonDelay(c.Loader.CommonDelay),
		loader.WithStaggerDelay(c.Loader.StaggerDelay),
	}
}

func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		Timeout:     c.Transport.Timeout,
		DialTimeout: c.Transport.DialTimeout,
		ProxyURL:    c.Transport.ProxyURL,
	}
}

// NewLogger builds a production logger, or a development one when
// log.development is set, at log.level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// NewStore returns the response store for cache.backend and a function
// releasing its resources.
func (c *Config) NewStore() (httpclient.EntryStore, func() error, error) {
	switch c.Cache.Backend {
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Cache.Redis.Addr,
			Password: c.Cache.Redis.Password,
			DB:       c.Cache.Redis.DB,
		})
		return httpclient.NewRedisStore(client, c.Cache.Redis.KeyPrefix), client.Close, nil
	case BackendMemory:
		return httpclient.NewMemoryStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown cache backend %q", ErrInvalid, c.Cache.Backend)
	}
}

// Options bundles CoordinatorOptions with the ambient pieces built by the
// caller.
func (c *Config) Options(logger *zap.Logger, reg prometheus.Registerer, store httpclient.EntryStore) []httpclient.Option {
	return append(c.CoordinatorOptions(),
		httpclient.WithLogger(logger),
		httpclient.WithRegisterer(reg),
		httpclient.WithStore(store),
	)
}
