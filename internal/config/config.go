package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/solar-cli/internal/imagery"
	"github.com/sells-group/solar-cli/internal/qc"
	"github.com/sells-group/solar-cli/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Imagery  ImageryConfig  `yaml:"imagery" mapstructure:"imagery"`
	Detector DetectorConfig `yaml:"detector" mapstructure:"detector"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	QC       qc.Thresholds  `yaml:"qc" mapstructure:"qc"`
	Batch    BatchConfig    `yaml:"batch" mapstructure:"batch"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// ImageryConfig configures tile providers and the acquisition chain.
type ImageryConfig struct {
	TileConcurrency  int    `yaml:"tile_concurrency" mapstructure:"tile_concurrency"`
	WrapAntimeridian bool   `yaml:"wrap_antimeridian" mapstructure:"wrap_antimeridian"`
	EsriMinZoom      int    `yaml:"esri_min_zoom" mapstructure:"esri_min_zoom"`
	MinRealTiles     int    `yaml:"min_real_tiles" mapstructure:"min_real_tiles"`
	UserAgent        string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`

	Esri   TileProviderConfig `yaml:"esri" mapstructure:"esri"`
	Bing   TileProviderConfig `yaml:"bing" mapstructure:"bing"`
	OSM    TileProviderConfig `yaml:"osm" mapstructure:"osm"`
	Google GoogleConfig       `yaml:"google" mapstructure:"google"`

	Placeholder imagery.PlaceholderThresholds `yaml:"placeholder" mapstructure:"placeholder"`
	Breaker     BreakerConfig                 `yaml:"breaker" mapstructure:"breaker"`
	Retry       RetryConfig                   `yaml:"retry" mapstructure:"retry"`
	Cache       CacheConfig                   `yaml:"cache" mapstructure:"cache"`
	// RateLimits overrides the built-in per-host request rates.
	RateLimits  []HostRate `yaml:"rate_limits" mapstructure:"rate_limits"`
	FallbackRPS float64    `yaml:"fallback_rps" mapstructure:"fallback_rps"`
}

// TileProviderConfig configures one XYZ or quadkey tile provider.
type TileProviderConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	URL     string `yaml:"url" mapstructure:"url"`
	MaxZoom int    `yaml:"max_zoom" mapstructure:"max_zoom"`
}

// GoogleConfig holds Google Static Maps settings.
type GoogleConfig struct {
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// BreakerConfig configures per-provider circuit breakers. A zero threshold
// disables them.
type BreakerConfig struct {
	Threshold    int `yaml:"threshold" mapstructure:"threshold"`
	CooldownSecs int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// RetryConfig configures retries of transient HTTP failures.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
}

// CacheConfig selects the tile cache backend.
type CacheConfig struct {
	Backend    string `yaml:"backend" mapstructure:"backend"`
	MaxEntries int    `yaml:"max_entries" mapstructure:"max_entries"`
	TTLMinutes int    `yaml:"ttl_minutes" mapstructure:"ttl_minutes"`
	RedisURL   string `yaml:"redis_url" mapstructure:"redis_url"`
}

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// HostRate is a requests-per-second limit for one tile host.
type HostRate struct {
	Host string  `yaml:"host" mapstructure:"host"`
	RPS  float64 `yaml:"rps" mapstructure:"rps"`
}

// DetectorConfig selects the panel detector: a remote inference service or a
// fixture file.
type DetectorConfig struct {
	URL         string  `yaml:"url" mapstructure:"url"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	FixturePath string  `yaml:"fixture_path" mapstructure:"fixture_path"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Confidence  float64 `yaml:"confidence" mapstructure:"confidence"`
	IoU         float64 `yaml:"iou" mapstructure:"iou"`
}

// PipelineConfig configures per-location processing.
type PipelineConfig struct {
	ImageSize     int     `yaml:"image_size" mapstructure:"image_size"`
	PrimarySqft   int     `yaml:"primary_sqft" mapstructure:"primary_sqft"`
	SecondarySqft int     `yaml:"secondary_sqft" mapstructure:"secondary_sqft"`
	MinSolarArea  float64 `yaml:"min_solar_area" mapstructure:"min_solar_area"`
	Overlay       bool    `yaml:"overlay" mapstructure:"overlay"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// StoreConfig configures the result store.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	ShutdownSecs       int      `yaml:"shutdown_secs" mapstructure:"shutdown_secs"`
	AllowedOrigins     []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SOLAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("imagery.google.api_key", "SOLAR_IMAGERY_GOOGLE_API_KEY", "GOOGLE_MAPS_API_KEY"); err != nil {
		return nil, eris.Wrap(err, "config: bind env")
	}

	// Defaults
	ph := imagery.DefaultPlaceholderThresholds()
	th := qc.DefaultThresholds()

	v.SetDefault("imagery.tile_concurrency", 9)
	v.SetDefault("imagery.wrap_antimeridian", false)
	v.SetDefault("imagery.esri_min_zoom", 15)
	v.SetDefault("imagery.min_real_tiles", 5)
	v.SetDefault("imagery.user_agent", imagery.DefaultUserAgent)
	v.SetDefault("imagery.timeout_secs", 15)
	v.SetDefault("imagery.esri.enabled", true)
	v.SetDefault("imagery.esri.url", imagery.EsriWorldImageryURL)
	v.SetDefault("imagery.esri.max_zoom", 23)
	v.SetDefault("imagery.bing.enabled", true)
	v.SetDefault("imagery.bing.url", imagery.BingAerialURL)
	v.SetDefault("imagery.bing.max_zoom", 19)
	v.SetDefault("imagery.osm.enabled", true)
	v.SetDefault("imagery.osm.url", imagery.OSMStandardURL)
	v.SetDefault("imagery.osm.max_zoom", 18)
	v.SetDefault("imagery.google.api_key", imagery.UnsetGoogleAPIKey)
	v.SetDefault("imagery.google.base_url", "https://maps.googleapis.com/maps/api")
	v.SetDefault("imagery.placeholder.max_channel_mean_std", ph.MaxChannelMeanStd)
	v.SetDefault("imagery.placeholder.max_variance", ph.MaxVariance)
	v.SetDefault("imagery.placeholder.gray_level", ph.GrayLevel)
	v.SetDefault("imagery.placeholder.gray_tolerance", ph.GrayTolerance)
	v.SetDefault("imagery.breaker.threshold", 0)
	v.SetDefault("imagery.breaker.cooldown_secs", 60)
	v.SetDefault("imagery.retry.max_attempts", 3)
	v.SetDefault("imagery.retry.initial_backoff_ms", 500)
	v.SetDefault("imagery.cache.backend", CacheMemory)
	v.SetDefault("imagery.cache.max_entries", 4096)
	v.SetDefault("imagery.cache.ttl_minutes", 60)
	v.SetDefault("imagery.fallback_rps", 5)
	v.SetDefault("detector.timeout_secs", 60)
	v.SetDefault("detector.confidence", 0.25)
	v.SetDefault("detector.iou", 0.45)
	v.SetDefault("pipeline.image_size", 640)
	v.SetDefault("pipeline.primary_sqft", 1200)
	v.SetDefault("pipeline.secondary_sqft", 2400)
	v.SetDefault("pipeline.min_solar_area", 0.1)
	v.SetDefault("pipeline.overlay", true)
	v.SetDefault("qc.min_resolution", th.MinResolution)
	v.SetDefault("qc.min_brightness", th.MinBrightness)
	v.SetDefault("qc.cloud_level", th.CloudLevel)
	v.SetDefault("qc.shadow_level", th.ShadowLevel)
	v.SetDefault("qc.max_cover_fraction", th.MaxCoverFraction)
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("store.driver", store.DriverNone)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_secs", 15)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout_secs", 120)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validation modes, one per command.
const (
	ModeRun    = "run"
	ModeBatch  = "batch"
	ModeServe  = "serve"
	ModeExport = "export"
	ModeImport = "import"
)

// Validate checks the values the given command cannot run without.
func (c *Config) Validate(mode string) error {
	var problems []string
	bad := func(msg string, ok bool) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch mode {
	case ModeRun, ModeBatch, ModeServe:
		problems = append(problems, c.pipelineProblems()...)
	case ModeExport, ModeImport:
		bad("store.driver must be sqlite or postgres", c.Store.Driver == store.DriverSQLite || c.Store.Driver == store.DriverPostgres)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	if mode == ModeServe {
		bad("server.port must be > 0", c.Server.Port > 0)
	}

	switch c.Store.Driver {
	case "", store.DriverNone, store.DriverSQLite:
	case store.DriverPostgres:
		bad("store.database_url is required for postgres", c.Store.DatabaseURL != "")
	default:
		problems = append(problems, "store.driver must be none, sqlite or postgres")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) pipelineProblems() []string {
	var problems []string
	bad := func(msg string, ok bool) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	p := c.Pipeline
	bad("pipeline.image_size must be positive", p.ImageSize > 0)
	bad("pipeline.primary_sqft must be positive", p.PrimarySqft > 0)
	bad("pipeline.secondary_sqft must be 0 or larger than primary_sqft",
		p.SecondarySqft == 0 || p.SecondarySqft > p.PrimarySqft)
	bad("pipeline.min_solar_area must not be negative", p.MinSolarArea >= 0)

	d := c.Detector
	bad("detector.confidence must be in (0, 1]", d.Confidence > 0 && d.Confidence <= 1)
	bad("detector.iou must be in (0, 1]", d.IoU > 0 && d.IoU <= 1)

	q := c.QC
	bad("qc.max_cover_fraction must be in [0, 1]", q.MaxCoverFraction >= 0 && q.MaxCoverFraction <= 1)
	bad("qc.cloud_level must be above qc.shadow_level", q.CloudLevel > q.ShadowLevel)

	im := c.Imagery
	bad("imagery.tile_concurrency must be positive", im.TileConcurrency > 0)
	bad("imagery.min_real_tiles must be in [0, 9]", im.MinRealTiles >= 0 && im.MinRealTiles <= 9)
	switch im.Cache.Backend {
	case CacheNone, CacheMemory:
	case CacheRedis:
		bad("imagery.cache.redis_url is required for the redis backend", im.Cache.RedisURL != "")
	default:
		problems = append(problems, "imagery.cache.backend must be none, memory or redis")
	}

	bad("batch.concurrency must be between 1 and 64", c.Batch.Concurrency >= 1 && c.Batch.Concurrency <= 64)
	return problems
}

// HostRates merges RateLimits over the built-in per-host rates.
func (c ImageryConfig) HostRates() map[string]float64 {
	rates := imagery.DefaultHostRates()
	for _, r := range c.RateLimits {
		rates[r.Host] = r.RPS
	}
	return rates
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
