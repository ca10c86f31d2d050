package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solar-cli/internal/config"
	"github.com/sells-group/solar-cli/internal/detect"
	"github.com/sells-group/solar-cli/internal/geospatial"
	"github.com/sells-group/solar-cli/internal/imagery"
	"github.com/sells-group/solar-cli/internal/pipeline"
	"github.com/sells-group/solar-cli/internal/qc"
	"github.com/sells-group/solar-cli/internal/quantify"
	"github.com/sells-group/solar-cli/internal/resilience"
	"github.com/sells-group/solar-cli/internal/store"
	"github.com/sells-group/solar-cli/pkg/google"
	"github.com/sells-group/solar-cli/pkg/inference"
)

// pipelineEnv holds the initialized providers, detector, store and processor
// needed by the run/batch/serve commands.
type pipelineEnv struct {
	Store        store.Store // may be nil
	Processor    *pipeline.Processor
	Orchestrator *imagery.Orchestrator
	// Sources maps short provider names (esri, bing, osm) to tile sources.
	Sources map[string]*imagery.TileSource
	Cache   geospatial.TileStore // may be nil
	// Health checks the detector when it is remote.
	Health  func(ctx context.Context) error
	closers []func() error
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	for i := len(pe.closers) - 1; i >= 0; i-- {
		if err := pe.closers[i](); err != nil {
			zap.L().Warn("close pipeline resource", zap.Error(err))
		}
	}
	pe.closers = nil
}

// CacheStats reports the tile cache counters, or nothing when caching is off.
func (pe *pipelineEnv) CacheStats() []geospatial.CacheStats {
	if pe.Cache == nil {
		return nil
	}
	return []geospatial.CacheStats{pe.Cache.Stats()}
}

// initPipeline validates the config for mode and builds the environment.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	env := &pipelineEnv{}

	cache, closeCache, err := buildTileCache(ctx, cfg.Imagery.Cache)
	if err != nil {
		return nil, err
	}
	env.Cache = cache
	if closeCache != nil {
		env.closers = append(env.closers, closeCache)
	}

	httpClient := &http.Client{Timeout: seconds(cfg.Imagery.TimeoutSecs, imagery.DefaultRequestTimeout)}
	tiers, sources := buildTiers(cfg.Imagery, cache, httpClient)
	env.Orchestrator = imagery.NewOrchestrator(tiers, buildBreakers(cfg.Imagery.Breaker))
	env.Sources = sources

	det, health, err := buildDetector(cfg.Detector, cfg.Pipeline.ImageSize, cfg.Imagery.Retry)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Health = health

	env.Processor = pipeline.NewProcessor(env.Orchestrator, det, quantify.New(), qc.NewChecker(cfg.QC), processorOptions(cfg))

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	if err != nil {
		env.Close()
		return nil, err
	}
	if st != nil {
		env.Store = st
		env.closers = append(env.closers, st.Close)
	}

	names := make([]string, 0, len(tiers))
	for _, t := range tiers {
		names = append(names, t.Name())
	}
	zap.L().Info("pipeline initialized",
		zap.Strings("tiers", names),
		zap.String("cache", cfg.Imagery.Cache.Backend),
		zap.String("store", cfg.Store.Driver),
	)
	return env, nil
}

// buildBreakers returns nil (no circuit breaking) unless a threshold is set.
func buildBreakers(c config.BreakerConfig) *resilience.Breakers {
	return resilience.NewBreakers(c.Threshold, time.Duration(c.CooldownSecs)*time.Second)
}

// buildTileCache returns a nil store for the none backend. The returned
// closer is nil when nothing needs closing.
func buildTileCache(ctx context.Context, c config.CacheConfig) (geospatial.TileStore, func() error, error) {
	ttl := time.Duration(c.TTLMinutes) * time.Minute
	switch c.Backend {
	case config.CacheNone:
		return nil, nil, nil
	case config.CacheRedis:
		rc, err := geospatial.NewRedisTileCache(ctx, c.RedisURL, ttl)
		if err != nil {
			return nil, nil, eris.Wrap(err, "init tile cache")
		}
		return rc, rc.Close, nil
	default:
		return geospatial.NewTileCache(c.MaxEntries, ttl), nil, nil
	}
}

// buildTiers assembles the fallback chain in order: Esri, Google, Bing, OSM.
// Disabled tile providers are left out.
func buildTiers(c config.ImageryConfig, cache geospatial.TileStore, hc *http.Client) ([]imagery.Provider, map[string]*imagery.TileSource) {
	limiters := imagery.NewHostLimiters(c.HostRates(), c.FallbackRPS)
	retry := resilience.RetryPolicyFrom(c.Retry.MaxAttempts, c.Retry.InitialBackoffMs)

	st := imagery.NewStitcher()
	st.Concurrency = c.TileConcurrency
	st.WrapAntimeridian = c.WrapAntimeridian
	st.Placeholder = c.Placeholder

	newSource := func(name string, p config.TileProviderConfig) *imagery.TileSource {
		r := retry
		r.OnRetry = resilience.RetryLogger(name, "tile")
		return imagery.NewTileSource(name, p.URL, p.MaxZoom,
			imagery.WithHTTPClient(hc),
			imagery.WithTileCache(cache),
			imagery.WithLimiters(limiters),
			imagery.WithRetry(r),
			imagery.WithUserAgent(c.UserAgent),
		)
	}

	sources := map[string]*imagery.TileSource{}
	var tiers []imagery.Provider
	if c.Esri.Enabled {
		src := newSource(imagery.SourceEsri, c.Esri)
		sources["esri"] = src
		tiers = append(tiers, imagery.NewEsriProvider(src, st, c.EsriMinZoom, c.MinRealTiles))
	}

	googleClient := google.NewClient(c.Google.APIKey,
		google.WithBaseURL(c.Google.BaseURL),
		google.WithHTTPClient(hc),
	)
	gp := imagery.NewGoogleProvider(c.Google.APIKey, googleClient, limiters, c.Placeholder)
	if gp.Available() {
		tiers = append(tiers, gp)
	} else {
		zap.L().Debug("google static maps key not set, skipping tier")
	}

	if c.Bing.Enabled {
		src := newSource(imagery.SourceBing, c.Bing)
		sources["bing"] = src
		tiers = append(tiers, imagery.NewBingProvider(src, st))
	}
	if c.OSM.Enabled {
		src := newSource(imagery.SourceOSM, c.OSM)
		sources["osm"] = src
		tiers = append(tiers, imagery.NewOSMProvider(src, st))
	}
	return tiers, sources
}

// buildDetector prefers the remote service and falls back to a fixture file.
// health is nil for fixture detectors.
func buildDetector(c config.DetectorConfig, imageSize int, rc config.RetryConfig) (detect.Detector, func(context.Context) error, error) {
	switch {
	case c.URL != "":
		retry := resilience.RetryPolicyFrom(rc.MaxAttempts, rc.InitialBackoffMs)
		retry.ShouldRetry = inference.IsRetryable
		retry.OnRetry = resilience.RetryLogger("inference", "predict")
		client := inference.NewClient(c.URL,
			inference.WithHTTPClient(&http.Client{Timeout: seconds(c.TimeoutSecs, 60*time.Second)}),
			inference.WithRetry(retry),
			inference.WithAPIKey(c.APIKey),
		)
		d := detect.NewRemoteDetector(client, imageSize)
		return d, d.Health, nil
	case c.FixturePath != "":
		d, err := detect.LoadFixtureDetector(c.FixturePath)
		if err != nil {
			return nil, nil, eris.Wrap(err, "init detector")
		}
		zap.L().Warn("using fixture detector", zap.String("path", c.FixturePath))
		return d, nil, nil
	default:
		return nil, nil, eris.New("init detector: detector.url or detector.fixture_path is required (SOLAR_DETECTOR_URL)")
	}
}

func processorOptions(c *config.Config) pipeline.Options {
	return pipeline.Options{
		ImageSize:     c.Pipeline.ImageSize,
		PrimarySqft:   c.Pipeline.PrimarySqft,
		SecondarySqft: c.Pipeline.SecondarySqft,
		Confidence:    c.Detector.Confidence,
		IoU:           c.Detector.IoU,
		MinSolarArea:  c.Pipeline.MinSolarArea,
		Overlay:       c.Pipeline.Overlay,
	}
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
