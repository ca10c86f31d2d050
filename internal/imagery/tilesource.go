package imagery

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solar-cli/internal/geospatial"
	"github.com/sells-group/solar-cli/internal/resilience"
)

// Source ids reported in image metadata.
const (
	SourceEsri   = "esri_world_imagery"
	SourceGoogle = "google_static_maps"
	SourceBing   = "bing_aerial"
	SourceOSM    = "osm_standard_fallback"
)

// Default tile endpoints. {q} is the Bing quadkey.
const (
	EsriWorldImageryURL = "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}"
	BingAerialURL       = "https://ecn.t0.tiles.virtualearth.net/tiles/a{q}.jpeg?g=1"
	OSMStandardURL      = "https://tile.openstreetmap.org/{z}/{x}/{y}.png"
)

const (
	// DefaultUserAgent identifies tile requests.
	DefaultUserAgent = "Mozilla/5.0 Solar-PV-Detection/1.0"
	// DefaultRequestTimeout bounds every provider request.
	DefaultRequestTimeout = 15 * time.Second
)

// TileFetcher returns one decoded 256×256 tile.
type TileFetcher interface {
	Name() string
	Fetch(ctx context.Context, t geospatial.TileIndex) (*image.RGBA, error)
}

// TileSource fetches tiles from one XYZ or quadkey endpoint.
type TileSource struct {
	name        string
	urlTemplate string
	maxZoom     int
	userAgent   string
	client      *http.Client
	cache       geospatial.TileStore
	limiters    *HostLimiters
	retry       resilience.RetryPolicy
}

// TileSourceOption configures a TileSource.
type TileSourceOption func(*TileSource)

// WithHTTPClient replaces the default client (15s timeout).
func WithHTTPClient(c *http.Client) TileSourceOption {
	return func(s *TileSource) { s.client = c }
}

// WithTileCache caches raw tile bytes.
func WithTileCache(c geospatial.TileStore) TileSourceOption {
	return func(s *TileSource) { s.cache = c }
}

// WithLimiters sets per-host rate limiting.
func WithLimiters(l *HostLimiters) TileSourceOption {
	return func(s *TileSource) {
		if l != nil {
			s.limiters = l
		}
	}
}

// WithRetry retries transient tile failures.
func WithRetry(p resilience.RetryPolicy) TileSourceOption {
	return func(s *TileSource) { s.retry = p }
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) TileSourceOption {
	return func(s *TileSource) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

// NewTileSource creates a tile source. urlTemplate may use {z}, {x}, {y}
// and {q}. Requests above maxZoom are rejected.
func NewTileSource(name, urlTemplate string, maxZoom int, opts ...TileSourceOption) *TileSource {
	s := &TileSource{
		name:        name,
		urlTemplate: urlTemplate,
		maxZoom:     maxZoom,
		userAgent:   DefaultUserAgent,
		client:      &http.Client{Timeout: DefaultRequestTimeout},
		limiters:    Unlimited(),
		retry:       resilience.NoRetry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements TileFetcher.
func (s *TileSource) Name() string { return s.name }

// MaxZoom is the highest zoom the endpoint serves.
func (s *TileSource) MaxZoom() int { return s.maxZoom }

// URL expands the template for t.
func (s *TileSource) URL(t geospatial.TileIndex) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(t.Z),
		"{x}", strconv.Itoa(t.X),
		"{y}", strconv.Itoa(t.Y),
		"{q}", geospatial.Quadkey(t),
	).Replace(s.urlTemplate)
}

// FetchRaw returns the tile's bytes and content type, from cache when possible.
func (s *TileSource) FetchRaw(ctx context.Context, t geospatial.TileIndex) ([]byte, string, error) {
	if !t.Valid() {
		return nil, "", eris.Errorf("imagery: %s tile %s out of range", s.name, t)
	}
	if t.Z > s.maxZoom {
		return nil, "", eris.Errorf("imagery: %s does not serve zoom %d", s.name, t.Z)
	}

	if s.cache != nil {
		if data, ok := s.cache.Get(ctx, s.name, t); ok {
			return data, http.DetectContentType(data), nil
		}
	}

	url := s.URL(t)
	data, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]byte, error) {
		return s.get(ctx, url)
	})
	if err != nil {
		return nil, "", err
	}

	// Only image bodies are cached.
	if s.cache != nil {
		if isImage(data) {
			s.cache.Put(ctx, s.name, t, data)
		} else {
			zap.L().Debug("imagery: not caching non-image tile body",
				zap.String("provider", s.name),
				zap.String("tile", t.String()),
			)
		}
	}
	zap.L().Debug("imagery: fetched tile",
		zap.String("provider", s.name),
		zap.String("tile", t.String()),
		zap.Int("bytes", len(data)),
	)
	return data, http.DetectContentType(data), nil
}

// Fetch implements TileFetcher. Tiles of any native size come back 256×256.
func (s *TileSource) Fetch(ctx context.Context, t geospatial.TileIndex) (*image.RGBA, error) {
	data, _, err := s.FetchRaw(ctx, t)
	if err != nil {
		return nil, err
	}
	img, err := decodeImage(data)
	if err != nil {
		return nil, eris.Wrapf(err, "imagery: %s tile %s", s.name, t)
	}
	return resizeRGBA(img, geospatial.TileSize, geospatial.TileSize), nil
}

func (s *TileSource) get(ctx context.Context, url string) ([]byte, error) {
	limiter := s.limiters.For(url)
	if err := limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "imagery: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "imagery: create %s request", s.name)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "imagery: fetch %s tile", s.name)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		limiter.OnRateLimit()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resilience.StatusError("imagery: "+s.name, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "imagery: read %s tile body", s.name)
	}
	limiter.OnSuccess()
	return data, nil
}

// ServeHTTP proxies tiles at /{z}/{x}/{y} (an extension is ignored).
func (s *TileSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var t geospatial.TileIndex
	path := strings.TrimSuffix(r.URL.Path, ".png")
	path = strings.TrimSuffix(path, ".jpeg")
	path = strings.TrimSuffix(path, ".jpg")
	if _, err := fmt.Sscanf(path, "/%d/%d/%d", &t.Z, &t.X, &t.Y); err != nil {
		http.Error(w, "invalid tile path", http.StatusBadRequest)
		return
	}

	data, ct, err := s.FetchRaw(r.Context(), t)
	if err != nil {
		zap.L().Warn("imagery: tile proxy fetch failed",
			zap.String("provider", s.name),
			zap.String("tile", t.String()),
			zap.Error(err),
		)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(data)
}
