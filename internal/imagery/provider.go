package imagery

import (
	"context"
	"errors"
	"image"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solar-cli/internal/geospatial"
)

// ErrPlaceholder marks a provider response that is gray filler rather than imagery.
var ErrPlaceholder = eris.New("imagery: provider returned placeholder imagery")

// Request is one acquisition of a square image around a point.
type Request struct {
	Point        geospatial.GeoPoint
	RadiusMeters float64
	Size         int
	// InitialZoom is the zoom that fits 2·RadiusMeters into Size pixels.
	InitialZoom int
}

// Metadata describes where an image came from.
type Metadata struct {
	Source      string  `json:"source"`
	Zoom        int     `json:"zoom"`
	CaptureDate *string `json:"capture_date"`
}

// Acquisition is an accepted image and its provenance.
type Acquisition struct {
	Image    *image.RGBA
	Metadata Metadata
	// Footprint is the image's geographic extent.
	Footprint orb.Bound
	// CenterDriftMeters is the distance from the requested point to the
	// image center.
	CenterDriftMeters float64
	TilesFetched      int
	TilesReal         int
}

// Provider is one tier of the fallback chain.
type Provider interface {
	Name() string
	// Available is false when the provider is not configured.
	Available() bool
	Acquire(ctx context.Context, req Request) (*Acquisition, error)
}

// StitchedProvider acquires images by stitching a tile source's 3×3 grid.
type StitchedProvider struct {
	tiles    TileFetcher
	stitcher *Stitcher
	maxZoom  int
	// minZoom > 0 steps the zoom down from the initial zoom to minZoom
	// until a non-placeholder crop comes back.
	minZoom int
	// gate rejects placeholder crops.
	gate bool
	// minReal is the real-tile count below which a crop is logged as weak.
	minReal int
	// reportZoom reports the zoom actually stitched instead of the initial one.
	reportZoom bool
}

// NewEsriProvider steps down from the initial zoom to minZoom. Crops with
// fewer than minReal real tiles are accepted with a warning.
func NewEsriProvider(src *TileSource, st *Stitcher, minZoom, minReal int) *StitchedProvider {
	return &StitchedProvider{
		tiles:      src,
		stitcher:   st,
		maxZoom:    src.MaxZoom(),
		minZoom:    minZoom,
		gate:       true,
		minReal:    minReal,
		reportZoom: true,
	}
}

// NewBingProvider stitches once at min(initial, source max zoom).
func NewBingProvider(src *TileSource, st *Stitcher) *StitchedProvider {
	return &StitchedProvider{tiles: src, stitcher: st, maxZoom: src.MaxZoom(), gate: true}
}

// NewOSMProvider is the last resort. Its crops are accepted as-is.
func NewOSMProvider(src *TileSource, st *Stitcher) *StitchedProvider {
	return &StitchedProvider{tiles: src, stitcher: st, maxZoom: src.MaxZoom()}
}

// Name implements Provider.
func (p *StitchedProvider) Name() string { return p.tiles.Name() }

// Available implements Provider. Tile sources need no credentials.
func (p *StitchedProvider) Available() bool { return true }

// Acquire implements Provider.
func (p *StitchedProvider) Acquire(ctx context.Context, req Request) (*Acquisition, error) {
	if p.minZoom <= 0 {
		return p.acquireAt(ctx, req, min(req.InitialZoom, p.maxZoom))
	}

	lastErr := eris.Errorf("imagery: %s initial zoom %d below minimum %d", p.Name(), req.InitialZoom, p.minZoom)
	for zoom := min(req.InitialZoom, p.maxZoom); zoom >= p.minZoom; zoom-- {
		acq, err := p.acquireAt(ctx, req, zoom)
		if err == nil {
			return acq, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		zap.L().Debug("imagery: zoom rejected",
			zap.String("provider", p.Name()),
			zap.Int("zoom", zoom),
			zap.Error(err),
		)
		lastErr = err
	}
	return nil, lastErr
}

func (p *StitchedProvider) acquireAt(ctx context.Context, req Request, zoom int) (*Acquisition, error) {
	res, err := p.stitcher.Stitch(ctx, p.tiles, req.Point.Lat, req.Point.Lon, zoom, req.Size)
	if err != nil {
		return nil, err
	}
	if p.gate && p.stitcher.Placeholder.IsPlaceholder(res.Image) {
		return nil, eris.Wrapf(ErrPlaceholder, "imagery: %s zoom %d", p.Name(), zoom)
	}
	if p.minReal > 0 && res.Real < p.minReal {
		zap.L().Warn("imagery: few real tiles in accepted crop",
			zap.String("provider", p.Name()),
			zap.Int("zoom", zoom),
			zap.Int("real", res.Real),
			zap.Int("fetched", res.Fetched),
		)
	}

	reported := req.InitialZoom
	if p.reportZoom {
		reported = zoom
	}
	fp := res.Footprint()
	return &Acquisition{
		Image:             res.Image,
		Metadata:          Metadata{Source: p.Name(), Zoom: reported},
		Footprint:         fp,
		CenterDriftMeters: geospatial.CenterDrift(req.Point, fp),
		TilesFetched:      res.Fetched,
		TilesReal:         res.Real,
	}, nil
}

func isPlaceholderErr(err error) bool {
	return errors.Is(err, ErrPlaceholder)
}
