package imagery

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/solar-cli/internal/geospatial"
)

const (
	gridTiles   = 3
	canvasSize  = gridTiles * geospatial.TileSize
	canvasHalf  = canvasSize / 2
	fillerLevel = 200
)

// ErrNoTiles is returned when none of the nine tiles could be fetched.
var ErrNoTiles = eris.New("imagery: no tiles fetched")

// StitchResult is a crop of the 3×3 tile grid around a point.
type StitchResult struct {
	Image *image.RGBA
	// Center is the center tile of the grid.
	Center geospatial.TileIndex
	// Left and Top locate the crop on the 768×768 canvas.
	Left, Top int
	// Fetched counts tiles that downloaded and decoded. Real counts those
	// that were not placeholders.
	Fetched int
	Real    int
}

// Footprint is the crop's geographic extent.
func (r *StitchResult) Footprint() orb.Bound {
	return geospatial.CropFootprint(r.Center, r.Left, r.Top, r.Image.Bounds().Dx())
}

// Stitcher assembles provider tiles into a square image centered on a point.
type Stitcher struct {
	// Concurrency bounds parallel tile fetches. Values below 1 mean 1.
	Concurrency int
	// WrapAntimeridian wraps x neighbors around the date line instead of
	// skipping them.
	WrapAntimeridian bool
	Placeholder      PlaceholderThresholds
}

// NewStitcher returns a stitcher fetching all nine tiles at once.
func NewStitcher() *Stitcher {
	return &Stitcher{Concurrency: gridTiles * gridTiles, Placeholder: DefaultPlaceholderThresholds()}
}

type gridSlot struct {
	tile geospatial.TileIndex
	dx   int
	dy   int
	img  *image.RGBA
}

// Stitch fetches the 3×3 grid around (lat, lon) at zoom and returns a
// size×size crop centered on the point. Missing tiles leave the gray filler.
func (s *Stitcher) Stitch(ctx context.Context, src TileFetcher, lat, lon float64, zoom, size int) (*StitchResult, error) {
	if size <= 0 || size > canvasSize {
		return nil, eris.Errorf("imagery: stitch size %d outside (0,%d]", size, canvasSize)
	}
	lat = geospatial.ClampLatitude(lat)
	center := geospatial.LatLonToTile(lat, lon, zoom).Clamp()
	offX, offY := geospatial.PixelOffset(lat, lon, zoom)

	slots := make([]*gridSlot, 0, gridTiles*gridTiles)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			t, ok := center.Neighbor(dx, dy, s.WrapAntimeridian)
			if !ok {
				continue
			}
			slots = append(slots, &gridSlot{tile: t, dx: dx, dy: dy})
		}
	}

	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, slot := range slots {
		g.Go(func() error {
			img, err := src.Fetch(gctx, slot.tile)
			if err != nil {
				failed.Add(1)
				zap.L().Debug("imagery: tile fetch failed",
					zap.String("provider", src.Name()),
					zap.String("tile", slot.tile.String()),
					zap.Error(err),
				)
				return nil
			}
			slot.img = img
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "imagery: stitch cancelled")
	}

	canvas := image.NewRGBA(image.Rect(0, 0, canvasSize, canvasSize))
	filler := color.RGBA{R: fillerLevel, G: fillerLevel, B: fillerLevel, A: 0xff}
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: filler}, image.Point{}, draw.Src)

	res := &StitchResult{Center: center}
	for _, slot := range slots {
		if slot.img == nil {
			continue
		}
		res.Fetched++
		if !s.Placeholder.IsPlaceholder(slot.img) {
			res.Real++
		}
		at := image.Pt((slot.dx+1)*geospatial.TileSize, (slot.dy+1)*geospatial.TileSize)
		draw.Draw(canvas, image.Rectangle{Min: at, Max: at.Add(image.Pt(geospatial.TileSize, geospatial.TileSize))},
			slot.img, slot.img.Bounds().Min, draw.Src)
	}
	if res.Fetched == 0 {
		return nil, eris.Wrapf(ErrNoTiles, "imagery: %s at zoom %d", src.Name(), zoom)
	}

	res.Left = cropOrigin(canvasHalf+offX, size)
	res.Top = cropOrigin(canvasHalf+offY, size)
	crop := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(crop, crop.Bounds(), canvas, image.Pt(res.Left, res.Top), draw.Src)
	res.Image = crop

	zap.L().Debug("imagery: stitched grid",
		zap.String("provider", src.Name()),
		zap.Int("zoom", zoom),
		zap.Int("fetched", res.Fetched),
		zap.Int("real", res.Real),
		zap.Int64("failed", failed.Load()),
	)
	return res, nil
}

// cropOrigin places a size-wide window centered on p, clamped to the canvas.
func cropOrigin(p, size int) int {
	o := p - size/2
	if o > canvasSize-size {
		o = canvasSize - size
	}
	if o < 0 {
		o = 0
	}
	return o
}
