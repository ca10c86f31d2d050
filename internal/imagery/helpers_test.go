package imagery

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/solar-cli/internal/geospatial"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// checkerImage alternates black and white 8px squares.
func checkerImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(0)
			if (x/8+y/8)%2 == 0 {
				v = 255
			}
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

var gray = color.RGBA{R: 200, G: 200, B: 200, A: 255}

// funcFetcher is a TileFetcher backed by a function, recording requested tiles.
type funcFetcher struct {
	name string
	fn   func(t geospatial.TileIndex) (*image.RGBA, error)

	mu    sync.Mutex
	calls []geospatial.TileIndex
}

func (f *funcFetcher) Name() string { return f.name }

func (f *funcFetcher) Fetch(_ context.Context, t geospatial.TileIndex) (*image.RGBA, error) {
	f.mu.Lock()
	f.calls = append(f.calls, t)
	f.mu.Unlock()
	return f.fn(t)
}

func (f *funcFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// stubProvider is a Provider with canned results.
type stubProvider struct {
	name      string
	available bool
	acq       *Acquisition
	err       error

	mu    sync.Mutex
	calls int
}

func (p *stubProvider) Name() string    { return p.name }
func (p *stubProvider) Available() bool { return p.available }

func (p *stubProvider) Acquire(_ context.Context, _ Request) (*Acquisition, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.acq, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
