package pipeline

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/solar-cli/internal/detect"
)

func black(size int) *image.RGBA {
	return solidImage(size, color.RGBA{A: 255})
}

func TestRenderOverlay_Nil(t *testing.T) {
	assert.Nil(t, RenderOverlay(nil, nil, 10))
}

func TestRenderOverlay_CopiesInput(t *testing.T) {
	src := black(20)
	out := RenderOverlay(src, nil, 0)
	require.NotNil(t, out)
	assert.Equal(t, src.Pix, out.Pix)

	out.Pix[0] = 99
	assert.Equal(t, uint8(0), src.Pix[0], "input must not be modified")
}

func TestRenderOverlay_BoxOutline(t *testing.T) {
	d := detect.Detection{Footprint: detect.BoxOnly{Box: detect.Box{X1: 10, Y1: 10, X2: 29, Y2: 29}}, Confidence: 0.9}
	out := RenderOverlay(black(40), []detect.Detection{d}, 0)

	edge := out.RGBAAt(10, 20)
	assert.Equal(t, uint8(255), edge.R)
	assert.Zero(t, edge.G)

	inner := out.RGBAAt(12, 20)
	assert.Equal(t, uint8(255), inner.R, "stroke is three pixels wide")

	middle := out.RGBAAt(20, 20)
	assert.Zero(t, middle.R, "box interior is not filled")

	outside := out.RGBAAt(5, 5)
	assert.Zero(t, outside.R)
}

func TestRenderOverlay_MaskFill(t *testing.T) {
	m := detect.NewMask(40, 40)
	for y := 15; y < 25; y++ {
		for x := 15; x < 25; x++ {
			m.Set(x, y, true)
		}
	}
	d := detect.Detection{Footprint: detect.MaskAndBox{Mask: m, Box: detect.Box{X1: 0, Y1: 0, X2: 39, Y2: 39}}}
	out := RenderOverlay(black(40), []detect.Detection{d}, 0)

	filled := out.RGBAAt(20, 20)
	assert.InDelta(t, maskAlpha, int(filled.G), 2)
	assert.Zero(t, filled.R)

	assert.Zero(t, out.RGBAAt(8, 8).G, "unmasked pixel keeps the image")
}

func TestRenderOverlay_MaskResizedToImage(t *testing.T) {
	m := detect.NewMask(4, 4)
	m.Set(2, 2, true)
	d := detect.Detection{Footprint: detect.MaskAndBox{Mask: m}}
	out := RenderOverlay(black(40), []detect.Detection{d}, 0)

	assert.Greater(t, out.RGBAAt(25, 25).G, uint8(100))
	assert.Zero(t, out.RGBAAt(5, 5).G)
}

func TestRenderOverlay_BufferRing(t *testing.T) {
	out := RenderOverlay(black(100), nil, 30)

	ring := out.RGBAAt(50+29, 50)
	assert.Greater(t, ring.R, uint8(100))
	assert.Greater(t, ring.G, uint8(100))
	assert.Zero(t, ring.B)

	center := out.RGBAAt(50, 50)
	assert.Zero(t, center.R, "circle interior is not filled")

	corner := out.RGBAAt(2, 2)
	assert.Zero(t, corner.R)
}

func TestRenderOverlay_ClipsOutOfBounds(t *testing.T) {
	d := detect.Detection{Footprint: detect.BoxOnly{Box: detect.Box{X1: -10, Y1: -10, X2: 100, Y2: 100}}}
	assert.NotPanics(t, func() {
		out := RenderOverlay(black(20), []detect.Detection{d}, 50)
		require.NotNil(t, out)
	})
}
