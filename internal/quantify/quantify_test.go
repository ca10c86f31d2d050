package quantify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/solar-cli/internal/detect"
)

func boxDet(x1, y1, x2, y2, conf float64) detect.Detection {
	return detect.Detection{
		Footprint:  detect.BoxOnly{Box: detect.Box{X1: x1, Y1: y1, X2: x2, Y2: y2}},
		Confidence: conf,
	}
}

func TestQuantify_NoDetections(t *testing.T) {
	res := New().Quantify(nil, 100, 100, 50)
	assert.Equal(t, -1, res.Index)
	assert.Nil(t, res.Selected)
	assert.Zero(t, res.AreaM2)
	assert.Zero(t, res.MaskPixels)
}

func TestQuantify_CenterBox(t *testing.T) {
	res := New().Quantify([]detect.Detection{boxDet(40, 40, 60, 60, 0.9)}, 100, 100, 50)
	require.NotNil(t, res.Selected)
	assert.Equal(t, 0, res.Index)
	assert.Equal(t, 400, res.MaskPixels)
	assert.Equal(t, 400, res.OverlapPixels)
	assert.InDelta(t, 400, res.AreaM2, 1e-9)
	assert.InDelta(t, 1, res.MetersPerPixel, 1e-12)
	assert.Equal(t, 50, res.RadiusPixels)
}

func TestQuantify_OutsideBufferIsZero(t *testing.T) {
	res := New().Quantify([]detect.Detection{boxDet(0, 0, 5, 5, 0.99)}, 100, 100, 50)
	assert.Equal(t, -1, res.Index)
	assert.Zero(t, res.AreaM2)
}

func TestQuantify_SelectsLargestOverlapAndCountsFullFootprint(t *testing.T) {
	dets := []detect.Detection{
		boxDet(45, 45, 55, 55, 0.95),
		boxDet(0, 40, 100, 60, 0.5),
	}
	res := New().Quantify(dets, 100, 100, 50)
	assert.Equal(t, 1, res.Index)
	assert.Same(t, &dets[1], res.Selected)
	// x is clipped to [0, 99), so 99 columns of 20 rows.
	assert.Equal(t, 1980, res.MaskPixels)
	assert.InDelta(t, 1980, res.AreaM2, 1e-9)
	assert.Less(t, res.OverlapPixels, res.MaskPixels)
}

func TestQuantify_TieKeepsFirst(t *testing.T) {
	dets := []detect.Detection{boxDet(40, 40, 60, 60, 0.3), boxDet(40, 40, 60, 60, 0.9)}
	res := New().Quantify(dets, 100, 100, 50)
	assert.Equal(t, 0, res.Index)
}

func TestQuantify_MaskResized(t *testing.T) {
	m := detect.NewMask(50, 50)
	for y := 20; y < 30; y++ {
		for x := 20; x < 30; x++ {
			m.Set(x, y, true)
		}
	}
	det := detect.Detection{Footprint: detect.MaskAndBox{Mask: m, Box: detect.Box{X1: 0, Y1: 0, X2: 100, Y2: 100}}}

	res := New().Quantify([]detect.Detection{det}, 100, 100, 50)
	assert.Equal(t, 0, res.Index)
	assert.Equal(t, 400, res.MaskPixels, "mask wins over its box")
	assert.Equal(t, detect.KindMask, res.Selected.Footprint.Kind())
}

func TestQuantify_MetersPerPixelScaling(t *testing.T) {
	res := New().Quantify([]detect.Detection{boxDet(270, 270, 370, 370, 0.8)}, 640, 640, 10)
	assert.InDelta(t, 0.03125, res.MetersPerPixel, 1e-12)
	assert.Equal(t, 10000, res.MaskPixels)
	assert.InDelta(t, 9.765625, res.AreaM2, 1e-9)
}

func TestQuantify_Deterministic(t *testing.T) {
	dets := []detect.Detection{boxDet(30, 30, 70, 52, 0.4), boxDet(48, 20, 80, 90, 0.6)}
	a := New().Quantify(dets, 100, 100, 50)
	b := New().Quantify(dets, 100, 100, 50)
	assert.Equal(t, a.Index, b.Index)
	assert.Equal(t, a.AreaM2, b.AreaM2)
}

func TestQuantify_DegenerateInput(t *testing.T) {
	dets := []detect.Detection{boxDet(0, 0, 10, 10, 1)}
	assert.Equal(t, -1, New().Quantify(dets, 0, 100, 50).Index)
	assert.Equal(t, -1, New().Quantify(dets, 100, 100, 0).Index)
}

func TestRasterize_Box(t *testing.T) {
	tests := []struct {
		name string
		det  detect.Detection
		want int
	}{
		{"truncated", boxDet(10.9, 10.9, 20.9, 20.9, 1), 100},
		{"negative start", boxDet(-10.7, -3, 10, 10, 1), 100},
		{"right edge capped", boxDet(90, 0, 150, 10, 1), 90},
		{"inverted", boxDet(20, 20, 10, 10, 1), 0},
		{"fully outside", boxDet(-30, -30, -10, -10, 1), 0},
		{"nil footprint", detect.Detection{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rasterize(tt.det, 100, 100).Count())
		})
	}
}

func TestBufferCircle(t *testing.T) {
	assert.Equal(t, 1, BufferCircle(11, 11, 0).Count())
	assert.Equal(t, 5, BufferCircle(11, 11, 1).Count())
	assert.Equal(t, 13, BufferCircle(11, 11, 2).Count())

	c := BufferCircle(10, 10, 2)
	assert.True(t, c.At(5, 5), "center is w/2, h/2")
	assert.True(t, c.At(7, 5))
	assert.False(t, c.At(3, 3))
}
