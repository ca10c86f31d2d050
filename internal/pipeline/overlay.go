package pipeline

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"github.com/sells-group/solar-cli/internal/detect"
)

// Overlay styling.
var (
	BufferColor = color.NRGBA{R: 255, G: 255, B: 0, A: 180}
	MaskColor   = color.NRGBA{R: 0, G: 255, B: 0, A: 255}
	BoxColor    = color.NRGBA{R: 255, G: 0, B: 0, A: 255}
)

const (
	strokeWidth = 3
	maskAlpha   = 150
	circleSteps = 180
)

// RenderOverlay draws the buffer circle, every detection's mask fill and every
// detection's box outline over a copy of img. A radius of 0 skips the circle.
func RenderOverlay(img image.Image, dets []detect.Detection, radiusPx int) *image.RGBA {
	if img == nil {
		return nil
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(out, out.Bounds(), img, b.Min, xdraw.Src)
	if w == 0 || h == 0 {
		return out
	}

	if radiusPx > 0 {
		drawRing(out, float32(w/2), float32(h/2), float32(radiusPx), BufferColor)
	}

	for _, d := range dets {
		m, ok := d.Mask()
		if !ok {
			continue
		}
		m = m.Resize(w, h)
		alpha := image.NewAlpha(out.Bounds())
		for i, set := range m.Bits {
			if set {
				alpha.Pix[i] = maskAlpha
			}
		}
		xdraw.DrawMask(out, out.Bounds(), image.NewUniform(MaskColor), image.Point{}, alpha, image.Point{}, xdraw.Over)
	}

	for _, d := range dets {
		if d.Footprint == nil {
			continue
		}
		drawBoxOutline(out, d.Box(), BoxColor)
	}
	return out
}

// drawRing strokes a circle of radius r, the stroke lying inside the radius.
func drawRing(dst *image.RGBA, cx, cy, r float32, c color.Color) {
	inner := r - strokeWidth
	if inner < 0 {
		inner = 0
	}
	ras := newRasterizer(dst)
	circlePath(ras, dst, cx, cy, r, false)
	if inner > 0 {
		circlePath(ras, dst, cx, cy, inner, true)
	}
	ras.Draw(dst, dst.Bounds(), image.NewUniform(c), image.Point{})
}

func circlePath(ras *vector.Rasterizer, dst *image.RGBA, cx, cy, r float32, reverse bool) {
	for i := 0; i <= circleSteps; i++ {
		step := i
		if reverse {
			step = circleSteps - i
		}
		theta := 2 * math.Pi * float64(step) / circleSteps
		x, y := clampPoint(dst, cx+r*float32(math.Cos(theta)), cy+r*float32(math.Sin(theta)))
		if i == 0 {
			ras.MoveTo(x, y)
		} else {
			ras.LineTo(x, y)
		}
	}
	ras.ClosePath()
}

// drawBoxOutline strokes a box whose corners are inclusive pixel coordinates,
// the stroke lying inside the box.
func drawBoxOutline(dst *image.RGBA, box detect.Box, c color.Color) {
	x1, y1 := float32(box.X1), float32(box.Y1)
	x2, y2 := float32(box.X2)+1, float32(box.Y2)+1
	if x2 <= x1 || y2 <= y1 {
		return
	}
	ras := newRasterizer(dst)
	rectPath(ras, dst, x1, y1, x2, y2, false)
	if x2-x1 > 2*strokeWidth && y2-y1 > 2*strokeWidth {
		rectPath(ras, dst, x1+strokeWidth, y1+strokeWidth, x2-strokeWidth, y2-strokeWidth, true)
	}
	ras.Draw(dst, dst.Bounds(), image.NewUniform(c), image.Point{})
}

func rectPath(ras *vector.Rasterizer, dst *image.RGBA, x1, y1, x2, y2 float32, reverse bool) {
	pts := [4][2]float32{{x1, y1}, {x2, y1}, {x2, y2}, {x1, y2}}
	if reverse {
		pts[1], pts[3] = pts[3], pts[1]
	}
	for i, p := range pts {
		x, y := clampPoint(dst, p[0], p[1])
		if i == 0 {
			ras.MoveTo(x, y)
		} else {
			ras.LineTo(x, y)
		}
	}
	ras.ClosePath()
}

func newRasterizer(dst *image.RGBA) *vector.Rasterizer {
	b := dst.Bounds()
	ras := vector.NewRasterizer(b.Dx(), b.Dy())
	ras.DrawOp = xdraw.Over
	return ras
}

func clampPoint(dst *image.RGBA, x, y float32) (float32, float32) {
	b := dst.Bounds()
	return clampF(x, 0, float32(b.Dx())), clampF(y, 0, float32(b.Dy()))
}

func clampF(v, lo, hi float32) float32 {
	return max(lo, min(hi, v))
}
