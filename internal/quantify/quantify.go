// Package quantify converts detections into an estimated panel area inside a
// circular buffer around the image center.
package quantify

import (
	"github.com/sells-group/solar-cli/internal/detect"
)

// Result is the outcome of one quantification.
type Result struct {
	// AreaM2 is the selected footprint's full area, not just the part inside
	// the buffer. Zero when nothing overlaps the buffer.
	AreaM2 float64
	// MaskPixels is the selected footprint's pixel count.
	MaskPixels int
	// OverlapPixels is the selected footprint's overlap with the buffer.
	OverlapPixels int
	// Selected is nil when no detection overlaps the buffer. Index is -1 then.
	Selected *detect.Detection
	Index    int
	// Footprint is the selected detection rasterized at image size.
	Footprint *detect.Mask

	MetersPerPixel float64
	RadiusPixels   int
}

// Quantifier selects the detection with the largest buffer overlap.
type Quantifier struct{}

// New returns a Quantifier.
func New() *Quantifier { return &Quantifier{} }

// Quantify picks the detection whose footprint overlaps the centered buffer
// circle the most (first wins ties) and reports its area. The image spans
// 2·radiusM meters across w pixels.
func (q *Quantifier) Quantify(dets []detect.Detection, w, h int, radiusM float64) Result {
	res := Result{Index: -1}
	if w <= 0 || h <= 0 || radiusM <= 0 {
		return res
	}
	mpp := 2 * radiusM / float64(w)
	res.MetersPerPixel = mpp
	res.RadiusPixels = int(radiusM / mpp)

	circle := BufferCircle(w, h, res.RadiusPixels)
	for i := range dets {
		fp := Rasterize(dets[i], w, h)
		overlap := intersectCount(fp, circle)
		if overlap > res.OverlapPixels {
			res.OverlapPixels = overlap
			res.Index = i
			res.MaskPixels = fp.Count()
			res.Footprint = fp
		}
	}
	if res.Index < 0 {
		return res
	}
	res.Selected = &dets[res.Index]
	res.AreaM2 = float64(res.MaskPixels) * mpp * mpp
	return res
}

// BufferCircle is the filled circle of radius r pixels centered at
// (w/2, h/2), boundary included.
func BufferCircle(w, h, r int) *detect.Mask {
	m := detect.NewMask(w, h)
	cx, cy := w/2, h/2
	r2 := r * r
	for y := 0; y < h; y++ {
		dy := y - cy
		for x := 0; x < w; x++ {
			dx := x - cx
			if dx*dx+dy*dy <= r2 {
				m.Bits[y*w+x] = true
			}
		}
	}
	return m
}

// Rasterize returns d's footprint as a w×h mask. Masks are resized with
// nearest-neighbor sampling. Boxes are truncated to integers, clipped with
// the right and bottom edges capped at w-1 and h-1, and filled half-open.
func Rasterize(d detect.Detection, w, h int) *detect.Mask {
	switch fp := d.Footprint.(type) {
	case detect.MaskAndBox:
		if fp.Mask != nil {
			return fp.Mask.Resize(w, h)
		}
		return boxMask(fp.Box, w, h)
	case detect.BoxOnly:
		return boxMask(fp.Box, w, h)
	default:
		return detect.NewMask(w, h)
	}
}

func boxMask(b detect.Box, w, h int) *detect.Mask {
	m := detect.NewMask(w, h)
	x1, y1 := max(0, int(b.X1)), max(0, int(b.Y1))
	x2, y2 := min(w-1, int(b.X2)), min(h-1, int(b.Y2))
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			m.Bits[y*w+x] = true
		}
	}
	return m
}

func intersectCount(a, b *detect.Mask) int {
	var n int
	for i := range a.Bits {
		if a.Bits[i] && b.Bits[i] {
			n++
		}
	}
	return n
}
