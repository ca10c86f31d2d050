// Package detect defines panel detections and the detectors that produce them.
package detect

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// Footprint kinds as reported in records.
const (
	KindMask = "mask"
	KindBox  = "bbox"
)

// Box is an axis-aligned rectangle in image pixels.
type Box struct {
	X1 float64 `json:"x1" yaml:"x1"`
	Y1 float64 `json:"y1" yaml:"y1"`
	X2 float64 `json:"x2" yaml:"x2"`
	Y2 float64 `json:"y2" yaml:"y2"`
}

// Width is X2 - X1.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height is Y2 - Y1.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Mask is a binary segmentation mask stored row-major.
type Mask struct {
	Width  int
	Height int
	Bits   []bool
}

// NewMask returns an empty w×h mask.
func NewMask(w, h int) *Mask {
	return &Mask{Width: w, Height: h, Bits: make([]bool, w*h)}
}

// At reports whether (x, y) is set. Out-of-range points are unset.
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Bits[y*m.Width+x]
}

// Set sets (x, y). Out-of-range points are ignored.
func (m *Mask) Set(x, y int, v bool) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	m.Bits[y*m.Width+x] = v
}

// Count returns the number of set pixels.
func (m *Mask) Count() int {
	var n int
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// Gray renders the mask as 0/255 luminance.
func (m *Mask) Gray() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for i, b := range m.Bits {
		if b {
			g.Pix[i] = 0xff
		}
	}
	return g
}

// Resize scales the mask to w×h with nearest-neighbor sampling. The mask is
// returned unchanged when it already has that size.
func (m *Mask) Resize(w, h int) *Mask {
	if m.Width == w && m.Height == h {
		return m
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if m.Width > 0 && m.Height > 0 {
		src := m.Gray()
		xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	}
	out := NewMask(w, h)
	for i, v := range dst.Pix {
		out.Bits[i] = v > 127
	}
	return out
}

// Footprint is the pixel extent of a detection: a box, or a mask with its box.
type Footprint interface {
	Kind() string
	Bounds() Box
	isFootprint()
}

// BoxOnly is a detection without a segmentation mask.
type BoxOnly struct {
	Box Box
}

// Kind implements Footprint.
func (BoxOnly) Kind() string { return KindBox }

// Bounds implements Footprint.
func (f BoxOnly) Bounds() Box { return f.Box }

func (BoxOnly) isFootprint() {}

// MaskAndBox is a segmented detection.
type MaskAndBox struct {
	Mask *Mask
	Box  Box
}

// Kind implements Footprint.
func (MaskAndBox) Kind() string { return KindMask }

// Bounds implements Footprint.
func (f MaskAndBox) Bounds() Box { return f.Box }

func (MaskAndBox) isFootprint() {}

// Detection is one detected panel instance.
type Detection struct {
	Footprint  Footprint
	Confidence float64
	Class      int
}

// Box returns the detection's bounding box.
func (d Detection) Box() Box {
	if d.Footprint == nil {
		return Box{}
	}
	return d.Footprint.Bounds()
}

// Mask returns the detection's mask, if it has one.
func (d Detection) Mask() (*Mask, bool) {
	if f, ok := d.Footprint.(MaskAndBox); ok && f.Mask != nil {
		return f.Mask, true
	}
	return nil, false
}

// MaxConfidence is the highest confidence in dets, or 0.
func MaxConfidence(dets []Detection) float64 {
	var best float64
	for _, d := range dets {
		if d.Confidence > best {
			best = d.Confidence
		}
	}
	return best
}
