package detect

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/solar-cli/pkg/inference"
)

// FixtureSet is the YAML form of canned detections.
type FixtureSet struct {
	// Default applies to images with no size-specific entry.
	Default []FixtureDetection `yaml:"default"`
	// Sizes maps "WxH" to detections for images of that size.
	Sizes map[string][]FixtureDetection `yaml:"sizes"`
}

// FixtureDetection is one canned detection. A mask is either a filled
// rectangle at image size or an RLE mask.
type FixtureDetection struct {
	Box        [4]float64     `yaml:"box"`
	Confidence float64        `yaml:"confidence"`
	Class      int            `yaml:"class"`
	MaskRect   *[4]int        `yaml:"mask_rect,omitempty"`
	MaskRLE    *inference.RLE `yaml:"mask_rle,omitempty"`
}

// FixtureDetector returns canned detections without a model. Detections
// below the confidence threshold are dropped.
type FixtureDetector struct {
	set FixtureSet
}

// NewFixtureDetector creates a detector from an in-memory set.
func NewFixtureDetector(set FixtureSet) *FixtureDetector {
	return &FixtureDetector{set: set}
}

// LoadFixtureDetector reads a fixture file. The YAML has a top-level
// "fixture" key.
func LoadFixtureDetector(path string) (*FixtureDetector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "detect: read fixture %s", path)
	}
	var wrapper struct {
		Fixture FixtureSet `yaml:"fixture"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "detect: parse fixture")
	}
	return NewFixtureDetector(wrapper.Fixture), nil
}

// Predict implements Detector.
func (f *FixtureDetector) Predict(ctx context.Context, img image.Image, conf, _ float64) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "detect: fixture predict")
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	entries, ok := f.set.Sizes[fmt.Sprintf("%dx%d", w, h)]
	if !ok {
		entries = f.set.Default
	}

	dets := make([]Detection, 0, len(entries))
	for i, e := range entries {
		if e.Confidence < conf {
			continue
		}
		det, err := e.detection(w, h)
		if err != nil {
			return nil, eris.Wrapf(err, "detect: fixture detection %d", i)
		}
		dets = append(dets, det)
	}
	return dets, nil
}

func (e FixtureDetection) detection(w, h int) (Detection, error) {
	box := Box{X1: e.Box[0], Y1: e.Box[1], X2: e.Box[2], Y2: e.Box[3]}
	det := Detection{Footprint: BoxOnly{Box: box}, Confidence: e.Confidence, Class: e.Class}

	switch {
	case e.MaskRLE != nil:
		bits, mw, mh, err := e.MaskRLE.Decode()
		if err != nil {
			return Detection{}, err
		}
		det.Footprint = MaskAndBox{Mask: &Mask{Width: mw, Height: mh, Bits: bits}, Box: box}
	case e.MaskRect != nil:
		m := NewMask(w, h)
		r := image.Rect(e.MaskRect[0], e.MaskRect[1], e.MaskRect[2], e.MaskRect[3]).Intersect(image.Rect(0, 0, w, h))
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				m.Set(x, y, true)
			}
		}
		det.Footprint = MaskAndBox{Mask: m, Box: box}
	}
	return det, nil
}
