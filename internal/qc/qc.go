// Package qc decides whether an acquired image supports a verifiable answer.
package qc

import (
	"image"

	"github.com/sells-group/solar-cli/internal/detect"
)

// Status is the QC verdict.
type Status string

// Verdicts.
const (
	StatusVerifiable    Status = "VERIFIABLE"
	StatusNotVerifiable Status = "NOT_VERIFIABLE"
)

// Reasons, reported in this order.
const (
	ReasonLowResolution = "low_resolution"
	ReasonLowBrightness = "low_brightness"
	ReasonCloudOrShadow = "cloud_or_shadow"
	ReasonNoDetection   = "no_detection"
)

// Thresholds configures the checks.
type Thresholds struct {
	MinResolution int     `yaml:"min_resolution" mapstructure:"min_resolution"`
	MinBrightness float64 `yaml:"min_brightness" mapstructure:"min_brightness"`
	// Pixels brighter than CloudLevel count as cloud, darker than
	// ShadowLevel as shadow.
	CloudLevel  int `yaml:"cloud_level" mapstructure:"cloud_level"`
	ShadowLevel int `yaml:"shadow_level" mapstructure:"shadow_level"`
	// MaxCoverFraction is the cloud or shadow share above which an image fails.
	MaxCoverFraction float64 `yaml:"max_cover_fraction" mapstructure:"max_cover_fraction"`
}

// DefaultThresholds returns the standard QC thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinResolution:    300,
		MinBrightness:    20,
		CloudLevel:       220,
		ShadowLevel:      40,
		MaxCoverFraction: 0.4,
	}
}

// Verdict is the QC outcome. Reasons is empty, never nil, when Status is
// VERIFIABLE.
type Verdict struct {
	Status  Status   `json:"qc_status"`
	Reasons []string `json:"qc_reasons"`
}

// Checker evaluates images against Thresholds.
type Checker struct {
	t Thresholds
}

// NewChecker creates a Checker.
func NewChecker(t Thresholds) *Checker {
	return &Checker{t: t}
}

// Thresholds returns the checker's configuration.
func (c *Checker) Thresholds() Thresholds { return c.t }

// Evaluate runs every check and collects the failures.
func (c *Checker) Evaluate(img image.Image, dets []detect.Detection) Verdict {
	reasons := []string{}

	var w, h int
	if img != nil {
		w, h = img.Bounds().Dx(), img.Bounds().Dy()
	}
	if w < c.t.MinResolution || h < c.t.MinResolution {
		reasons = append(reasons, ReasonLowResolution)
	}

	s := luminanceStats(img, c.t.CloudLevel, c.t.ShadowLevel)
	if s.mean < c.t.MinBrightness {
		reasons = append(reasons, ReasonLowBrightness)
	}
	if s.cloud > c.t.MaxCoverFraction || s.shadow > c.t.MaxCoverFraction {
		reasons = append(reasons, ReasonCloudOrShadow)
	}
	if len(dets) == 0 {
		reasons = append(reasons, ReasonNoDetection)
	}

	if len(reasons) > 0 {
		return Verdict{Status: StatusNotVerifiable, Reasons: reasons}
	}
	return Verdict{Status: StatusVerifiable, Reasons: reasons}
}

// Luminance is the ITU-R 601-2 luma transform in 16-bit fixed point.
func Luminance(r, g, b uint8) uint8 {
	return uint8((19595*uint32(r) + 38470*uint32(g) + 7471*uint32(b) + 0x8000) >> 16)
}

type lumaStats struct {
	mean   float64
	cloud  float64
	shadow float64
}

func luminanceStats(img image.Image, cloudLevel, shadowLevel int) lumaStats {
	if img == nil || img.Bounds().Empty() {
		return lumaStats{}
	}
	b := img.Bounds()
	var sum float64
	var bright, dark int
	add := func(l uint8) {
		sum += float64(l)
		if int(l) > cloudLevel {
			bright++
		}
		if int(l) < shadowLevel {
			dark++
		}
	}

	if rgba, ok := img.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, y):rgba.PixOffset(b.Max.X, y)]
			for i := 0; i < len(row); i += 4 {
				add(Luminance(row[i], row[i+1], row[i+2]))
			}
		}
	} else {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				add(Luminance(uint8(r>>8), uint8(g>>8), uint8(bl>>8)))
			}
		}
	}

	n := float64(b.Dx() * b.Dy())
	return lumaStats{mean: sum / n, cloud: float64(bright) / n, shadow: float64(dark) / n}
}
