// Package imagery acquires satellite images for a coordinate from a chain of
// tile and static-map providers.
package imagery

import (
	"image"
	"math"
)

// PlaceholderThresholds tunes the "no imagery here" check.
type PlaceholderThresholds struct {
	// MaxChannelMeanStd is the spread of the R, G and B means below which an
	// image counts as gray.
	MaxChannelMeanStd float64 `yaml:"max_channel_mean_std" mapstructure:"max_channel_mean_std"`
	// MaxVariance is the pixel variance below which a gray image counts as flat.
	MaxVariance float64 `yaml:"max_variance" mapstructure:"max_variance"`
	// GrayLevel and GrayTolerance define the filler color providers use.
	GrayLevel     float64 `yaml:"gray_level" mapstructure:"gray_level"`
	GrayTolerance float64 `yaml:"gray_tolerance" mapstructure:"gray_tolerance"`
}

// DefaultPlaceholderThresholds matches the gray filler served by Esri and Bing.
func DefaultPlaceholderThresholds() PlaceholderThresholds {
	return PlaceholderThresholds{
		MaxChannelMeanStd: 10,
		MaxVariance:       500,
		GrayLevel:         200,
		GrayTolerance:     30,
	}
}

// IsPlaceholder applies DefaultPlaceholderThresholds.
func IsPlaceholder(img image.Image) bool {
	return DefaultPlaceholderThresholds().IsPlaceholder(img)
}

// IsPlaceholder reports whether img looks like a provider's flat gray
// filler rather than real imagery. A nil image is a placeholder.
func (t PlaceholderThresholds) IsPlaceholder(img image.Image) bool {
	if img == nil || img.Bounds().Empty() {
		return true
	}
	means, variance := channelStats(img)

	grandMean := (means[0] + means[1] + means[2]) / 3
	var spread float64
	for _, m := range means {
		spread += (m - grandMean) * (m - grandMean)
	}
	meanStd := math.Sqrt(spread / 3)

	if meanStd < t.MaxChannelMeanStd && variance < t.MaxVariance {
		return true
	}
	for _, m := range means {
		if math.Abs(m-t.GrayLevel) >= t.GrayTolerance {
			return false
		}
	}
	return true
}

// channelStats returns per-channel means and the population variance over
// every R, G and B sample.
func channelStats(img image.Image) ([3]float64, float64) {
	var sums [3]float64
	var sumSq float64
	b := img.Bounds()

	if rgba, ok := img.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, y):rgba.PixOffset(b.Max.X, y)]
			for i := 0; i < len(row); i += 4 {
				for c := range 3 {
					v := float64(row[i+c])
					sums[c] += v
					sumSq += v * v
				}
			}
		}
	} else {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				px := rgbAt(img, x, y)
				for c := range 3 {
					v := float64(px[c])
					sums[c] += v
					sumSq += v * v
				}
			}
		}
	}

	pixels := float64(b.Dx() * b.Dy())
	var means [3]float64
	for c := range 3 {
		means[c] = sums[c] / pixels
	}
	samples := pixels * 3
	mean := (sums[0] + sums[1] + sums[2]) / samples
	return means, sumSq/samples - mean*mean
}
