package detect

import (
	"context"
	"image"
)

// Default thresholds.
const (
	DefaultConfidence = 0.25
	DefaultIoU        = 0.45
)

// Detector finds solar panels in an image.
type Detector interface {
	Predict(ctx context.Context, img image.Image, conf, iou float64) ([]Detection, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, img image.Image, conf, iou float64) ([]Detection, error)

// Predict implements Detector.
func (f DetectorFunc) Predict(ctx context.Context, img image.Image, conf, iou float64) ([]Detection, error) {
	return f(ctx, img, conf, iou)
}
