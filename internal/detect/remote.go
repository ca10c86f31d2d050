package detect

import (
	"bytes"
	"context"
	"image"
	"image/png"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solar-cli/pkg/inference"
)

// RemoteDetector runs predictions on a model server.
type RemoteDetector struct {
	client    inference.Client
	imageSize int
}

// NewRemoteDetector wraps an inference client. imageSize is forwarded as the
// model input size; 0 leaves it to the server.
func NewRemoteDetector(client inference.Client, imageSize int) *RemoteDetector {
	return &RemoteDetector{client: client, imageSize: imageSize}
}

// Predict implements Detector.
func (d *RemoteDetector) Predict(ctx context.Context, img image.Image, conf, iou float64) ([]Detection, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, eris.Wrap(err, "detect: encode image")
	}

	resp, err := d.client.Predict(ctx, inference.PredictRequest{
		Image:      buf.Bytes(),
		Filename:   "image.png",
		Confidence: conf,
		IoU:        iou,
		ImageSize:  d.imageSize,
	})
	if err != nil {
		return nil, eris.Wrap(err, "detect: remote predict")
	}

	dets := make([]Detection, 0, len(resp.Detections))
	for i, rd := range resp.Detections {
		dets = append(dets, fromRemote(i, rd))
	}
	return dets, nil
}

// Health checks the model server.
func (d *RemoteDetector) Health(ctx context.Context) error {
	return d.client.Health(ctx)
}

// fromRemote converts a server detection. An undecodable mask degrades the
// detection to its box.
func fromRemote(i int, rd inference.Detection) Detection {
	box := Box{X1: rd.Box[0], Y1: rd.Box[1], X2: rd.Box[2], Y2: rd.Box[3]}
	det := Detection{Footprint: BoxOnly{Box: box}, Confidence: rd.Confidence, Class: rd.Class}
	if rd.Mask == nil {
		return det
	}
	bits, w, h, err := rd.Mask.Decode()
	if err != nil {
		zap.L().Warn("detect: dropping malformed mask", zap.Int("detection", i), zap.Error(err))
		return det
	}
	m, err := maskFromBits(bits, w, h)
	if err != nil {
		zap.L().Warn("detect: dropping malformed mask", zap.Int("detection", i), zap.Error(err))
		return det
	}
	det.Footprint = MaskAndBox{Mask: m, Box: box}
	return det
}

// maskFromBits wraps decoded bits, requiring exactly w·h of them.
func maskFromBits(bits []bool, w, h int) (*Mask, error) {
	if w <= 0 || h <= 0 || w > len(bits)/h || len(bits) != w*h {
		return nil, eris.Errorf("detect: mask %dx%d has %d pixels", w, h, len(bits))
	}
	return &Mask{Width: w, Height: h, Bits: bits}, nil
}
