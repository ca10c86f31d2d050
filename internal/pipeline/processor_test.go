package pipeline

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/solar-cli/internal/detect"
	"github.com/sells-group/solar-cli/internal/geospatial"
	"github.com/sells-group/solar-cli/internal/imagery"
	"github.com/sells-group/solar-cli/internal/model"
	"github.com/sells-group/solar-cli/internal/qc"
)

type stubAcquirer struct {
	mu    sync.Mutex
	radii []float64
	// failAt makes the call with this index fail (0-based). -1 never fails.
	failAt int
	err    error
}

func newStubAcquirer() *stubAcquirer { return &stubAcquirer{failAt: -1} }

func (s *stubAcquirer) Acquire(_ context.Context, _ geospatial.GeoPoint, radius float64, size int) (*imagery.Acquisition, error) {
	s.mu.Lock()
	call := len(s.radii)
	s.radii = append(s.radii, radius)
	s.mu.Unlock()
	if call == s.failAt {
		return nil, s.err
	}
	return &imagery.Acquisition{
		Image:    solidImage(size, color.RGBA{R: 110, G: 120, B: 100, A: 255}),
		Metadata: imagery.Metadata{Source: imagery.SourceEsri, Zoom: 20},
	}, nil
}

func (s *stubAcquirer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.radii)
}

func solidImage(size int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func centerBox(size int, half float64, conf float64) detect.Detection {
	c := float64(size) / 2
	return detect.Detection{
		Footprint:  detect.BoxOnly{Box: detect.Box{X1: c - half, Y1: c - half, X2: c + half, Y2: c + half}},
		Confidence: conf,
	}
}

// sequenceDetector returns results[i] on the i-th call, then nothing.
func sequenceDetector(results ...[]detect.Detection) detect.Detector {
	var mu sync.Mutex
	var n int
	return detect.DetectorFunc(func(_ context.Context, _ image.Image, _, _ float64) ([]detect.Detection, error) {
		mu.Lock()
		defer mu.Unlock()
		i := n
		n++
		if i < len(results) {
			return results[i], nil
		}
		return nil, nil
	})
}

func TestProcess_PrimaryDetection(t *testing.T) {
	acq := newStubAcquirer()
	det := sequenceDetector([]detect.Detection{centerBox(640, 20, 0.87)})
	p := NewProcessor(acq, det, nil, nil, DefaultOptions())

	out, err := p.Process(context.Background(), model.Location{SampleID: 7, Lat: 37.77, Lon: -122.42})
	require.NoError(t, err)

	rec := out.Record
	assert.Equal(t, int64(7), rec.SampleID)
	assert.True(t, rec.HasSolar)
	assert.InDelta(t, 0.87, rec.Confidence, 1e-9)
	assert.Greater(t, rec.PVAreaSqmEst, 0.0)
	assert.Equal(t, model.PrimaryBufferSqft, rec.BufferRadiusSqft)
	assert.Equal(t, string(qc.StatusVerifiable), rec.QCStatus)
	assert.Empty(t, rec.QCReasons)
	require.NotNil(t, rec.BBoxOrMask)
	assert.Equal(t, detect.KindBox, *rec.BBoxOrMask)
	assert.Equal(t, imagery.SourceEsri, rec.ImageMetadata.Source)
	assert.Equal(t, 20, rec.ImageMetadata.Zoom)

	assert.Equal(t, 1, acq.calls(), "secondary attempt must not run")
	assert.Equal(t, StagePrimary, out.Final.Stage)
	require.NotNil(t, out.Overlay)
	assert.Equal(t, image.Rect(0, 0, 640, 640), out.Overlay.Bounds())
}

func TestProcess_SecondaryFindsPanels(t *testing.T) {
	acq := newStubAcquirer()
	det := sequenceDetector(nil, []detect.Detection{centerBox(640, 30, 0.6)})
	p := NewProcessor(acq, det, nil, nil, DefaultOptions())

	out, err := p.Process(context.Background(), model.Location{SampleID: 1, Lat: 40, Lon: -74})
	require.NoError(t, err)

	require.Equal(t, 2, acq.calls())
	assert.Greater(t, acq.radii[1], acq.radii[0])
	assert.InDelta(t, geospatial.SqftToRadiusMeters(model.PrimaryBufferSqft), acq.radii[0], 1e-9)
	assert.InDelta(t, geospatial.SqftToRadiusMeters(model.SecondaryBufferSqft), acq.radii[1], 1e-9)

	assert.Equal(t, StageSecondary, out.Final.Stage)
	assert.Equal(t, model.SecondaryBufferSqft, out.Record.BufferRadiusSqft)
	assert.True(t, out.Record.HasSolar)
}

func TestProcess_NothingFoundKeepsPrimary(t *testing.T) {
	acq := newStubAcquirer()
	p := NewProcessor(acq, sequenceDetector(), nil, nil, DefaultOptions())

	out, err := p.Process(context.Background(), model.Location{SampleID: 2, Lat: 40, Lon: -74})
	require.NoError(t, err)

	assert.Equal(t, 2, acq.calls())
	assert.Equal(t, StagePrimary, out.Final.Stage)
	assert.Equal(t, model.PrimaryBufferSqft, out.Record.BufferRadiusSqft)
	assert.False(t, out.Record.HasSolar)
	assert.Zero(t, out.Record.Confidence)
	assert.Zero(t, out.Record.PVAreaSqmEst)
	assert.Nil(t, out.Record.BBoxOrMask)
	assert.Equal(t, string(qc.StatusNotVerifiable), out.Record.QCStatus)
	assert.Equal(t, []string{qc.ReasonNoDetection}, out.Record.QCReasons)
}

func TestProcess_SecondaryDisabled(t *testing.T) {
	acq := newStubAcquirer()
	opts := DefaultOptions()
	opts.SecondarySqft = 0
	p := NewProcessor(acq, sequenceDetector(), nil, nil, opts)

	_, err := p.Process(context.Background(), model.Location{SampleID: 3, Lat: 1, Lon: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, acq.calls())
}

func TestProcess_PrimaryAcquireFails(t *testing.T) {
	acq := newStubAcquirer()
	acq.failAt = 0
	acq.err = imagery.ErrAcquisitionFailed
	p := NewProcessor(acq, sequenceDetector(), nil, nil, DefaultOptions())

	_, err := p.Process(context.Background(), model.Location{SampleID: 4, Lat: 1, Lon: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, imagery.ErrAcquisitionFailed)
	assert.Contains(t, err.Error(), "pipeline: location 4")

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StagePrimary, se.Stage)
	assert.Equal(t, stepAcquire, se.Step)
}

func TestProcess_SecondaryAcquireFailsKeepsPrimary(t *testing.T) {
	acq := newStubAcquirer()
	acq.failAt = 1
	acq.err = eris.New("all providers down")
	p := NewProcessor(acq, sequenceDetector(), nil, nil, DefaultOptions())

	out, err := p.Process(context.Background(), model.Location{SampleID: 5, Lat: 1, Lon: 1})
	require.NoError(t, err)
	assert.Equal(t, StagePrimary, out.Final.Stage)
	assert.Equal(t, model.PrimaryBufferSqft, out.Record.BufferRadiusSqft)
}

func TestProcess_DetectorErrorFailsLocation(t *testing.T) {
	acq := newStubAcquirer()
	det := detect.DetectorFunc(func(context.Context, image.Image, float64, float64) ([]detect.Detection, error) {
		return nil, eris.New("model unavailable")
	})
	p := NewProcessor(acq, det, nil, nil, DefaultOptions())

	_, err := p.Process(context.Background(), model.Location{SampleID: 6, Lat: 1, Lon: 1})
	require.Error(t, err)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, stepDetect, se.Step)
}

func TestProcess_InvalidPoint(t *testing.T) {
	acq := newStubAcquirer()
	p := NewProcessor(acq, sequenceDetector(), nil, nil, DefaultOptions())

	_, err := p.Process(context.Background(), model.Location{SampleID: 8, Lat: 95, Lon: 0})
	require.Error(t, err)
	assert.Zero(t, acq.calls())
}

func TestProcess_OverlayDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.Overlay = false
	p := NewProcessor(newStubAcquirer(), sequenceDetector([]detect.Detection{centerBox(640, 10, 0.5)}), nil, nil, opts)

	out, err := p.Process(context.Background(), model.Location{SampleID: 9, Lat: 1, Lon: 1})
	require.NoError(t, err)
	assert.Nil(t, out.Overlay)
}

func TestProcess_MinSolarArea(t *testing.T) {
	opts := DefaultOptions()
	opts.MinSolarArea = 1e9
	p := NewProcessor(newStubAcquirer(), sequenceDetector([]detect.Detection{centerBox(640, 10, 0.5)}), nil, nil, opts)

	out, err := p.Process(context.Background(), model.Location{SampleID: 10, Lat: 1, Lon: 1})
	require.NoError(t, err)
	assert.False(t, out.Record.HasSolar)
	assert.Greater(t, out.Record.PVAreaSqmEst, 0.0)
}

func TestNewProcessor_Defaults(t *testing.T) {
	p := NewProcessor(newStubAcquirer(), sequenceDetector(), nil, nil, Options{})
	o := p.Options()
	assert.Equal(t, 640, o.ImageSize)
	assert.Equal(t, model.PrimaryBufferSqft, o.PrimarySqft)
	assert.Zero(t, o.SecondarySqft)
	assert.Equal(t, detect.DefaultConfidence, o.Confidence)
	assert.Equal(t, detect.DefaultIoU, o.IoU)
}

func TestRound3(t *testing.T) {
	assert.Equal(t, 1.235, round3(1.2346))
	assert.Equal(t, 0.0, round3(0.0004))
	assert.Equal(t, 12.5, round3(12.5))
}
