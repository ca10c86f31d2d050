// Package pipeline turns locations into records: a per-location processor that
// runs the primary and secondary detection attempts, an overlay renderer, and
// a bounded-concurrency batch runner.
package pipeline

import (
	"context"
	"errors"
	"image"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solar-cli/internal/detect"
	"github.com/sells-group/solar-cli/internal/geospatial"
	"github.com/sells-group/solar-cli/internal/imagery"
	"github.com/sells-group/solar-cli/internal/model"
	"github.com/sells-group/solar-cli/internal/qc"
	"github.com/sells-group/solar-cli/internal/quantify"
)

// Acquirer fetches a square image covering a circle around a point.
// *imagery.Orchestrator implements it.
type Acquirer interface {
	Acquire(ctx context.Context, p geospatial.GeoPoint, radiusMeters float64, size int) (*imagery.Acquisition, error)
}

// Stage is a step of the per-location attempt machine.
type Stage string

const (
	StagePrimary   Stage = "primary"
	StageSecondary Stage = "secondary"
	StageFinalized Stage = "finalized"
)

// Options tunes a Processor.
type Options struct {
	ImageSize     int
	PrimarySqft   int
	SecondarySqft int
	Confidence    float64
	IoU           float64
	// MinSolarArea is the area in m² above which has_solar is true.
	MinSolarArea float64
	// Overlay enables rendering of the overlay image.
	Overlay bool
}

// DefaultOptions returns the standard processing options.
func DefaultOptions() Options {
	return Options{
		ImageSize:     640,
		PrimarySqft:   model.PrimaryBufferSqft,
		SecondarySqft: model.SecondaryBufferSqft,
		Confidence:    detect.DefaultConfidence,
		IoU:           detect.DefaultIoU,
		MinSolarArea:  0.1,
		Overlay:       true,
	}
}

// Attempt is one acquire → detect → quantify → QC pass at a buffer size.
type Attempt struct {
	Stage        Stage
	BufferSqft   int
	RadiusMeters float64
	Acquisition  *imagery.Acquisition
	Detections   []detect.Detection
	Quant        quantify.Result
	Verdict      qc.Verdict
}

// Outcome is a processed location.
type Outcome struct {
	Record model.Record
	// Final is the attempt the record was built from.
	Final *Attempt
	// Overlay is nil when rendering is disabled.
	Overlay *image.RGBA
}

// StageError reports which step of an attempt failed.
type StageError struct {
	Stage Stage
	Step  string
	Err   error
}

func (e *StageError) Error() string {
	return string(e.Stage) + " " + e.Step + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// Processor runs one location end to end.
type Processor struct {
	acquirer   Acquirer
	detector   detect.Detector
	quantifier *quantify.Quantifier
	checker    *qc.Checker
	opts       Options
}

// NewProcessor creates a Processor. A zero ImageSize, PrimarySqft, Confidence
// or IoU takes its default, as do nil q and c.
func NewProcessor(acq Acquirer, det detect.Detector, q *quantify.Quantifier, c *qc.Checker, opts Options) *Processor {
	def := DefaultOptions()
	if opts.ImageSize <= 0 {
		opts.ImageSize = def.ImageSize
	}
	if opts.PrimarySqft <= 0 {
		opts.PrimarySqft = def.PrimarySqft
	}
	if opts.Confidence <= 0 {
		opts.Confidence = def.Confidence
	}
	if opts.IoU <= 0 {
		opts.IoU = def.IoU
	}
	if q == nil {
		q = quantify.New()
	}
	if c == nil {
		c = qc.NewChecker(qc.DefaultThresholds())
	}
	return &Processor{acquirer: acq, detector: det, quantifier: q, checker: c, opts: opts}
}

// Options returns the processor's effective options.
func (p *Processor) Options() Options { return p.opts }

// Process runs the primary attempt and, when it finds nothing, the secondary
// attempt at the larger buffer. Acquisition failure of the primary attempt and
// any detector failure fail the location.
func (p *Processor) Process(ctx context.Context, loc model.Location) (*Outcome, error) {
	pt := geospatial.GeoPoint{Lat: loc.Lat, Lon: loc.Lon}
	if err := pt.Validate(); err != nil {
		return nil, eris.Wrapf(err, "pipeline: location %d", loc.SampleID)
	}
	log := zap.L().With(zap.Int64("sample_id", loc.SampleID))

	var final *Attempt
	var secondaryRan bool
	stage := StagePrimary
	for stage != StageFinalized {
		switch stage {
		case StagePrimary:
			a, err := p.attempt(ctx, pt, StagePrimary, p.opts.PrimarySqft)
			if err != nil {
				return nil, eris.Wrapf(err, "pipeline: location %d", loc.SampleID)
			}
			final = a
			stage = StageFinalized
			if len(a.Detections) == 0 && p.opts.SecondarySqft > 0 {
				stage = StageSecondary
			}

		case StageSecondary:
			stage = StageFinalized
			secondaryRan = true
			a, err := p.attempt(ctx, pt, StageSecondary, p.opts.SecondarySqft)
			if err != nil {
				var se *StageError
				if errors.As(err, &se) && se.Step == stepAcquire && ctx.Err() == nil {
					log.Warn("pipeline: secondary acquisition failed, keeping primary", zap.Error(err))
					continue
				}
				return nil, eris.Wrapf(err, "pipeline: location %d", loc.SampleID)
			}
			if len(a.Detections) > 0 {
				final = a
			}
		}
	}

	out := &Outcome{Record: p.buildRecord(loc, final), Final: final}
	if p.opts.Overlay {
		out.Overlay = RenderOverlay(final.Acquisition.Image, final.Detections, final.Quant.RadiusPixels)
	}
	log.Debug("pipeline: location processed",
		zap.String("stage", string(final.Stage)),
		zap.Bool("secondary_ran", secondaryRan),
		zap.Float64("area_m2", out.Record.PVAreaSqmEst),
		zap.String("qc_status", out.Record.QCStatus),
	)
	return out, nil
}

const (
	stepAcquire = "acquire"
	stepDetect  = "detect"
)

func (p *Processor) attempt(ctx context.Context, pt geospatial.GeoPoint, stage Stage, sqft int) (*Attempt, error) {
	radius := geospatial.SqftToRadiusMeters(float64(sqft))
	acq, err := p.acquirer.Acquire(ctx, pt, radius, p.opts.ImageSize)
	if err != nil {
		return nil, &StageError{Stage: stage, Step: stepAcquire, Err: err}
	}
	dets, err := p.detector.Predict(ctx, acq.Image, p.opts.Confidence, p.opts.IoU)
	if err != nil {
		return nil, &StageError{Stage: stage, Step: stepDetect, Err: err}
	}

	b := acq.Image.Bounds()
	return &Attempt{
		Stage:        stage,
		BufferSqft:   sqft,
		RadiusMeters: radius,
		Acquisition:  acq,
		Detections:   dets,
		Quant:        p.quantifier.Quantify(dets, b.Dx(), b.Dy(), radius),
		Verdict:      p.checker.Evaluate(acq.Image, dets),
	}, nil
}

func (p *Processor) buildRecord(loc model.Location, a *Attempt) model.Record {
	var kind *string
	if a.Quant.Selected != nil && a.Quant.Selected.Footprint != nil {
		k := a.Quant.Selected.Footprint.Kind()
		kind = &k
	}
	md := a.Acquisition.Metadata
	return model.Record{
		SampleID:         loc.SampleID,
		Lat:              loc.Lat,
		Lon:              loc.Lon,
		HasSolar:         a.Quant.AreaM2 > p.opts.MinSolarArea,
		Confidence:       detect.MaxConfidence(a.Detections),
		PVAreaSqmEst:     round3(a.Quant.AreaM2),
		BufferRadiusSqft: a.BufferSqft,
		QCStatus:         string(a.Verdict.Status),
		QCReasons:        a.Verdict.Reasons,
		BBoxOrMask:       kind,
		ImageMetadata: model.ImageMetadata{
			Source:      md.Source,
			Zoom:        md.Zoom,
			CaptureDate: md.CaptureDate,
		},
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
