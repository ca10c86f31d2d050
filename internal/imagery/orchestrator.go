package imagery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solar-cli/internal/geospatial"
	"github.com/sells-group/solar-cli/internal/resilience"
)

// ErrAcquisitionFailed is returned when every provider tier failed.
var ErrAcquisitionFailed = eris.New("imagery: all providers failed")

// AcquisitionError lists the tiers tried and the last cause. It matches
// ErrAcquisitionFailed and the cause under errors.Is.
type AcquisitionError struct {
	Tried []string
	Last  error
}

func (e *AcquisitionError) Error() string {
	msg := fmt.Sprintf("%s (tried %s)", ErrAcquisitionFailed.Error(), strings.Join(e.Tried, ", "))
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the cause.
func (e *AcquisitionError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrAcquisitionFailed}
	}
	return []error{ErrAcquisitionFailed, e.Last}
}

// Orchestrator walks provider tiers in order until one returns an image.
type Orchestrator struct {
	tiers    []Provider
	breakers *resilience.Breakers
}

// NewOrchestrator creates an orchestrator. A nil breakers disables circuit breaking.
func NewOrchestrator(tiers []Provider, breakers *resilience.Breakers) *Orchestrator {
	return &Orchestrator{tiers: tiers, breakers: breakers}
}

// Tiers returns the provider chain.
func (o *Orchestrator) Tiers() []Provider { return o.tiers }

// BreakerStates snapshots per-provider breaker states. Nil when disabled.
func (o *Orchestrator) BreakerStates() map[string]resilience.BreakerState {
	return o.breakers.States()
}

// Acquire returns an image of size×size pixels covering a circle of
// radiusMeters around p.
func (o *Orchestrator) Acquire(ctx context.Context, p geospatial.GeoPoint, radiusMeters float64, size int) (*Acquisition, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters <= 0 {
		return nil, eris.Errorf("imagery: radius must be positive, got %v", radiusMeters)
	}
	if size <= 0 || size > canvasSize {
		return nil, eris.Errorf("imagery: image size %d outside (0,%d]", size, canvasSize)
	}

	p.Lat = geospatial.ClampLatitude(p.Lat)
	req := Request{
		Point:        p,
		RadiusMeters: radiusMeters,
		Size:         size,
		InitialZoom:  geospatial.ZoomForGroundWidth(p.Lat, 2*radiusMeters, size),
	}

	failure := &AcquisitionError{}
	for _, tier := range o.tiers {
		if !tier.Available() {
			continue
		}
		failure.Tried = append(failure.Tried, tier.Name())

		acq, err := o.try(ctx, tier, req)
		if err == nil {
			zap.L().Debug("imagery: acquired",
				zap.String("provider", acq.Metadata.Source),
				zap.Int("zoom", acq.Metadata.Zoom),
				zap.Float64("lat", p.Lat),
				zap.Float64("lon", p.Lon),
			)
			return acq, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, eris.Wrap(ctxErr, "imagery: acquisition cancelled")
		}
		zap.L().Warn("imagery: provider failed, falling back",
			zap.String("provider", tier.Name()),
			zap.Int("initial_zoom", req.InitialZoom),
			zap.Error(err),
		)
		failure.Last = err
	}
	return nil, failure
}

// try runs one tier through its breaker. Placeholder results do not count
// as breaker failures.
func (o *Orchestrator) try(ctx context.Context, tier Provider, req Request) (*Acquisition, error) {
	var (
		acq         *Acquisition
		placeholder error
	)
	err := o.breakers.Execute(ctx, tier.Name(), func(ctx context.Context) error {
		a, err := tier.Acquire(ctx, req)
		if isPlaceholderErr(err) {
			placeholder = err
			return nil
		}
		if err != nil {
			return err
		}
		acq = a
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, eris.Wrapf(err, "imagery: %s skipped", tier.Name())
		}
		return nil, err
	}
	if placeholder != nil {
		return nil, placeholder
	}
	return acq, nil
}
