package pipeline

import (
	"context"
	"image"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/solar-cli/internal/geospatial"
	"github.com/sells-group/solar-cli/internal/model"
	"github.com/sells-group/solar-cli/internal/store"
)

// LocationProcessor processes one location. *Processor implements it.
type LocationProcessor interface {
	Process(ctx context.Context, loc model.Location) (*Outcome, error)
}

// Sink receives per-location files and the batch aggregate.
// *store.OutputDir implements it.
type Sink interface {
	WriteRecord(rec *model.Record) error
	WriteOverlay(sampleID int64, img image.Image) error
	WriteAggregate(entries []model.Entry) error
}

// Runner processes a batch of locations with bounded concurrency.
type Runner struct {
	proc        LocationProcessor
	sink        Sink
	store       store.Store
	concurrency int
	input       string
	cacheStats  func() []geospatial.CacheStats
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStore records every entry and the batch row in st.
func WithStore(st store.Store) RunnerOption {
	return func(r *Runner) { r.store = st }
}

// WithConcurrency bounds the number of locations in flight.
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithInputName labels the batch row.
func WithInputName(name string) RunnerOption {
	return func(r *Runner) { r.input = name }
}

// WithCacheStats reports tile cache statistics in the batch summary.
func WithCacheStats(fn func() []geospatial.CacheStats) RunnerOption {
	return func(r *Runner) { r.cacheStats = fn }
}

// DefaultConcurrency is the number of locations processed at once.
const DefaultConcurrency = 4

// NewRunner creates a Runner. sink may be nil to skip file output.
func NewRunner(proc LocationProcessor, sink Sink, opts ...RunnerOption) *Runner {
	r := &Runner{proc: proc, sink: sink, concurrency: DefaultConcurrency, input: "batch"}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run processes locs and returns one entry per processed location in input
// order. Per-location failures become Failure entries. When ctx is cancelled
// no further locations are started, the entries gathered so far are still
// written, and the context error is returned.
func (r *Runner) Run(ctx context.Context, locs []model.Location) ([]model.Entry, error) {
	start := time.Now()
	log := zap.L().With(zap.String("input", r.input))
	log.Info("batch: starting", zap.Int("locations", len(locs)), zap.Int("concurrency", r.concurrency))

	var batch *model.Batch
	if r.store != nil {
		b, err := r.store.CreateBatch(ctx, r.input, len(locs))
		if err != nil {
			return nil, eris.Wrap(err, "batch: create batch")
		}
		batch = b
	}

	slots := make([]model.Entry, len(locs))
	var succeeded, failed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)
	for i, loc := range locs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			slots[i] = r.processOne(ctx, loc)
			if slots[i].OK() {
				succeeded.Add(1)
			} else {
				failed.Add(1)
			}
			if batch != nil {
				if err := r.store.SaveEntry(ctx, batch.ID, slots[i]); err != nil {
					log.Warn("batch: save entry failed", zap.Int64("sample_id", loc.SampleID), zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	entries := make([]model.Entry, 0, len(slots))
	for _, e := range slots {
		if e.Record != nil || e.Failure != nil {
			entries = append(entries, e)
		}
	}

	if r.sink != nil {
		if err := r.sink.WriteAggregate(entries); err != nil {
			return entries, eris.Wrap(err, "batch: write aggregate")
		}
	}

	runErr := ctx.Err()
	if batch != nil {
		batch.Succeeded, batch.Failed = int(succeeded.Load()), int(failed.Load())
		if runErr != nil {
			batch.Status = model.BatchStatusFailed
		}
		// The batch row is closed even when ctx was cancelled.
		if err := r.store.CompleteBatch(context.WithoutCancel(ctx), batch); err != nil {
			log.Warn("batch: complete batch failed", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
		zap.Int("skipped", len(locs)-len(entries)),
		zap.Duration("elapsed", time.Since(start)),
	}
	if r.cacheStats != nil {
		for _, s := range r.cacheStats() {
			fields = append(fields, zap.Any("cache_"+s.Backend, s))
		}
	}
	log.Info("batch: complete", fields...)

	if runErr != nil {
		return entries, eris.Wrap(runErr, "batch: cancelled")
	}
	return entries, nil
}

func (r *Runner) processOne(ctx context.Context, loc model.Location) model.Entry {
	log := zap.L().With(zap.Int64("sample_id", loc.SampleID))

	out, err := r.process(ctx, loc)
	if err == nil && r.sink != nil {
		err = r.sink.WriteRecord(&out.Record)
	}
	if err != nil {
		log.Error("batch: location failed", zap.Float64("lat", loc.Lat), zap.Float64("lon", loc.Lon), zap.Error(err))
		return model.Entry{Failure: &model.Failure{
			SampleID: loc.SampleID, Lat: loc.Lat, Lon: loc.Lon, Error: err.Error(),
		}}
	}

	if r.sink != nil && out.Overlay != nil {
		if oerr := r.sink.WriteOverlay(loc.SampleID, out.Overlay); oerr != nil {
			log.Warn("batch: overlay write failed", zap.Error(oerr))
		}
	}
	log.Info("batch: location complete",
		zap.Bool("has_solar", out.Record.HasSolar),
		zap.Float64("area_m2", out.Record.PVAreaSqmEst),
		zap.String("qc_status", out.Record.QCStatus),
		zap.String("source", out.Record.ImageMetadata.Source),
	)
	rec := out.Record
	return model.Entry{Record: &rec}
}

// process runs the processor for one location, turning a panic into that
// location's error.
func (r *Runner) process(ctx context.Context, loc model.Location) (out *Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, eris.Errorf("batch: location %d panicked: %v", loc.SampleID, p)
		}
	}()
	return r.proc.Process(ctx, loc)
}
