// Package store persists batch results: the per-location JSON output
// directory and the optional SQLite or Postgres result store.
package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/solar-cli/internal/model"
)

// ErrNotFound is returned when a record or batch does not exist.
var ErrNotFound = eris.New("store: not found")

// RecordFilter specifies criteria for listing records.
type RecordFilter struct {
	BatchID  string `json:"batch_id,omitempty"`
	HasSolar *bool  `json:"has_solar,omitempty"`
	QCStatus string `json:"qc_status,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

func (f RecordFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// Store defines the result persistence interface.
type Store interface {
	// Batches
	CreateBatch(ctx context.Context, input string, total int) (*model.Batch, error)
	CompleteBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)

	// Entries. SaveEntry replaces an earlier entry for the same sample in the
	// same batch.
	SaveEntry(ctx context.Context, batchID string, e model.Entry) error
	// GetRecord returns the most recent successful record for a sample.
	GetRecord(ctx context.Context, sampleID int64) (*model.Record, error)
	ListRecords(ctx context.Context, f RecordFilter) ([]model.Record, error)
	// ImportRecords loads a predictions.json document as a new completed batch.
	ImportRecords(ctx context.Context, input string, entries []model.Entry) (*model.Batch, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// entryRow is the flat row shape shared by both SQL stores.
type entryRow struct {
	SampleID   int64
	Lat, Lon   float64
	HasSolar   bool
	Confidence float64
	AreaM2     float64
	BufferSqft int
	QCStatus   string
	QCReasons  []byte
	BBoxOrMask *string
	Source     string
	Zoom       int
	Error      *string
}

func toRow(e model.Entry) (entryRow, error) {
	switch {
	case e.Record != nil:
		r := e.Record
		reasons := r.QCReasons
		if reasons == nil {
			reasons = []string{}
		}
		data, err := json.Marshal(reasons)
		if err != nil {
			return entryRow{}, eris.Wrap(err, "store: marshal qc reasons")
		}
		return entryRow{
			SampleID: r.SampleID, Lat: r.Lat, Lon: r.Lon,
			HasSolar: r.HasSolar, Confidence: r.Confidence, AreaM2: r.PVAreaSqmEst,
			BufferSqft: r.BufferRadiusSqft, QCStatus: r.QCStatus, QCReasons: data,
			BBoxOrMask: r.BBoxOrMask, Source: r.ImageMetadata.Source, Zoom: r.ImageMetadata.Zoom,
		}, nil
	case e.Failure != nil:
		f := e.Failure
		msg := f.Error
		return entryRow{SampleID: f.SampleID, Lat: f.Lat, Lon: f.Lon, QCReasons: []byte("[]"), Error: &msg}, nil
	}
	return entryRow{}, eris.New("store: empty entry")
}

func (r entryRow) record() (*model.Record, error) {
	rec := &model.Record{
		SampleID: r.SampleID, Lat: r.Lat, Lon: r.Lon,
		HasSolar: r.HasSolar, Confidence: r.Confidence, PVAreaSqmEst: r.AreaM2,
		BufferRadiusSqft: r.BufferSqft, QCStatus: r.QCStatus, BBoxOrMask: r.BBoxOrMask,
		ImageMetadata: model.ImageMetadata{Source: r.Source, Zoom: r.Zoom},
	}
	if err := json.Unmarshal(r.QCReasons, &rec.QCReasons); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal qc reasons")
	}
	if rec.QCReasons == nil {
		rec.QCReasons = []string{}
	}
	return rec, nil
}
