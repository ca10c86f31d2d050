package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/solar-cli/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "solar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func strPtr(s string) *string { return &s }

func sampleRecord(id int64, hasSolar bool) *model.Record {
	return &model.Record{
		SampleID: id, Lat: 37.5, Lon: -122.25,
		HasSolar: hasSolar, Confidence: 0.8, PVAreaSqmEst: 24.125,
		BufferRadiusSqft: model.PrimaryBufferSqft,
		QCStatus:         "VERIFIABLE", QCReasons: []string{},
		BBoxOrMask:    strPtr("mask"),
		ImageMetadata: model.ImageMetadata{Source: "esri", Zoom: 20},
	}
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestSQLite_BatchLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	b, err := s.CreateBatch(ctx, "sites.csv", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, model.BatchStatusRunning, b.Status)

	b.Succeeded, b.Failed = 2, 1
	require.NoError(t, s.CompleteBatch(ctx, b))

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "sites.csv", got.Input)
	assert.Equal(t, model.BatchStatusComplete, got.Status)
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, 2, got.Succeeded)
	assert.Equal(t, 1, got.Failed)
	require.NotNil(t, got.CompletedAt)
}

func TestSQLite_BatchNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	_, err := s.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.CompleteBatch(ctx, &model.Batch{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_SaveAndGetRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	b, err := s.CreateBatch(ctx, "in", 2)
	require.NoError(t, err)

	require.NoError(t, s.SaveEntry(ctx, b.ID, model.Entry{Record: sampleRecord(1, true)}))
	require.NoError(t, s.SaveEntry(ctx, b.ID, model.Entry{Failure: &model.Failure{SampleID: 2, Lat: 1, Lon: 2, Error: "no imagery"}}))

	rec, err := s.GetRecord(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, sampleRecord(1, true), rec)

	_, err = s.GetRecord(ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound, "failures are not records")
}

func TestSQLite_SaveEntryReplacesWithinBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	b, err := s.CreateBatch(ctx, "in", 1)
	require.NoError(t, err)

	require.NoError(t, s.SaveEntry(ctx, b.ID, model.Entry{Record: sampleRecord(1, false)}))
	require.NoError(t, s.SaveEntry(ctx, b.ID, model.Entry{Record: sampleRecord(1, true)}))

	recs, err := s.ListRecords(ctx, RecordFilter{BatchID: b.ID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].HasSolar)
}

func TestSQLite_GetRecordLatestBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	b1, err := s.CreateBatch(ctx, "first", 1)
	require.NoError(t, err)
	require.NoError(t, s.SaveEntry(ctx, b1.ID, model.Entry{Record: sampleRecord(9, false)}))

	b2, err := s.CreateBatch(ctx, "second", 1)
	require.NoError(t, err)
	require.NoError(t, s.SaveEntry(ctx, b2.ID, model.Entry{Record: sampleRecord(9, true)}))

	rec, err := s.GetRecord(ctx, 9)
	require.NoError(t, err)
	assert.True(t, rec.HasSolar)
}

func TestSQLite_ListRecordsFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	b, err := s.CreateBatch(ctx, "in", 4)
	require.NoError(t, err)

	notVerifiable := sampleRecord(3, false)
	notVerifiable.QCStatus = "NOT_VERIFIABLE"
	notVerifiable.QCReasons = []string{"no_detection"}
	notVerifiable.BBoxOrMask = nil
	for _, r := range []*model.Record{sampleRecord(1, true), sampleRecord(2, true), notVerifiable} {
		require.NoError(t, s.SaveEntry(ctx, b.ID, model.Entry{Record: r}))
	}
	require.NoError(t, s.SaveEntry(ctx, b.ID, model.Entry{Failure: &model.Failure{SampleID: 4, Error: "x"}}))

	all, err := s.ListRecords(ctx, RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, int64(1), all[0].SampleID)

	yes := true
	solar, err := s.ListRecords(ctx, RecordFilter{HasSolar: &yes})
	require.NoError(t, err)
	assert.Len(t, solar, 2)

	nv, err := s.ListRecords(ctx, RecordFilter{QCStatus: "NOT_VERIFIABLE"})
	require.NoError(t, err)
	require.Len(t, nv, 1)
	assert.Equal(t, []string{"no_detection"}, nv[0].QCReasons)
	assert.Nil(t, nv[0].BBoxOrMask)

	page, err := s.ListRecords(ctx, RecordFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(2), page[0].SampleID)

	none, err := s.ListRecords(ctx, RecordFilter{BatchID: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_ImportRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	entries := []model.Entry{
		{Record: sampleRecord(1, true)},
		{Record: sampleRecord(2, false)},
		{Failure: &model.Failure{SampleID: 3, Error: "timeout"}},
	}
	b, err := s.ImportRecords(ctx, "predictions.json", entries)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Succeeded)
	assert.Equal(t, 1, b.Failed)
	assert.Equal(t, model.BatchStatusComplete, b.Status)

	recs, err := s.ListRecords(ctx, RecordFilter{BatchID: b.ID})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestSQLite_ImportRejectsEmptyEntry(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.ImportRecords(context.Background(), "bad", []model.Entry{{}})
	require.Error(t, err)
}
