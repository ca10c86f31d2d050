package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/solar-cli/internal/db"
	"github.com/sells-group/solar-cli/internal/model"
)

// PostgresStore implements Store using pgxpool with a PostGIS point per record.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns, minConns := int32(10), int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS batches (
	id           TEXT PRIMARY KEY,
	input        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	total        INTEGER NOT NULL DEFAULT 0,
	succeeded    INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS records (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	batch_id           TEXT NOT NULL REFERENCES batches(id),
	sample_id          BIGINT NOT NULL,
	lat                DOUBLE PRECISION NOT NULL,
	lon                DOUBLE PRECISION NOT NULL,
	location           geometry(Point, 4326),
	has_solar          BOOLEAN NOT NULL DEFAULT false,
	confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
	pv_area_sqm_est    DOUBLE PRECISION NOT NULL DEFAULT 0,
	buffer_radius_sqft INTEGER NOT NULL DEFAULT 0,
	qc_status          TEXT NOT NULL DEFAULT '',
	qc_reasons         JSONB NOT NULL DEFAULT '[]',
	bbox_or_mask       TEXT,
	source             TEXT NOT NULL DEFAULT '',
	zoom               INTEGER NOT NULL DEFAULT 0,
	error              TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (batch_id, sample_id)
);

CREATE INDEX IF NOT EXISTS idx_records_sample_id ON records(sample_id);
CREATE INDEX IF NOT EXISTS idx_records_location ON records USING GIST (location);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateBatch(ctx context.Context, input string, total int) (*model.Batch, error) {
	b := &model.Batch{
		ID:        uuid.New().String(),
		Input:     input,
		Status:    model.BatchStatusRunning,
		Total:     total,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batches (id, input, status, total, started_at) VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.Input, string(b.Status), b.Total, b.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert batch")
	}
	return b, nil
}

func (s *PostgresStore) CompleteBatch(ctx context.Context, b *model.Batch) error {
	if b.CompletedAt == nil {
		now := time.Now().UTC()
		b.CompletedAt = &now
	}
	if b.Status == "" || b.Status == model.BatchStatusRunning {
		b.Status = model.BatchStatusComplete
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET status = $1, total = $2, succeeded = $3, failed = $4, completed_at = $5 WHERE id = $6`,
		string(b.Status), b.Total, b.Succeeded, b.Failed, *b.CompletedAt, b.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete batch %s", b.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: batch %s", b.ID)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	var b model.Batch
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, input, status, total, succeeded, failed, started_at, completed_at FROM batches WHERE id = $1`, id,
	).Scan(&b.ID, &b.Input, &status, &b.Total, &b.Succeeded, &b.Failed, &b.StartedAt, &b.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", id)
	}
	b.Status = model.BatchStatus(status)
	return &b, nil
}

// recordColumns is the column order used by SaveEntry and ImportRecords.
var recordColumns = []string{
	"id", "batch_id", "sample_id", "lat", "lon", "location", "has_solar", "confidence",
	"pv_area_sqm_est", "buffer_radius_sqft", "qc_status", "qc_reasons", "bbox_or_mask",
	"source", "zoom", "error", "created_at",
}

// EncodePoint returns the EWKB encoding of a WGS84 point.
func EncodePoint(lat, lon float64) ([]byte, error) {
	p := geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(4326)
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: encode point")
	}
	return data, nil
}

func pgEntryValues(batchID string, e model.Entry) ([]any, error) {
	row, err := toRow(e)
	if err != nil {
		return nil, err
	}
	loc, err := EncodePoint(row.Lat, row.Lon)
	if err != nil {
		return nil, err
	}
	return []any{
		uuid.New().String(), batchID, row.SampleID, row.Lat, row.Lon, loc, row.HasSolar, row.Confidence,
		row.AreaM2, row.BufferSqft, row.QCStatus, row.QCReasons, row.BBoxOrMask,
		row.Source, row.Zoom, row.Error, time.Now().UTC(),
	}, nil
}

func (s *PostgresStore) SaveEntry(ctx context.Context, batchID string, e model.Entry) error {
	vals, err := pgEntryValues(batchID, e)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (id, batch_id, sample_id, lat, lon, location, has_solar, confidence,
			pv_area_sqm_est, buffer_radius_sqft, qc_status, qc_reasons, bbox_or_mask, source, zoom, error, created_at)
		VALUES ($1, $2, $3, $4, $5, ST_GeomFromEWKB($6), $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (batch_id, sample_id) DO UPDATE SET
			lat = EXCLUDED.lat, lon = EXCLUDED.lon, location = EXCLUDED.location,
			has_solar = EXCLUDED.has_solar, confidence = EXCLUDED.confidence,
			pv_area_sqm_est = EXCLUDED.pv_area_sqm_est, buffer_radius_sqft = EXCLUDED.buffer_radius_sqft,
			qc_status = EXCLUDED.qc_status, qc_reasons = EXCLUDED.qc_reasons,
			bbox_or_mask = EXCLUDED.bbox_or_mask, source = EXCLUDED.source, zoom = EXCLUDED.zoom,
			error = EXCLUDED.error, created_at = EXCLUDED.created_at`,
		vals...,
	)
	return eris.Wrapf(err, "postgres: save entry %d", e.SampleID())
}

const pgRecordColumns = `sample_id, lat, lon, has_solar, confidence, pv_area_sqm_est, buffer_radius_sqft,
	qc_status, qc_reasons, bbox_or_mask, source, zoom`

func (s *PostgresStore) GetRecord(ctx context.Context, sampleID int64) (*model.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgRecordColumns+` FROM records
		 WHERE sample_id = $1 AND error IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		sampleID,
	)
	rec, err := scanPGRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: record %d", sampleID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %d", sampleID)
	}
	return rec, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, f RecordFilter) ([]model.Record, error) {
	query := `SELECT ` + pgRecordColumns + ` FROM records WHERE error IS NULL`
	args := []any{}
	argIdx := 1

	if f.BatchID != "" {
		query += fmt.Sprintf(` AND batch_id = $%d`, argIdx)
		args = append(args, f.BatchID)
		argIdx++
	}
	if f.HasSolar != nil {
		query += fmt.Sprintf(` AND has_solar = $%d`, argIdx)
		args = append(args, *f.HasSolar)
		argIdx++
	}
	if f.QCStatus != "" {
		query += fmt.Sprintf(` AND qc_status = $%d`, argIdx)
		args = append(args, f.QCStatus)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY sample_id, created_at DESC LIMIT $%d`, argIdx)
	args = append(args, f.limit())
	argIdx++
	if f.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

// ImportRecords upserts every entry through a COPY-loaded temp table.
func (s *PostgresStore) ImportRecords(ctx context.Context, input string, entries []model.Entry) (*model.Batch, error) {
	b, err := s.CreateBatch(ctx, input, len(entries))
	if err != nil {
		return nil, err
	}
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		vals, err := pgEntryValues(b.ID, e)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: import")
		}
		rows = append(rows, vals)
	}
	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "records",
		Columns:      recordColumns,
		ConflictKeys: []string{"batch_id", "sample_id"},
		UpdateCols:   recordColumns[3:],
	}, rows); err != nil {
		return nil, eris.Wrap(err, "postgres: import")
	}

	b.Succeeded, b.Failed = model.Tally(entries)
	if err := s.CompleteBatch(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func scanPGRecord(row pgx.Row) (*model.Record, error) {
	var r entryRow
	err := row.Scan(&r.SampleID, &r.Lat, &r.Lon, &r.HasSolar, &r.Confidence, &r.AreaM2, &r.BufferSqft,
		&r.QCStatus, &r.QCReasons, &r.BBoxOrMask, &r.Source, &r.Zoom)
	if err != nil {
		return nil, err
	}
	return r.record()
}
