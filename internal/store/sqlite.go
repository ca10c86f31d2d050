package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/solar-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id           TEXT PRIMARY KEY,
	input        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	total        INTEGER NOT NULL DEFAULT 0,
	succeeded    INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS records (
	id                 TEXT PRIMARY KEY,
	batch_id           TEXT NOT NULL REFERENCES batches(id),
	sample_id          INTEGER NOT NULL,
	lat                REAL NOT NULL,
	lon                REAL NOT NULL,
	has_solar          INTEGER NOT NULL DEFAULT 0,
	confidence         REAL NOT NULL DEFAULT 0,
	pv_area_sqm_est    REAL NOT NULL DEFAULT 0,
	buffer_radius_sqft INTEGER NOT NULL DEFAULT 0,
	qc_status          TEXT NOT NULL DEFAULT '',
	qc_reasons         TEXT NOT NULL DEFAULT '[]',
	bbox_or_mask       TEXT,
	source             TEXT NOT NULL DEFAULT '',
	zoom               INTEGER NOT NULL DEFAULT 0,
	error              TEXT,
	created_at         DATETIME NOT NULL,
	UNIQUE (batch_id, sample_id)
);

CREATE INDEX IF NOT EXISTS idx_records_sample_id ON records(sample_id);
CREATE INDEX IF NOT EXISTS idx_records_qc_status ON records(qc_status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, input string, total int) (*model.Batch, error) {
	b := &model.Batch{
		ID:        uuid.New().String(),
		Input:     input,
		Status:    model.BatchStatusRunning,
		Total:     total,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, input, status, total, started_at) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.Input, string(b.Status), b.Total, b.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert batch")
	}
	return b, nil
}

func (s *SQLiteStore) CompleteBatch(ctx context.Context, b *model.Batch) error {
	if b.CompletedAt == nil {
		now := time.Now().UTC()
		b.CompletedAt = &now
	}
	if b.Status == "" || b.Status == model.BatchStatusRunning {
		b.Status = model.BatchStatusComplete
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, total = ?, succeeded = ?, failed = ?, completed_at = ? WHERE id = ?`,
		string(b.Status), b.Total, b.Succeeded, b.Failed, *b.CompletedAt, b.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete batch %s", b.ID)
	}
	return checkRowsAffected(res, "batch", b.ID)
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	var b model.Batch
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, input, status, total, succeeded, failed, started_at, completed_at FROM batches WHERE id = ?`, id,
	).Scan(&b.ID, &b.Input, &b.Status, &b.Total, &b.Succeeded, &b.Failed, &b.StartedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", id)
	}
	if completed.Valid {
		t := completed.Time
		b.CompletedAt = &t
	}
	return &b, nil
}

const sqliteUpsertEntry = `
INSERT INTO records (id, batch_id, sample_id, lat, lon, has_solar, confidence, pv_area_sqm_est,
	buffer_radius_sqft, qc_status, qc_reasons, bbox_or_mask, source, zoom, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (batch_id, sample_id) DO UPDATE SET
	lat = excluded.lat, lon = excluded.lon, has_solar = excluded.has_solar,
	confidence = excluded.confidence, pv_area_sqm_est = excluded.pv_area_sqm_est,
	buffer_radius_sqft = excluded.buffer_radius_sqft, qc_status = excluded.qc_status,
	qc_reasons = excluded.qc_reasons, bbox_or_mask = excluded.bbox_or_mask,
	source = excluded.source, zoom = excluded.zoom, error = excluded.error,
	created_at = excluded.created_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) SaveEntry(ctx context.Context, batchID string, e model.Entry) error {
	return saveSQLiteEntry(ctx, s.db, batchID, e)
}

func saveSQLiteEntry(ctx context.Context, ex execer, batchID string, e model.Entry) error {
	row, err := toRow(e)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, sqliteUpsertEntry,
		uuid.New().String(), batchID, row.SampleID, row.Lat, row.Lon, row.HasSolar, row.Confidence,
		row.AreaM2, row.BufferSqft, row.QCStatus, string(row.QCReasons), row.BBoxOrMask,
		row.Source, row.Zoom, row.Error, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save entry %d", row.SampleID)
}

const sqliteRecordColumns = `sample_id, lat, lon, has_solar, confidence, pv_area_sqm_est, buffer_radius_sqft,
	qc_status, qc_reasons, bbox_or_mask, source, zoom`

func (s *SQLiteStore) GetRecord(ctx context.Context, sampleID int64) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM records
		 WHERE sample_id = ? AND error IS NULL
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		sampleID,
	)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: record %d", sampleID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %d", sampleID)
	}
	return rec, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, f RecordFilter) ([]model.Record, error) {
	query := `SELECT ` + sqliteRecordColumns + ` FROM records WHERE error IS NULL`
	var args []any
	if f.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, f.BatchID)
	}
	if f.HasSolar != nil {
		query += ` AND has_solar = ?`
		args = append(args, *f.HasSolar)
	}
	if f.QCStatus != "" {
		query += ` AND qc_status = ?`
		args = append(args, f.QCStatus)
	}
	query += ` ORDER BY sample_id, created_at DESC LIMIT ?`
	args = append(args, f.limit())
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) ImportRecords(ctx context.Context, input string, entries []model.Entry) (*model.Batch, error) {
	b, err := s.CreateBatch(ctx, input, len(entries))
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: import begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range entries {
		if err := saveSQLiteEntry(ctx, tx, b.ID, e); err != nil {
			return nil, eris.Wrap(err, "sqlite: import")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: import commit")
	}

	b.Succeeded, b.Failed = model.Tally(entries)
	if err := s.CompleteBatch(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row scannable) (*model.Record, error) {
	var r entryRow
	var reasons string
	var kind sql.NullString
	err := row.Scan(&r.SampleID, &r.Lat, &r.Lon, &r.HasSolar, &r.Confidence, &r.AreaM2, &r.BufferSqft,
		&r.QCStatus, &reasons, &kind, &r.Source, &r.Zoom)
	if err != nil {
		return nil, err
	}
	r.QCReasons = []byte(reasons)
	if kind.Valid {
		k := kind.String
		r.BBoxOrMask = &k
	}
	return r.record()
}
