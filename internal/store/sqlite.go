package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/headcount-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
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
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS estimate_cache (
	cache_key  TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	cached_at  DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	region     TEXT NOT NULL,
	total      INTEGER NOT NULL,
	processed  INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL DEFAULT 'PROCESSING',
	error      TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_results (
	batch_id TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	result   TEXT NOT NULL,
	PRIMARY KEY (batch_id, position)
);

CREATE INDEX IF NOT EXISTS idx_estimate_cache_expires_at ON estimate_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_batches_updated_at ON batches(updated_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetCachedEstimate(ctx context.Context, key string) (*model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cache_key, value, cached_at, expires_at FROM estimate_cache
		 WHERE cache_key = ? AND expires_at >= ?`,
		key, s.now(),
	)

	var e model.CacheEntry
	err := row.Scan(&e.Key, &e.Value, &e.CachedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached estimate")
	}
	return &e, nil
}

func (s *SQLiteStore) SetCachedEstimate(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO estimate_cache (cache_key, value, cached_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (cache_key) DO UPDATE SET value = excluded.value,
		   cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		key, value, now, now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: set cached estimate")
}

func (s *SQLiteStore) DeleteExpiredEstimates(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM estimate_cache WHERE expires_at < ?`, s.now(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired estimates")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, state model.BatchState) error {
	now := s.now()
	if state.StartedAt.IsZero() {
		state.StartedAt = now
	}
	if state.Status == "" {
		state.Status = model.BatchProcessing
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, region, total, processed, status, error, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ID, state.Region, state.Total, state.Processed, string(state.Status), state.Error,
		state.StartedAt.UTC(), now,
	)
	return eris.Wrapf(err, "sqlite: create batch %s", state.ID)
}

const sqliteBatchColumns = `id, region, total, processed, status, error, started_at, updated_at`

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.BatchState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteBatchColumns+` FROM batches WHERE id = ?`, id,
	)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get batch %s", id)
	}
	return b, eris.Wrapf(err, "sqlite: get batch %s", id)
}

func (s *SQLiteStore) IncrementProcessed(ctx context.Context, id string) (*model.BatchState, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE batches SET processed = processed + 1, updated_at = ?
		 WHERE id = ? RETURNING `+sqliteBatchColumns,
		s.now(), id,
	)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: increment processed %s", id)
	}
	return b, eris.Wrapf(err, "sqlite: increment processed %s", id)
}

func (s *SQLiteStore) SetBatchStatus(ctx context.Context, id string, status model.BatchStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), errMsg, s.now(), id, string(model.BatchProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set batch status %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) AppendResults(ctx context.Context, id string, offset int, results []model.EstimateResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append results")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO batch_results (batch_id, position, result) VALUES (?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare append results")
	}
	defer stmt.Close() //nolint:errcheck

	for i, r := range results {
		data, err := marshalResult(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, id, offset+i, string(data)); err != nil {
			return eris.Wrapf(err, "sqlite: append result %s/%d", id, offset+i)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append results")
}

func (s *SQLiteStore) ListResults(ctx context.Context, id string) ([]model.EstimateResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result FROM batch_results WHERE batch_id = ? ORDER BY position`, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list results %s", id)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.EstimateResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		r, err := unmarshalResult([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate results")
}

func (s *SQLiteStore) ListBatches(ctx context.Context, since time.Time) ([]model.BatchState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteBatchColumns+` FROM batches WHERE started_at >= ? ORDER BY started_at DESC`, since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.BatchState
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate batches")
}

func (s *SQLiteStore) DeleteBatchesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin delete batches")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM batch_results WHERE batch_id IN (SELECT id FROM batches WHERE updated_at < ?)`,
		cutoff.UTC(),
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: delete batch results")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete batches")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), eris.Wrap(tx.Commit(), "sqlite: commit delete batches")
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrInvalidTransition, "batch %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBatch(row scannable) (*model.BatchState, error) {
	var b model.BatchState
	var status string
	if err := row.Scan(&b.ID, &b.Region, &b.Total, &b.Processed, &status, &b.Error, &b.StartedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Status = model.BatchStatus(status)
	return &b, nil
}
