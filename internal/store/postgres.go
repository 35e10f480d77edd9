package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/headcount-cli/internal/db"
	"github.com/sells-group/headcount-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
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

	maxConns := int32(10)
	minConns := int32(2)
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
	return newPostgresStore(pool, pool.Close), nil
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		closeFn: closeFn,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS estimate_cache (
	cache_key  TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	cached_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id         TEXT PRIMARY KEY,
	region     TEXT NOT NULL,
	total      INTEGER NOT NULL,
	processed  INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL DEFAULT 'PROCESSING',
	error      TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS batch_results (
	batch_id TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	result   JSONB NOT NULL,
	PRIMARY KEY (batch_id, position)
);

CREATE INDEX IF NOT EXISTS idx_estimate_cache_expires_at ON estimate_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_batches_updated_at ON batches(updated_at);
`

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

func (s *PostgresStore) GetCachedEstimate(ctx context.Context, key string) (*model.CacheEntry, error) {
	var e model.CacheEntry
	err := s.pool.QueryRow(ctx,
		`SELECT cache_key, value, cached_at, expires_at FROM estimate_cache WHERE cache_key = $1 AND expires_at >= $2`,
		key, s.now(),
	).Scan(&e.Key, &e.Value, &e.CachedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cached estimate")
	}
	return &e, nil
}

func (s *PostgresStore) SetCachedEstimate(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO estimate_cache (cache_key, value, cached_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (cache_key) DO UPDATE SET value = EXCLUDED.value, cached_at = EXCLUDED.cached_at, expires_at = EXCLUDED.expires_at`,
		key, value, now, now.Add(ttl),
	)
	return eris.Wrap(err, "postgres: set cached estimate")
}

func (s *PostgresStore) DeleteExpiredEstimates(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM estimate_cache WHERE expires_at < $1`, s.now())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired estimates")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CreateBatch(ctx context.Context, state model.BatchState) error {
	now := s.now()
	if state.StartedAt.IsZero() {
		state.StartedAt = now
	}
	if state.Status == "" {
		state.Status = model.BatchProcessing
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batches (id, region, total, processed, status, error, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		state.ID, state.Region, state.Total, state.Processed, string(state.Status), state.Error,
		state.StartedAt.UTC(), now,
	)
	return eris.Wrapf(err, "postgres: create batch %s", state.ID)
}

const postgresBatchColumns = `id, region, total, processed, status, error, started_at, updated_at`

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.BatchState, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx,
		`SELECT `+postgresBatchColumns+` FROM batches WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get batch %s", id)
	}
	return b, eris.Wrapf(err, "postgres: get batch %s", id)
}

func (s *PostgresStore) IncrementProcessed(ctx context.Context, id string) (*model.BatchState, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx,
		`UPDATE batches SET processed = processed + 1, updated_at = $1 WHERE id = $2 RETURNING `+postgresBatchColumns,
		s.now(), id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: increment processed %s", id)
	}
	return b, eris.Wrapf(err, "postgres: increment processed %s", id)
}

func (s *PostgresStore) SetBatchStatus(ctx context.Context, id string, status model.BatchStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET status = $1, error = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(status), errMsg, s.now(), id, string(model.BatchProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set batch status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "batch %s", id)
	}
	return nil
}

// AppendResults bulk-loads results with COPY.
func (s *PostgresStore) AppendResults(ctx context.Context, id string, offset int, results []model.EstimateResult) error {
	rows := make([][]any, 0, len(results))
	for i, r := range results {
		data, err := marshalResult(r)
		if err != nil {
			return err
		}
		rows = append(rows, []any{id, offset + i, data})
	}
	_, err := db.CopyFrom(ctx, s.pool, "batch_results", []string{"batch_id", "position", "result"}, rows)
	return eris.Wrapf(err, "postgres: append results %s", id)
}

func (s *PostgresStore) ListResults(ctx context.Context, id string) ([]model.EstimateResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT result FROM batch_results WHERE batch_id = $1 ORDER BY position`, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list results %s", id)
	}
	defer rows.Close()

	var out []model.EstimateResult
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		r, err := unmarshalResult(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate results")
}

func (s *PostgresStore) ListBatches(ctx context.Context, since time.Time) ([]model.BatchState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+postgresBatchColumns+` FROM batches WHERE started_at >= $1 ORDER BY started_at DESC`, since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var out []model.BatchState
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate batches")
}

func (s *PostgresStore) DeleteBatchesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM batches WHERE updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete batches")
	}
	return int(tag.RowsAffected()), nil
}
