package runstore

import (
	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/config"
	"cdpipeline/internal/pipeline"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id      TEXT PRIMARY KEY,
	pipeline    TEXT NOT NULL,
	state       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	snapshot    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS pipeline_runs_pipeline_created_idx ON pipeline_runs (pipeline, created_at DESC);
`

// PostgresConfig configures the database connection.
type PostgresConfig struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresConfigFromEnv reads RUNSTORE_DATABASE_URL and the pool settings.
func PostgresConfigFromEnv() PostgresConfig {
	return PostgresConfig{
		URL:             config.GetSecretFile(config.GetEnv("RUNSTORE_DATABASE_URL_FILE", "")),
		PingTimeout:     config.GetDurationEnv("RUNSTORE_PING_TIMEOUT", 2*time.Second),
		MaxOpenConns:    config.GetIntEnv("RUNSTORE_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    config.GetIntEnv("RUNSTORE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: config.GetDurationEnv("RUNSTORE_CONN_MAX_LIFETIME", 30*time.Minute),
	}.withURLFallback()
}

func (c PostgresConfig) withURLFallback() PostgresConfig {
	if c.URL == "" {
		c.URL = config.GetEnv("RUNSTORE_DATABASE_URL", "")
	}
	return c
}

// Validate reports the first invalid setting.
func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("RUNSTORE_DATABASE_URL is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("RUNSTORE_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("RUNSTORE_MAX_OPEN_CONNS must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("RUNSTORE_MAX_IDLE_CONNS must be between 0 and RUNSTORE_MAX_OPEN_CONNS")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("RUNSTORE_CONN_MAX_LIFETIME must be >= 0")
	}
	return nil
}

// OpenPostgres opens a pgx-backed pool and verifies connectivity.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Postgres stores snapshots as JSONB rows in pipeline_runs.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database. Call Migrate before first use.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the table and index if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return apperrors.Internal("runstore.migrate", err)
	}
	return nil
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Save(ctx context.Context, s pipeline.Snapshot) error {
	body, err := json.Marshal(s)
	if err != nil {
		return apperrors.Internal("runstore.save", err)
	}
	_, err = p.db.ExecContext(ctx, `
INSERT INTO pipeline_runs (run_id, pipeline, state, created_at, finished_at, snapshot)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (run_id) DO UPDATE SET
	state = EXCLUDED.state,
	finished_at = EXCLUDED.finished_at,
	snapshot = EXCLUDED.snapshot`,
		s.ID, s.Pipeline, string(s.State), s.CreatedAt, nullTime(s.FinishedAt), body)
	if err != nil {
		return apperrors.Internal("runstore.save", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, runID string) (pipeline.Snapshot, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT snapshot FROM pipeline_runs WHERE run_id = $1`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Snapshot{}, apperrors.NotFound("run", runID)
	}
	if err != nil {
		return pipeline.Snapshot{}, apperrors.Internal("runstore.get", err)
	}
	return decodeSnapshot(body)
}

func (p *Postgres) List(ctx context.Context, f Filter) ([]pipeline.Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT snapshot FROM pipeline_runs
WHERE ($1 = '' OR pipeline = $1) AND ($2 = '' OR state = $2)
ORDER BY created_at DESC, run_id DESC
LIMIT $3`, f.Pipeline, string(f.State), f.MaxResults())
	if err != nil {
		return nil, apperrors.Internal("runstore.list", err)
	}
	defer rows.Close()

	var out []pipeline.Snapshot
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, apperrors.Internal("runstore.list", err)
		}
		s, err := decodeSnapshot(body)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("runstore.list", err)
	}
	return out, nil
}

func (p *Postgres) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
DELETE FROM pipeline_runs
WHERE state IN ($1, $2) AND finished_at IS NOT NULL AND finished_at < $3`,
		string(pipeline.RunSucceeded), string(pipeline.RunFailed), cutoff)
	if err != nil {
		return 0, apperrors.Internal("runstore.prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Internal("runstore.prune", err)
	}
	return int(n), nil
}

func decodeSnapshot(body []byte) (pipeline.Snapshot, error) {
	var s pipeline.Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return pipeline.Snapshot{}, apperrors.Internal("runstore.decode", err)
	}
	return s, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*Postgres)(nil)
