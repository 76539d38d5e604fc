package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/andresuchdata/batchflow/internal/pipeline"
	"github.com/andresuchdata/batchflow/internal/repository"
)

const runSchema = `
CREATE TABLE IF NOT EXISTS batch_runs (
	id            BIGSERIAL PRIMARY KEY,
	file_path     TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	stage         TEXT NOT NULL,
	file_id       TEXT,
	batch_job_id  TEXT,
	job_status    TEXT,
	output_dir    TEXT,
	error_dir     TEXT,
	token_size    BIGINT,
	error_message TEXT,
	cleanup_ok    BOOLEAN NOT NULL DEFAULT TRUE,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_run_cleanup (
	run_id      BIGINT NOT NULL REFERENCES batch_runs(id) ON DELETE CASCADE,
	resource    TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	error       TEXT
);

CREATE INDEX IF NOT EXISTS idx_batch_runs_finished_at ON batch_runs (finished_at DESC);
`

type runRepository struct {
	db *DB
}

// NewRunRepository creates a run ledger backed by Postgres.
func NewRunRepository(db *DB) repository.RunRepository {
	return &runRepository{db: db}
}

func (r *runRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, runSchema); err != nil {
		return fmt.Errorf("failed to create run ledger schema: %w", err)
	}
	return nil
}

// Record stores the result and its cleanup actions in a single transaction.
func (r *runRepository) Record(ctx context.Context, result *pipeline.Result) error {
	var tokenSize *int64
	if result.TokenCount != nil {
		n := int64(*result.TokenCount)
		tokenSize = &n
	}

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO batch_runs (
				file_path, outcome, stage, file_id, batch_job_id, job_status,
				output_dir, error_dir, token_size, error_message, cleanup_ok,
				started_at, finished_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING id`,
			result.Item.Path,
			string(result.Outcome),
			result.Stage.String(),
			nullString(result.FileID),
			nullString(result.JobID),
			nullString(result.JobStatus),
			nullString(result.OutputDir),
			nullString(result.ErrorDir),
			tokenSize,
			nullString(result.Error()),
			result.Cleanup.OK(),
			result.StartedAt,
			result.FinishedAt,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		for _, action := range result.Cleanup.Actions {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO batch_run_cleanup (run_id, resource, resource_id, error)
				VALUES ($1, $2, $3, $4)`,
				id, action.Resource, action.ID, nullString(action.Error),
			)
			if err != nil {
				return fmt.Errorf("failed to insert cleanup action: %w", err)
			}
		}
		return nil
	})
}

func (r *runRepository) Recent(ctx context.Context, limit int) ([]repository.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var records []repository.RunRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT id, file_path, outcome, stage, file_id, batch_job_id, job_status,
		       output_dir, error_dir, token_size, error_message, cleanup_ok,
		       started_at, finished_at
		FROM batch_runs
		ORDER BY finished_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return records, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
