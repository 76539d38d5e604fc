package repository

import (
	"context"
	"time"

	"github.com/andresuchdata/batchflow/internal/pipeline"
)

// RunRecord is one finished item as stored in the run ledger.
type RunRecord struct {
	ID           int64     `db:"id" json:"id"`
	FilePath     string    `db:"file_path" json:"file_path"`
	Outcome      string    `db:"outcome" json:"outcome"`
	Stage        string    `db:"stage" json:"stage"`
	FileID       *string   `db:"file_id" json:"file_id"`
	JobID        *string   `db:"batch_job_id" json:"batch_job_id"`
	JobStatus    *string   `db:"job_status" json:"job_status"`
	OutputDir    *string   `db:"output_dir" json:"output_dir"`
	ErrorDir     *string   `db:"error_dir" json:"error_dir"`
	TokenSize    *int64    `db:"token_size" json:"token_size"`
	ErrorMessage *string   `db:"error_message" json:"error_message"`
	CleanupOK    bool      `db:"cleanup_ok" json:"cleanup_ok"`
	StartedAt    time.Time `db:"started_at" json:"started_at"`
	FinishedAt   time.Time `db:"finished_at" json:"finished_at"`
}

// RunRepository persists the outcome of every processed item.
type RunRepository interface {
	EnsureSchema(ctx context.Context) error
	Record(ctx context.Context, result *pipeline.Result) error
	Recent(ctx context.Context, limit int) ([]RunRecord, error)
}
