package repository

import (
	"context"

	"github.com/andresuchdata/batchflow/internal/pipeline"
	"github.com/andresuchdata/batchflow/pkg/logger"
)

// Recorder writes every finished item to the run ledger.
type Recorder struct {
	repo RunRepository
}

func NewRecorder(repo RunRepository) *Recorder {
	return &Recorder{repo: repo}
}

func (r *Recorder) ItemStarted(context.Context, pipeline.WorkItem) {}

func (r *Recorder) ItemFinished(ctx context.Context, result *pipeline.Result) {
	if err := r.repo.Record(ctx, result); err != nil {
		logger.Log.Error().Err(err).Str("file", result.Item.Path).Msg("Could not record run")
	}
}

var _ pipeline.Observer = (*Recorder)(nil)
