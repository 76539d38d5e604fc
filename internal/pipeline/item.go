package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/andresuchdata/batchflow/internal/batch"
	"github.com/andresuchdata/batchflow/internal/storage"
	"github.com/andresuchdata/batchflow/pkg/logger"
)

// Config holds the per-item settings shared by every pipeline run.
type Config struct {
	Endpoint         string // target endpoint of each batch job, e.g. /chat/completions
	CompletionWindow string
	// ContentBaseURL is prefixed to the item path to form the URL the job
	// service imports the input from.
	ContentBaseURL string
	// LocalDownloadDir enables materializing inputs to local disk when set.
	LocalDownloadDir    string
	FilePoll            PollPolicy
	JobPoll             PollPolicy
	CompensationTimeout time.Duration
}

// ItemPipeline drives a single input file through upload, job submission,
// polling, persistence and cleanup. It is safe for concurrent use; each
// Process call owns its own PipelineRun.
type ItemPipeline struct {
	jobs   batch.Service
	input  storage.Location
	output storage.Location
	errs   storage.Location
	local  afero.Fs
	tokens TokenCounter
	cfg    Config
	now    func() time.Time
	log    zerolog.Logger
}

type Option func(*ItemPipeline)

// WithTokenCounter enables token counting of fetched content.
func WithTokenCounter(c TokenCounter) Option {
	return func(p *ItemPipeline) { p.tokens = c }
}

// WithLocalFs sets the filesystem holding materialized copies. It must be the
// one the input store writes to.
func WithLocalFs(fs afero.Fs) Option {
	return func(p *ItemPipeline) { p.local = fs }
}

func WithClock(now func() time.Time) Option {
	return func(p *ItemPipeline) { p.now = now }
}

func NewItemPipeline(jobs batch.Service, input, output, errs storage.Location, cfg Config, opts ...Option) *ItemPipeline {
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 2 * time.Minute
	}
	p := &ItemPipeline{
		jobs:   jobs,
		input:  input,
		output: output,
		errs:   errs,
		local:  afero.NewOsFs(),
		cfg:    cfg,
		now:    time.Now,
		log:    logger.With("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs item to a terminal state. Every failure is captured in the
// returned Result; nothing is propagated.
func (p *ItemPipeline) Process(ctx context.Context, item WorkItem) *Result {
	run := newRun(item, p.now())
	log := p.log.With().Str("file", item.Path).Logger()
	log.Info().Msg("Processing file")

	if err := p.fetch(ctx, run); err != nil {
		run.Outcome = OutcomeErrored
		run.Err = err
		run.advance(StageDone)
		run.FinishedAt = p.now()
		log.Error().Err(err).Msg("Could not fetch input file")
		return run.result()
	}
	p.countTokens(run, log)

	err := p.execute(ctx, run, log)
	if err == nil {
		err = p.persistResult(ctx, run, log)
	}
	if err != nil {
		p.captureError(ctx, run, err, log)
	}

	p.cleanup(ctx, run, log)
	if err := run.Cleanup.Err(); err != nil {
		log.Warn().Err(err).Msg("Some resources were not released")
	}

	// the content buffer is only needed until artifacts are persisted
	run.Content = nil
	run.advance(StageDone)
	run.FinishedAt = p.now()

	event := log.Info()
	if run.Err != nil {
		event = log.Error().Err(run.Err)
	}
	event.Str("outcome", string(run.Outcome)).
		Str("job_id", run.JobID).
		Str("job_status", run.JobStatus).
		Dur("duration", run.FinishedAt.Sub(run.StartedAt)).
		Msg("Finished processing file")

	return run.result()
}

func (p *ItemPipeline) fetch(ctx context.Context, run *PipelineRun) error {
	run.advance(StageFetching)
	item := run.Item

	if p.cfg.LocalDownloadDir == "" {
		content, err := p.input.Store.GetContent(ctx, item.Dir(), item.FileName())
		if err != nil {
			return stageErr(run, ErrFetch, err)
		}
		run.Content = content
		return nil
	}

	localPath := filepath.Join(p.cfg.LocalDownloadDir, filepath.FromSlash(item.Path))
	content, err := p.input.Store.MaterializeToLocal(ctx, item.Dir(), item.FileName(), localPath)
	if err != nil {
		return stageErr(run, ErrFetch, err)
	}
	run.Content = content
	run.LocalPath = localPath
	return nil
}

func (p *ItemPipeline) countTokens(run *PipelineRun, log zerolog.Logger) {
	if p.tokens == nil {
		return
	}
	n, err := p.tokens.Count(run.Content)
	if err != nil {
		log.Warn().Err(err).Msg("Token counting failed")
		return
	}
	run.TokenCount = &n
	log.Info().Int("tokens", n).Msg("Counted tokens")
}

func (p *ItemPipeline) contentURL(item WorkItem) string {
	return strings.TrimSuffix(p.cfg.ContentBaseURL, "/") + "/" + strings.TrimPrefix(item.Path, "/")
}

// execute uploads the input, waits for it to be processed, submits the job and
// waits for the job to reach a terminal status.
func (p *ItemPipeline) execute(ctx context.Context, run *PipelineRun, log zerolog.Logger) error {
	run.advance(StageUploading)
	file, err := p.jobs.UploadInput(ctx, run.Item.FileName(), p.contentURL(run.Item))
	if err != nil {
		return stageErr(run, ErrUpload, err)
	}
	if file == nil || file.ID == "" {
		return stageErr(run, ErrUpload, batch.ErrEmptyResponse)
	}
	run.FileID = file.ID
	log.Info().Str("file_id", file.ID).Msg("Uploaded input file")

	run.advance(StageAwaitingFileReady)
	current := file
	err = poll(ctx, p.cfg.FilePoll, func(ctx context.Context) (bool, error) {
		f, err := p.jobs.GetFile(ctx, run.FileID)
		if err != nil {
			return false, err
		}
		current = f
		return batch.FileTerminal(f.Status), nil
	})
	if err != nil {
		return stageErr(run, ErrPolling, err)
	}
	if current.Status == batch.FileError {
		return stageErr(run, ErrFileRejected, fmt.Errorf("file %s: %s", run.FileID, current.StatusDetails))
	}

	run.advance(StageSubmittingJob)
	job, err := p.jobs.CreateJob(ctx, batch.JobRequest{
		InputFileID:      run.FileID,
		Endpoint:         p.cfg.Endpoint,
		CompletionWindow: p.cfg.CompletionWindow,
	})
	if err != nil {
		return stageErr(run, ErrJobSubmission, err)
	}
	if job == nil || job.ID == "" {
		return stageErr(run, ErrJobSubmission, batch.ErrEmptyResponse)
	}
	run.JobID = job.ID
	run.JobStatus = job.Status
	log.Info().Str("job_id", job.ID).Msg("Submitted batch job")

	run.advance(StagePolling)
	final := job
	err = poll(ctx, p.cfg.JobPoll, func(ctx context.Context) (bool, error) {
		j, err := p.jobs.GetJob(ctx, run.JobID)
		if err != nil {
			return false, err
		}
		final = j
		run.JobStatus = j.Status
		log.Debug().Str("job_id", run.JobID).Str("status", j.Status).Msg("Polled batch job")
		return batch.JobTerminal(j.Status), nil
	})
	if err != nil {
		run.pollInterrupted = true
		return stageErr(run, ErrPolling, err)
	}

	run.InputFileID = final.InputFileID
	run.OutputFileID = final.OutputFileID
	run.ErrorFileID = final.ErrorFileID
	run.InlineErrors = final.InlineErrors()
	log.Info().Str("job_id", run.JobID).Str("status", run.JobStatus).Msg("Batch job reached terminal status")
	return nil
}

// compensation returns a context that survives cancellation of ctx, bounded
// by the compensation timeout.
func (p *ItemPipeline) compensation(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CompensationTimeout)
}
