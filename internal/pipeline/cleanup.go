package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog"

	"github.com/andresuchdata/batchflow/internal/batch"
)

// Resources released during cleanup.
const (
	ResourceBatchJob   = "batch_job"
	ResourceInputFile  = "input_file"
	ResourceOutputFile = "output_file"
	ResourceErrorFile  = "error_file"
	ResourceLocalFile  = "local_file"
	ResourceSourceItem = "source_item"
)

// CleanupAction records one release attempt.
type CleanupAction struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
	Error    string `json:"error,omitempty"`
}

func (a CleanupAction) OK() bool {
	return a.Error == ""
}

type CleanupReport struct {
	Actions []CleanupAction `json:"actions"`
}

// OK reports whether every attempted release succeeded.
func (r CleanupReport) OK() bool {
	for _, a := range r.Actions {
		if !a.OK() {
			return false
		}
	}
	return true
}

func (r CleanupReport) Failed() []CleanupAction {
	var failed []CleanupAction
	for _, a := range r.Actions {
		if !a.OK() {
			failed = append(failed, a)
		}
	}
	return failed
}

// Err joins the failed releases under ErrCleanup, or returns nil.
func (r CleanupReport) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(failed))
	for _, a := range failed {
		errs = append(errs, fmt.Errorf("%s %s: %s", a.Resource, a.ID, a.Error))
	}
	return fmt.Errorf("%w: %w", ErrCleanup, errors.Join(errs...))
}

// Find returns the action recorded for resource, if any.
func (r CleanupReport) Find(resource string) (CleanupAction, bool) {
	for _, a := range r.Actions {
		if a.Resource == resource {
			return a, true
		}
	}
	return CleanupAction{}, false
}

// cleanup releases every resource the run knows about. Each identifier is
// attempted at most once per run, so calling it again is a no-op.
func (p *ItemPipeline) cleanup(ctx context.Context, run *PipelineRun, log zerolog.Logger) {
	run.advance(StageCleaningUp)
	ctx, cancel := p.compensation(ctx)
	defer cancel()

	if run.pollInterrupted && run.JobID != "" && !batch.JobTerminal(run.JobStatus) {
		p.release(run, log, ResourceBatchJob, run.JobID, func() error {
			_, err := p.jobs.CancelJob(ctx, run.JobID)
			return err
		})
	}

	// results that could not be retrieved stay on the service so they can be
	// fetched by hand
	retain := errors.Is(run.Err, ErrRetrieval)
	if retain && (run.OutputFileID != "" || run.ErrorFileID != "") {
		log.Error().
			Str("job_id", run.JobID).
			Str("output_file_id", run.OutputFileID).
			Str("error_file_id", run.ErrorFileID).
			Msg("Keeping job result files on the service")
	}

	for _, remote := range []struct {
		resource string
		id       string
		result   bool
	}{
		{ResourceInputFile, run.FileID, false},
		{ResourceOutputFile, run.OutputFileID, true},
		{ResourceErrorFile, run.ErrorFileID, true},
	} {
		if remote.id == "" || (remote.result && retain) {
			continue
		}
		id := remote.id
		p.release(run, log, remote.resource, id, func() error {
			return p.jobs.DeleteFile(ctx, id)
		})
	}

	if run.LocalPath != "" {
		p.release(run, log, ResourceLocalFile, run.LocalPath, func() error {
			err := p.local.Remove(run.LocalPath)
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		})
	}

	item := run.Item
	p.release(run, log, ResourceSourceItem, item.Path, func() error {
		return p.input.Store.Delete(ctx, item.Dir(), item.FileName())
	})
}

func (p *ItemPipeline) release(run *PipelineRun, log zerolog.Logger, resource, id string, fn func() error) {
	key := resource + ":" + id
	if run.cleaned[key] {
		return
	}
	run.cleaned[key] = true

	action := CleanupAction{Resource: resource, ID: id}
	if err := fn(); err != nil {
		action.Error = err.Error()
		log.Warn().Err(err).Str("resource", resource).Str("id", id).Msg("Cleanup step failed")
	} else {
		log.Debug().Str("resource", resource).Str("id", id).Msg("Released")
	}
	run.Cleanup.Actions = append(run.Cleanup.Actions, action)
}
