package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/andresuchdata/batchflow/internal/batch"
	"github.com/andresuchdata/batchflow/internal/storage"
)

// persistResult retrieves the terminal job's payloads and writes one artifact
// set per non-empty payload. Retrieval failures are returned for error capture;
// write failures are recorded on the run and never returned.
func (p *ItemPipeline) persistResult(ctx context.Context, run *PipelineRun, log zerolog.Logger) error {
	run.advance(StagePersistingResult)
	ctx, cancel := p.compensation(ctx)
	defer cancel()

	var errPayload, outPayload []byte
	if run.ErrorFileID != "" {
		content, err := p.jobs.FileContent(ctx, run.ErrorFileID)
		if err != nil {
			return stageErr(run, ErrRetrieval, err)
		}
		errPayload = content
	} else if len(run.InlineErrors) > 0 {
		encoded, err := json.Marshal(errorList(run.InlineErrors))
		if err != nil {
			return stageErr(run, ErrRetrieval, err)
		}
		errPayload = encoded
	}
	if run.OutputFileID != "" {
		content, err := p.jobs.FileContent(ctx, run.OutputFileID)
		if err != nil {
			return stageErr(run, ErrRetrieval, err)
		}
		outPayload = content
	}

	if len(errPayload) == 0 && len(outPayload) == 0 {
		// a terminal job always leaves a record behind
		msg := fmt.Sprintf("batch job %s ended with status %s without output", run.JobID, run.JobStatus)
		errPayload, _ = json.Marshal(errorList{msg})
	}

	names := namesFor(run.Item.FileName())
	dir := runDirName(names.Base, run.StartedAt)
	meta := BuildMetadata(run)

	var persistErrs []error
	if len(errPayload) > 0 {
		m := meta
		m.ErrorFileName = names.Error
		loc := p.errs.Sub(dir)
		if err := p.writeSet(ctx, loc, names, names.Error, errPayload, m, run.Content); err != nil {
			persistErrs = append(persistErrs, err)
		} else {
			run.ErrorDir = loc.Dir
			log.Info().Str("dir", loc.Dir).Msg("Error artifacts written")
		}
	}
	if len(outPayload) > 0 {
		m := meta
		m.OutputFileName = names.Output
		loc := p.output.Sub(dir)
		if err := p.writeSet(ctx, loc, names, names.Output, outPayload, m, run.Content); err != nil {
			persistErrs = append(persistErrs, err)
		} else {
			run.OutputDir = loc.Dir
			log.Info().Str("dir", loc.Dir).Msg("Output artifacts written")
		}
	}

	run.Outcome = classify(run.JobStatus, len(outPayload) > 0, len(errPayload) > 0)
	if len(persistErrs) > 0 {
		run.Err = stageErr(run, ErrPersistence, errors.Join(persistErrs...))
		log.Error().Err(run.Err).Str("job_id", run.JobID).Msg("Artifacts could not be written, check the job for details")
	}
	return nil
}

func classify(jobStatus string, hasOutput, hasErrors bool) Outcome {
	switch {
	case hasOutput && hasErrors:
		return OutcomePartial
	case hasOutput && jobStatus == batch.JobCompleted:
		return OutcomeSucceeded
	case hasOutput:
		return OutcomePartial
	default:
		return OutcomeFailed
	}
}

// captureError persists the raw input with an error record after a failure
// past the fetch stage.
func (p *ItemPipeline) captureError(ctx context.Context, run *PipelineRun, cause error, log zerolog.Logger) {
	run.advance(StageErrorCaptured)
	run.Outcome = OutcomeErrored
	run.Err = cause
	log.Error().Err(cause).Msg("Processing failed, capturing input to error location")

	ctx, cancel := p.compensation(ctx)
	defer cancel()

	names := namesFor(run.Item.FileName())
	loc := p.errs.Sub(runDirName(names.Base, run.StartedAt))
	meta := BuildMetadata(run)
	meta.ErrorFileName = names.Error

	payload, _ := json.Marshal(errorList{cause.Error()})
	if err := p.writeSet(ctx, loc, names, names.Error, payload, meta, run.Content); err != nil {
		run.Err = errors.Join(cause, stageErr(run, ErrPersistence, err))
		log.Error().Err(err).Msg("Could not write error artifacts")
		return
	}
	run.ErrorDir = loc.Dir
}

// writeSet writes content, metadata sidecar and raw input copy into loc.
// Every part is attempted even if an earlier one fails.
func (p *ItemPipeline) writeSet(ctx context.Context, loc storage.Location, names artifactNames, contentName string, content []byte, meta Metadata, raw []byte) error {
	encoded, err := meta.Encode()
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	var errs []error
	for _, part := range []struct {
		name string
		data []byte
	}{
		{contentName, content},
		{names.Metadata, encoded},
		{names.Raw, raw},
	} {
		if err := loc.Write(ctx, part.name, part.data); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", loc.Key(part.name), err))
		}
	}
	return errors.Join(errs...)
}
