package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrFetch         = errors.New("fetch input")
	ErrUpload        = errors.New("upload input file")
	ErrFileRejected  = errors.New("input file rejected by job service")
	ErrJobSubmission = errors.New("submit batch job")
	ErrPolling       = errors.New("poll job service")
	ErrRetrieval     = errors.New("retrieve job results")
	ErrPersistence   = errors.New("persist artifacts")
	ErrCleanup       = errors.New("cleanup")

	// ErrPollTimeout is the cause recorded when a polling loop exceeds its maximum wait.
	ErrPollTimeout = errors.New("polling deadline exceeded")
)

// StageError ties a failure to the stage and item it happened in. Kind is
// one of the package sentinels; both Kind and Err match errors.Is.
type StageError struct {
	Stage Stage
	Path  string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s [%s] %s", e.Kind, e.Stage, e.Path)
	}
	return fmt.Sprintf("%s [%s] %s: %v", e.Kind, e.Stage, e.Path, e.Err)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func stageErr(run *PipelineRun, kind, err error) *StageError {
	return &StageError{Stage: run.Stage, Path: run.Item.Path, Kind: kind, Err: err}
}
