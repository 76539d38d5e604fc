package pipeline

import (
	"context"
	"path"
	"time"
)

// WorkItem identifies one input file by its slash separated path inside the
// input store.
type WorkItem struct {
	Path string
}

// FileName returns the item's base name including its extension.
func (w WorkItem) FileName() string {
	return path.Base(w.Path)
}

// Dir returns the directory of the item inside the input store.
func (w WorkItem) Dir() string {
	dir := path.Dir(w.Path)
	if dir == "." {
		return ""
	}
	return dir
}

// Stage is a step of the per-item state machine. Stages are ordered and a run
// only ever moves forward.
type Stage int

const (
	StagePending Stage = iota
	StageFetching
	StageUploading
	StageAwaitingFileReady
	StageSubmittingJob
	StagePolling
	StagePersistingResult
	StageErrorCaptured
	StageCleaningUp
	StageDone
)

var stageNames = [...]string{
	StagePending:           "pending",
	StageFetching:          "fetching",
	StageUploading:         "uploading",
	StageAwaitingFileReady: "awaiting_file_ready",
	StageSubmittingJob:     "submitting_job",
	StagePolling:           "polling",
	StagePersistingResult:  "persisting_result",
	StageErrorCaptured:     "error_captured",
	StageCleaningUp:        "cleaning_up",
	StageDone:              "done",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the final classification of one item.
type Outcome string

const (
	// OutcomeSucceeded means the job completed and only output artifacts were written.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed means the job ended without output and error artifacts were written.
	OutcomeFailed Outcome = "failed"
	// OutcomePartial means both output and error artifacts were written.
	OutcomePartial Outcome = "partial"
	// OutcomeErrored means processing stopped on a captured error before the
	// job reached a terminal state.
	OutcomeErrored Outcome = "errored"
	// OutcomeSkipped means the item was never started because of shutdown.
	OutcomeSkipped Outcome = "skipped"
)

// PipelineRun is the mutable record of one item moving through the pipeline.
// It is owned by a single Process call and never shared.
type PipelineRun struct {
	Item WorkItem

	FileID       string // id returned by the upload
	InputFileID  string // input file id reported by the finished job
	JobID        string
	OutputFileID string
	ErrorFileID  string
	JobStatus    string
	InlineErrors []string
	TokenCount   *int

	Content   []byte
	LocalPath string

	Stage   Stage
	Outcome Outcome
	Err     error

	OutputDir string // set once the output set is written
	ErrorDir  string // set once the error set is written

	// pollInterrupted is set when polling stopped before the job was terminal.
	pollInterrupted bool
	cleaned         map[string]bool
	Cleanup         CleanupReport

	StartedAt  time.Time
	FinishedAt time.Time
}

func newRun(item WorkItem, now time.Time) *PipelineRun {
	return &PipelineRun{
		Item:      item,
		Stage:     StagePending,
		cleaned:   make(map[string]bool),
		StartedAt: now,
	}
}

// advance moves the run to stage s. It reports false and leaves the run
// untouched when s is not after the current stage.
func (r *PipelineRun) advance(s Stage) bool {
	if s <= r.Stage {
		return false
	}
	r.Stage = s
	return true
}

// Result is the outcome of processing one item, as returned to callers.
type Result struct {
	Item         WorkItem      `json:"item"`
	Outcome      Outcome       `json:"outcome"`
	Stage        Stage         `json:"stage"`
	JobStatus    string        `json:"job_status,omitempty"`
	FileID       string        `json:"file_id,omitempty"`
	InputFileID  string        `json:"input_file_id,omitempty"`
	JobID        string        `json:"batch_job_id,omitempty"`
	OutputFileID string        `json:"output_file_id,omitempty"`
	ErrorFileID  string        `json:"error_file_id,omitempty"`
	TokenCount   *int          `json:"token_size,omitempty"`
	OutputDir    string        `json:"output_dir,omitempty"`
	ErrorDir     string        `json:"error_dir,omitempty"`
	Err          error         `json:"-"`
	Cleanup      CleanupReport `json:"cleanup"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// Error returns the error message or an empty string.
func (r *Result) Error() string {
	if r == nil || r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func (r *Result) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *PipelineRun) result() *Result {
	return &Result{
		Item:         r.Item,
		Outcome:      r.Outcome,
		Stage:        r.Stage,
		JobStatus:    r.JobStatus,
		FileID:       r.FileID,
		InputFileID:  r.InputFileID,
		JobID:        r.JobID,
		OutputFileID: r.OutputFileID,
		ErrorFileID:  r.ErrorFileID,
		TokenCount:   r.TokenCount,
		OutputDir:    r.OutputDir,
		ErrorDir:     r.ErrorDir,
		Err:          r.Err,
		Cleanup:      r.Cleanup,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
	}
}

func skippedResult(item WorkItem, now time.Time) *Result {
	return &Result{
		Item:       item,
		Outcome:    OutcomeSkipped,
		Stage:      StagePending,
		Err:        context.Canceled,
		StartedAt:  now,
		FinishedAt: now,
	}
}

// Processor drives one item to completion.
type Processor interface {
	Process(ctx context.Context, item WorkItem) *Result
}

// Observer is notified as items start and finish. Implementations must be
// safe for concurrent use.
type Observer interface {
	ItemStarted(ctx context.Context, item WorkItem)
	ItemFinished(ctx context.Context, result *Result)
}

// TokenCounter counts model tokens in raw input content.
type TokenCounter interface {
	Count(content []byte) (int, error)
}
