package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/andresuchdata/batchflow/internal/batch"
	"github.com/andresuchdata/batchflow/internal/storage"
)

func TestProcess_Success(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeJobs())
	item := h.addInput(t, "a.jsonl", `{"custom_id":"1"}`)

	res := h.pipeline().Process(context.Background(), item)

	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("Expected succeeded, got %s (err: %v)", res.Outcome, res.Err)
	}
	if res.Err != nil {
		t.Errorf("Unexpected error: %v", res.Err)
	}
	if res.Stage != StageDone {
		t.Errorf("Expected stage done, got %s", res.Stage)
	}

	runDir := h.output.Sub("a" + runSuffix)
	if res.OutputDir != runDir.Dir {
		t.Errorf("Expected output dir %s, got %s", runDir.Dir, res.OutputDir)
	}
	got := h.listNames(t, runDir)
	want := []string{"a.jsonl", "a_metadata.jsonl", "a_output.jsonl"}
	if !slices.Equal(got, want) {
		t.Errorf("Expected output files %v, got %v", want, got)
	}
	if content := h.read(t, runDir, "a.jsonl"); content != `{"custom_id":"1"}` {
		t.Errorf("Expected raw copy, got %q", content)
	}
	if content := h.read(t, runDir, "a_output.jsonl"); content != `{"custom_id":"1","response":"ok"}` {
		t.Errorf("Unexpected output content %q", content)
	}
	if h.exists(t, h.errs) {
		t.Error("Expected error location to be untouched")
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(h.read(t, runDir, "a_metadata.jsonl")), &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.FileName != "batch/a.jsonl" {
		t.Errorf("Expected file_name batch/a.jsonl, got %q", meta.FileName)
	}
	if meta.InputFileID == nil || *meta.InputFileID != res.FileID {
		t.Errorf("Expected input_file_id %q, got %v", res.FileID, meta.InputFileID)
	}
	if meta.BatchJobID == nil || *meta.BatchJobID != res.JobID {
		t.Errorf("Expected batch_job_id %q, got %v", res.JobID, meta.BatchJobID)
	}
	if meta.ErrorFileID != nil {
		t.Errorf("Expected null error_file_id, got %q", *meta.ErrorFileID)
	}
	if meta.OutputFileName != "a_output.jsonl" {
		t.Errorf("Expected output_file_name a_output.jsonl, got %q", meta.OutputFileName)
	}
	if meta.TokenSize.Computed {
		t.Errorf("Expected token size N/A, got %v", meta.TokenSize)
	}

	if names := h.listNames(t, h.input); len(names) != 0 {
		t.Errorf("Expected input location to be empty, got %v", names)
	}
	deleted := h.jobs.deletedIDs()
	if !slices.Contains(deleted, res.FileID) || !slices.Contains(deleted, res.OutputFileID) {
		t.Errorf("Expected input and output files deleted, got %v", deleted)
	}
	if !res.Cleanup.OK() {
		t.Errorf("Expected clean cleanup, got %+v", res.Cleanup.Failed())
	}
	if len(h.jobs.uploads) != 1 || h.jobs.uploads[0] != "https://acct.blob.core.windows.net/input/batch/a.jsonl" {
		t.Errorf("Unexpected content URL %v", h.jobs.uploads)
	}
}

func TestProcess_UploadEmptyResponse(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.upload = func(string) (*batch.File, error) { return &batch.File{}, nil }
	h := newHarness(t, jobs)
	item := h.addInput(t, "a.jsonl", "raw")

	res := h.pipeline().Process(context.Background(), item)

	if res.Outcome != OutcomeErrored {
		t.Errorf("Expected errored, got %s", res.Outcome)
	}
	if !errors.Is(res.Err, ErrUpload) || !errors.Is(res.Err, batch.ErrEmptyResponse) {
		t.Errorf("Expected upload error, got %v", res.Err)
	}
	if res.JobID != "" || res.FileID != "" {
		t.Errorf("Expected no remote ids, got file %q job %q", res.FileID, res.JobID)
	}

	runDir := h.errs.Sub("a" + runSuffix)
	got := h.listNames(t, runDir)
	want := []string{"a.jsonl", "a_error.jsonl", "a_metadata.jsonl"}
	if !slices.Equal(got, want) {
		t.Errorf("Expected error files %v, got %v", want, got)
	}
	if h.exists(t, h.output) {
		t.Error("Expected output location to be untouched")
	}

	var meta map[string]any
	if err := json.Unmarshal([]byte(h.read(t, runDir, "a_metadata.jsonl")), &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	for _, key := range []string{"input_file_id", "batch_job_id", "output_file_id", "error_file_id", "file_id"} {
		if v, ok := meta[key]; !ok || v != nil {
			t.Errorf("Expected %s to be null, got %v", key, v)
		}
	}

	if len(res.Cleanup.Actions) != 1 || res.Cleanup.Actions[0].Resource != ResourceSourceItem {
		t.Errorf("Expected only the source item to be cleaned, got %+v", res.Cleanup.Actions)
	}
	if len(h.jobs.deletedIDs()) != 0 {
		t.Errorf("Expected no remote deletions, got %v", h.jobs.deletedIDs())
	}
	if names := h.listNames(t, h.input); len(names) != 0 {
		t.Errorf("Expected input location to be empty, got %v", names)
	}
}

func TestProcess_ErrorFileOnly(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.finish = func(j *batch.Job, content map[string][]byte) {
		j.Status = batch.JobCompleted
		j.ErrorFileID = "err-" + j.ID
		content[j.ErrorFileID] = []byte(`{"error":"rate limited"}`)
	}
	h := newHarness(t, jobs)
	item := h.addInput(t, "a.jsonl", "raw")

	res := h.pipeline().Process(context.Background(), item)

	if res.Outcome != OutcomeFailed {
		t.Errorf("Expected failed, got %s", res.Outcome)
	}
	if res.Err != nil {
		t.Errorf("Unexpected error: %v", res.Err)
	}
	runDir := h.errs.Sub("a" + runSuffix)
	if content := h.read(t, runDir, "a_error.jsonl"); content != `{"error":"rate limited"}` {
		t.Errorf("Unexpected error payload %q", content)
	}
	if h.exists(t, h.output) {
		t.Error("Expected output location to be untouched")
	}
	if !slices.Contains(h.jobs.deletedIDs(), res.ErrorFileID) {
		t.Errorf("Expected error file %s deleted, got %v", res.ErrorFileID, h.jobs.deletedIDs())
	}
}

func TestProcess_InlineErrors(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.finish = func(j *batch.Job, content map[string][]byte) {
		j.Status = batch.JobFailed
		j.Errors = &batch.JobErrors{Data: []batch.JobError{
			{Code: "invalid_json_line", Message: "bad line"},
			{Code: "too_large", Message: "too big"},
		}}
	}
	h := newHarness(t, jobs)
	item := h.addInput(t, "a.jsonl", "raw")

	res := h.pipeline().Process(context.Background(), item)

	if res.Outcome != OutcomeFailed {
		t.Errorf("Expected failed, got %s", res.Outcome)
	}
	got := h.read(t, h.errs.Sub("a"+runSuffix), "a_error.jsonl")
	if got != `{"Error 1":"bad line","Error 2":"too big"}` {
		t.Errorf("Unexpected inline error payload %q", got)
	}
}

func TestProcess_CanceledWithoutDetails(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.finish = func(j *batch.Job, content map[string][]byte) {
		j.Status = batch.JobCanceled
	}
	h := newHarness(t, jobs)
	item := h.addInput(t, "a.jsonl", "raw")

	res := h.pipeline().Process(context.Background(), item)

	if res.Outcome != OutcomeFailed {
		t.Errorf("Expected failed, got %s", res.Outcome)
	}
	if res.JobStatus != batch.JobCanceled {
		t.Errorf("Expected job status canceled, got %s", res.JobStatus)
	}
	names := h.listNames(t, h.errs.Sub("a"+runSuffix))
	if !slices.Contains(names, "a_error.jsonl") {
		t.Errorf("Expected an error record, got %v", names)
	}
}

func TestProcess_PartialSuccess(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.finish = func(j *batch.Job, content map[string][]byte) {
		completeWithOutput(j, content)
		j.ErrorFileID = "err-" + j.ID
		content[j.ErrorFileID] = []byte(`{"line":3}`)
	}
	h := newHarness(t, jobs)
	item := h.addInput(t, "a.jsonl", "raw")

	res := h.pipeline().Process(context.Background(), item)

	if res.Outcome != OutcomePartial {
		t.Errorf("Expected partial, got %s", res.Outcome)
	}
	if res.OutputDir == "" || res.ErrorDir == "" {
		t.Errorf("Expected both artifact sets, got output %q error %q", res.OutputDir, res.ErrorDir)
	}
	if got := len(h.listNames(t, h.output.Sub("a"+runSuffix))); got != 3 {
		t.Errorf("Expected 3 output files, got %d", got)
	}
	if got := len(h.listNames(t, h.errs.Sub("a"+runSuffix))); got != 3 {
		t.Errorf("Expected 3 error files, got %d", got)
	}
}

func TestProcess_JobSubmissionFailure(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.createErr = &batch.APIError{StatusCode: 400, Message: "quota exceeded"}
	h := newHarness(t, jobs)
	item := h.addInput(t, "a.jsonl", "raw")

	res := h.pipeline().Process(context.Background(), item)

	if res.Outcome != OutcomeErrored {
		t.Errorf("Expected errored, got %s", res.Outcome)
	}
	if !errors.Is(res.Err, ErrJobSubmission) {
		t.Errorf("Expected ErrJobSubmission, got %v", res.Err)
	}
	var apiErr *batch.APIError
	if !errors.As(res.Err, &apiErr) {
		t.Errorf("Expected wrapped APIError, got %v", res.Err)
	}
	if got := h.read(t, h.errs.Sub("a"+runSuffix), "a.jsonl"); got != "raw" {
		t.Errorf("Expected raw copy in error location, got %q", got)
	}
	action, ok := res.Cleanup.Find(ResourceInputFile)
	if !ok || action.ID != res.FileID || !action.OK() {
		t.Errorf("Expected input file %s deleted, got %+v", res.FileID, res.Cleanup.Actions)
	}
}

func TestProcess_FileRejected(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.fileStatus = batch.FileError
	h := newHarness(t, jobs)
	item := h.addInput(t, "a.jsonl", "raw")

	res := h.pipeline().Process(context.Background(), item)

	if !errors.Is(res.Err, ErrFileRejected) {
		t.Errorf("Expected ErrFileRejected, got %v", res.Err)
	}
	if res.JobID != "" {
		t.Errorf("Expected no job to be created, got %s", res.JobID)
	}
	if !slices.Contains(h.jobs.deletedIDs(), res.FileID) {
		t.Errorf("Expected rejected file deleted, got %v", h.jobs.deletedIDs())
	}
}

func TestProcess_FetchFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeJobs())

	res := h.pipeline().Process(context.Background(), WorkItem{Path: "batch/missing.jsonl"})

	if res.Outcome != OutcomeErrored {
		t.Errorf("Expected errored, got %s", res.Outcome)
	}
	if !errors.Is(res.Err, ErrFetch) || !errors.Is(res.Err, storage.ErrNotFound) {
		t.Errorf("Expected fetch error, got %v", res.Err)
	}
	if len(res.Cleanup.Actions) != 0 {
		t.Errorf("Expected no cleanup, got %+v", res.Cleanup.Actions)
	}
	if len(h.jobs.uploads) != 0 {
		t.Errorf("Expected no upload, got %v", h.jobs.uploads)
	}
	if h.exists(t, h.errs) || h.exists(t, h.output) {
		t.Error("Expected nothing persisted")
	}
}

func TestProcess_InterruptedPolling(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.neverFinish = true
	h := newHarness(t, jobs)
	item := h.addInput(t, "a.jsonl", "raw")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := h.pipeline().Process(ctx, item)

	if res.Outcome != OutcomeErrored {
		t.Errorf("Expected errored, got %s", res.Outcome)
	}
	if !errors.Is(res.Err, ErrPolling) || !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("Expected interrupted polling, got %v", res.Err)
	}
	if got := h.jobs.canceledIDs(); !slices.Equal(got, []string{res.JobID}) {
		t.Errorf("Expected job %s canceled, got %v", res.JobID, got)
	}
	// compensation outlives the canceled context
	if got := h.read(t, h.errs.Sub("a"+runSuffix), "a.jsonl"); got != "raw" {
		t.Errorf("Expected raw copy in error location, got %q", got)
	}
	if names := h.listNames(t, h.input); len(names) != 0 {
		t.Errorf("Expected input location to be empty, got %v", names)
	}
}

func TestProcess_PollTimeout(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.neverFinish = true
	h := newHarness(t, jobs)
	h.cfg.JobPoll = PollPolicy{Interval: time.Millisecond, MaxWait: 20 * time.Millisecond}
	item := h.addInput(t, "a.jsonl", "raw")

	res := h.pipeline().Process(context.Background(), item)

	if !errors.Is(res.Err, ErrPollTimeout) {
		t.Errorf("Expected ErrPollTimeout, got %v", res.Err)
	}
	if action, ok := res.Cleanup.Find(ResourceBatchJob); !ok || action.ID != res.JobID {
		t.Errorf("Expected job cancel in cleanup, got %+v", res.Cleanup.Actions)
	}
}

func TestProcess_PersistenceFailureStillCleansUp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeJobs())
	h.output = storage.NewLocation(failingWrites{h.store}, "processed")
	item := h.addInput(t, "a.jsonl", "raw")

	res := h.pipeline().Process(context.Background(), item)

	if res.Outcome != OutcomeSucceeded {
		t.Errorf("Expected succeeded, got %s", res.Outcome)
	}
	if !errors.Is(res.Err, ErrPersistence) || !errors.Is(res.Err, errDiskFull) {
		t.Errorf("Expected persistence error, got %v", res.Err)
	}
	if res.OutputDir != "" {
		t.Errorf("Expected no output dir, got %s", res.OutputDir)
	}
	if _, ok := res.Cleanup.Find(ResourceSourceItem); !ok {
		t.Error("Expected cleanup to run")
	}
}

func TestProcess_LocalDownload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeJobs())
	h.cfg.LocalDownloadDir = "/downloads"
	item := h.addInput(t, "a.jsonl", "raw")

	var localSeen bool
	h.jobs.upload = func(filename string) (*batch.File, error) {
		_, err := h.local.Stat("/downloads/batch/a.jsonl")
		localSeen = err == nil
		h.jobs.seq++
		h.jobs.files["file-x"] = true
		return &batch.File{ID: "file-x", Status: batch.FilePending}, nil
	}

	res := h.pipeline().Process(context.Background(), item)

	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("Expected succeeded, got %s (%v)", res.Outcome, res.Err)
	}
	if !localSeen {
		t.Error("Expected the input to be materialized before upload")
	}
	if exists, _ := afero.Exists(h.local, "/downloads/batch/a.jsonl"); exists {
		t.Error("Expected local copy to be removed")
	}
	if action, ok := res.Cleanup.Find(ResourceLocalFile); !ok || !action.OK() {
		t.Errorf("Expected local file cleanup, got %+v", res.Cleanup.Actions)
	}
}

func TestProcess_TokenCounting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		counter staticCounter
		want    string
	}{
		{name: "counted", counter: staticCounter{n: 42}, want: `42`},
		{name: "counter failure", counter: staticCounter{err: errors.New("no encoder")}, want: `"N/A"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, newFakeJobs())
			item := h.addInput(t, "a.jsonl", "raw")

			h.pipeline(WithTokenCounter(tt.counter)).Process(context.Background(), item)

			var meta map[string]json.RawMessage
			raw := h.read(t, h.output.Sub("a"+runSuffix), "a_metadata.jsonl")
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				t.Fatalf("decode metadata: %v", err)
			}
			if string(meta["token_size"]) != tt.want {
				t.Errorf("Expected token_size %s, got %s", tt.want, meta["token_size"])
			}
		})
	}
}

func TestCleanup_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeJobs())
	item := h.addInput(t, "a.jsonl", "raw")
	p := h.pipeline()

	run := newRun(item, fixedNow)
	run.FileID = "file-1"
	run.OutputFileID = "out-1"
	run.ErrorFileID = "err-1"

	p.cleanup(context.Background(), run, p.log)
	first := len(run.Cleanup.Actions)
	deleted := len(h.jobs.deletedIDs())

	p.cleanup(context.Background(), run, p.log)

	if first != 4 {
		t.Errorf("Expected 4 cleanup actions, got %d", first)
	}
	if len(run.Cleanup.Actions) != first {
		t.Errorf("Expected second cleanup to be a no-op, got %d actions", len(run.Cleanup.Actions))
	}
	if len(h.jobs.deletedIDs()) != deleted {
		t.Errorf("Expected no further deletions, got %v", h.jobs.deletedIDs())
	}
}

func TestCleanup_NoIdentifiers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeJobs())
	p := h.pipeline()

	run := newRun(WorkItem{Path: "batch/gone.jsonl"}, fixedNow)
	p.cleanup(context.Background(), run, p.log)
	p.cleanup(context.Background(), run, p.log)

	if len(run.Cleanup.Actions) != 1 {
		t.Fatalf("Expected one action, got %+v", run.Cleanup.Actions)
	}
	if run.Cleanup.OK() {
		t.Error("Expected deleting a missing source to be recorded as failed")
	}
	if !errors.Is(run.Cleanup.Err(), ErrCleanup) {
		t.Errorf("Expected ErrCleanup, got %v", run.Cleanup.Err())
	}
}

func TestCleanup_FailuresAreIndependent(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.deleteErr = errors.New("service unavailable")
	h := newHarness(t, jobs)
	item := h.addInput(t, "a.jsonl", "raw")

	res := h.pipeline().Process(context.Background(), item)

	failed := res.Cleanup.Failed()
	if len(failed) != 2 {
		t.Errorf("Expected input and output deletions to fail, got %+v", failed)
	}
	if action, ok := res.Cleanup.Find(ResourceSourceItem); !ok || !action.OK() {
		t.Errorf("Expected source deletion to still succeed, got %+v", res.Cleanup.Actions)
	}
	if res.Outcome != OutcomeSucceeded {
		t.Errorf("Expected cleanup failures not to change the outcome, got %s", res.Outcome)
	}
}

func TestPipelineRun_AdvanceForwardOnly(t *testing.T) {
	t.Parallel()
	run := newRun(WorkItem{Path: "a.jsonl"}, fixedNow)

	if !run.advance(StageFetching) {
		t.Fatal("Expected advance to fetching")
	}
	if !run.advance(StagePolling) {
		t.Fatal("Expected advance to polling")
	}
	if run.advance(StageUploading) {
		t.Error("Expected backward move to be rejected")
	}
	if run.advance(StagePolling) {
		t.Error("Expected repeated stage to be rejected")
	}
	if run.Stage != StagePolling {
		t.Errorf("Expected stage polling, got %s", run.Stage)
	}
}

func TestProcess_RetrievalFailureKeepsResultFiles(t *testing.T) {
	t.Parallel()
	jobs := newFakeJobs()
	jobs.finish = func(j *batch.Job, content map[string][]byte) {
		// output exists on the service but its content cannot be fetched
		j.Status = batch.JobCompleted
		j.OutputFileID = "out-" + j.ID
	}
	h := newHarness(t, jobs)
	item := h.addInput(t, "a.jsonl", "raw")

	res := h.pipeline().Process(context.Background(), item)

	if res.Outcome != OutcomeErrored {
		t.Errorf("Expected errored, got %s", res.Outcome)
	}
	if !errors.Is(res.Err, ErrRetrieval) {
		t.Fatalf("Expected retrieval error, got %v", res.Err)
	}
	deleted := h.jobs.deletedIDs()
	if slices.Contains(deleted, res.OutputFileID) {
		t.Errorf("Expected output file %s to stay on the service, got deletes %v", res.OutputFileID, deleted)
	}
	if !slices.Contains(deleted, res.FileID) {
		t.Errorf("Expected input file %s deleted, got %v", res.FileID, deleted)
	}
	if _, ok := res.Cleanup.Find(ResourceOutputFile); ok {
		t.Errorf("Expected no output file release, got %+v", res.Cleanup.Actions)
	}
	if got := h.read(t, h.errs.Sub("a"+runSuffix), "a.jsonl"); got != "raw" {
		t.Errorf("Expected raw copy in error location, got %q", got)
	}
	if names := h.listNames(t, h.input); len(names) != 0 {
		t.Errorf("Expected input location to be empty, got %v", names)
	}
}
