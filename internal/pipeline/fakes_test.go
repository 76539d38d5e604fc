package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/andresuchdata/batchflow/internal/batch"
	"github.com/andresuchdata/batchflow/internal/storage"
)

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

const runSuffix = "_2024-05-01_10_00_00"

// fakeJobs is an in-memory batch.Service. Jobs finish after pollsBeforeDone
// in-progress polls, with finish deciding the terminal state.
type fakeJobs struct {
	mu sync.Mutex

	upload          func(filename string) (*batch.File, error)
	fileStatus      string
	createErr       error
	pollsBeforeDone int
	neverFinish     bool
	finish          func(j *batch.Job, content map[string][]byte)
	deleteErr       error

	seq      int
	uploads  []string
	files    map[string]bool
	jobs     map[string]*batch.Job
	polls    map[string]int
	content  map[string][]byte
	deleted  []string
	canceled []string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		fileStatus: batch.FileProcessed,
		files:      make(map[string]bool),
		jobs:       make(map[string]*batch.Job),
		polls:      make(map[string]int),
		content:    make(map[string][]byte),
	}
}

func completeWithOutput(j *batch.Job, content map[string][]byte) {
	j.Status = batch.JobCompleted
	j.OutputFileID = "out-" + j.ID
	content[j.OutputFileID] = []byte(`{"custom_id":"1","response":"ok"}`)
}

func (f *fakeJobs) UploadInput(ctx context.Context, filename, contentURL string) (*batch.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, contentURL)
	if f.upload != nil {
		return f.upload(filename)
	}
	f.seq++
	id := fmt.Sprintf("file-%d", f.seq)
	f.files[id] = true
	return &batch.File{ID: id, Filename: filename, Purpose: batch.PurposeBatch, Status: batch.FilePending}, nil
}

func (f *fakeJobs) GetFile(ctx context.Context, fileID string) (*batch.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.files[fileID] {
		return nil, fmt.Errorf("no file %s", fileID)
	}
	return &batch.File{ID: fileID, Status: f.fileStatus, StatusDetails: "invalid jsonl"}, nil
}

func (f *fakeJobs) CreateJob(ctx context.Context, req batch.JobRequest) (*batch.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	job := &batch.Job{
		ID:               fmt.Sprintf("batch-%d", f.seq),
		InputFileID:      req.InputFileID,
		Endpoint:         req.Endpoint,
		CompletionWindow: req.CompletionWindow,
		Status:           batch.JobValidating,
	}
	f.jobs[job.ID] = job
	cp := *job
	return &cp, nil
}

func (f *fakeJobs) GetJob(ctx context.Context, jobID string) (*batch.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("no job %s", jobID)
	}
	f.polls[jobID]++
	if !batch.JobTerminal(job.Status) && !f.neverFinish && f.polls[jobID] > f.pollsBeforeDone {
		finish := f.finish
		if finish == nil {
			finish = completeWithOutput
		}
		finish(job, f.content)
		if job.OutputFileID != "" {
			f.files[job.OutputFileID] = true
		}
		if job.ErrorFileID != "" {
			f.files[job.ErrorFileID] = true
		}
	} else if !batch.JobTerminal(job.Status) {
		job.Status = batch.JobInProgress
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobs) CancelJob(ctx context.Context, jobID string) (*batch.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, jobID)
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("no job %s", jobID)
	}
	job.Status = batch.JobCancelling
	cp := *job
	return &cp, nil
}

func (f *fakeJobs) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.content[fileID]
	if !ok {
		return nil, fmt.Errorf("no content for %s", fileID)
	}
	return content, nil
}

func (f *fakeJobs) DeleteFile(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, fileID)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.files, fileID)
	return nil
}

func (f *fakeJobs) ListFiles(ctx context.Context) ([]batch.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]batch.File, 0, len(f.files))
	for id := range f.files {
		out = append(out, batch.File{ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeJobs) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeJobs) canceledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.canceled...)
}

// failingWrites wraps a store and fails every write.
type failingWrites struct {
	storage.ObjectStorage
}

var errDiskFull = errors.New("disk full")

func (failingWrites) WriteContent(ctx context.Context, dir, name string, content []byte) error {
	return errDiskFull
}

type staticCounter struct {
	n   int
	err error
}

func (c staticCounter) Count(content []byte) (int, error) {
	return c.n, c.err
}

type harness struct {
	jobs   *fakeJobs
	store  *storage.FSStore
	local  afero.Fs
	input  storage.Location
	output storage.Location
	errs   storage.Location
	cfg    Config
}

func newHarness(t *testing.T, jobs *fakeJobs) *harness {
	t.Helper()
	local := afero.NewMemMapFs()
	store := storage.NewFSStore(afero.NewMemMapFs(), local)
	return &harness{
		jobs:   jobs,
		store:  store,
		local:  local,
		input:  storage.NewLocation(store, "batch"),
		output: storage.NewLocation(store, "processed"),
		errs:   storage.NewLocation(store, "error"),
		cfg: Config{
			Endpoint:            "/chat/completions",
			CompletionWindow:    "24h",
			ContentBaseURL:      "https://acct.blob.core.windows.net/input",
			FilePoll:            PollPolicy{Interval: time.Millisecond},
			JobPoll:             PollPolicy{Interval: time.Millisecond},
			CompensationTimeout: 5 * time.Second,
		},
	}
}

func (h *harness) pipeline(opts ...Option) *ItemPipeline {
	opts = append([]Option{WithLocalFs(h.local), WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewItemPipeline(h.jobs, h.input, h.output, h.errs, h.cfg, opts...)
}

func (h *harness) addInput(t *testing.T, name, content string) WorkItem {
	t.Helper()
	if err := h.input.Write(context.Background(), name, []byte(content)); err != nil {
		t.Fatalf("seed input %s: %v", name, err)
	}
	return WorkItem{Path: h.input.Key(name)}
}

func (h *harness) read(t *testing.T, loc storage.Location, name string) string {
	t.Helper()
	content, err := loc.Read(context.Background(), name)
	if err != nil {
		t.Fatalf("read %s: %v", loc.Key(name), err)
	}
	return string(content)
}

func (h *harness) listNames(t *testing.T, loc storage.Location) []string {
	t.Helper()
	files, err := loc.List(context.Background())
	if err != nil {
		t.Fatalf("list %s: %v", loc, err)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	return names
}

func (h *harness) exists(t *testing.T, loc storage.Location) bool {
	t.Helper()
	ok, err := loc.Exists(context.Background())
	if err != nil {
		t.Fatalf("exists %s: %v", loc, err)
	}
	return ok
}
