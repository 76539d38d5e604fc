// Package batch talks to the remote batch inference service: input file
// import, job lifecycle and result file retrieval.
package batch

import "context"

const PurposeBatch = "batch"

// File processing states.
const (
	FileUploaded  = "uploaded"
	FilePending   = "pending"
	FileRunning   = "running"
	FileProcessed = "processed"
	FileError     = "error"
	FileDeleting  = "deleting"
	FileDeleted   = "deleted"
)

// Job states.
const (
	JobValidating = "validating"
	JobInProgress = "in_progress"
	JobFinalizing = "finalizing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobExpired    = "expired"
	JobCancelling = "cancelling"
	JobCanceled   = "canceled"
)

type File struct {
	ID            string `json:"id"`
	Object        string `json:"object,omitempty"`
	Bytes         int64  `json:"bytes,omitempty"`
	CreatedAt     int64  `json:"created_at,omitempty"`
	Filename      string `json:"filename"`
	Purpose       string `json:"purpose"`
	Status        string `json:"status"`
	StatusDetails string `json:"status_details,omitempty"`
}

// FileTerminal reports whether no further transition happens for a file status.
func FileTerminal(status string) bool {
	return status == FileProcessed || status == FileError
}

type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Line    *int   `json:"line,omitempty"`
}

type JobErrors struct {
	Object string     `json:"object,omitempty"`
	Data   []JobError `json:"data"`
}

type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Job is a remote batch job. OutputFileID and ErrorFileID are empty when the
// service has not produced the file.
type Job struct {
	ID               string         `json:"id"`
	Object           string         `json:"object,omitempty"`
	Endpoint         string         `json:"endpoint"`
	InputFileID      string         `json:"input_file_id"`
	CompletionWindow string         `json:"completion_window"`
	Status           string         `json:"status"`
	OutputFileID     string         `json:"output_file_id,omitempty"`
	ErrorFileID      string         `json:"error_file_id,omitempty"`
	Errors           *JobErrors     `json:"errors,omitempty"`
	RequestCounts    *RequestCounts `json:"request_counts,omitempty"`
	CreatedAt        int64          `json:"created_at,omitempty"`
}

// JobTerminal reports whether no further transition happens for a job status.
// Expired jobs never complete so they are terminal too.
func JobTerminal(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobCanceled, JobExpired:
		return true
	}
	return false
}

// InlineErrors returns the job's inline error messages in order.
func (j *Job) InlineErrors() []string {
	if j == nil || j.Errors == nil {
		return nil
	}
	msgs := make([]string, 0, len(j.Errors.Data))
	for _, e := range j.Errors.Data {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

type JobRequest struct {
	InputFileID      string `json:"input_file_id"`
	Endpoint         string `json:"endpoint"`
	CompletionWindow string `json:"completion_window"`
}

// Service is the remote job service. Implementations must be safe for
// concurrent use.
type Service interface {
	// UploadInput imports the file at contentURL as a batch input file.
	UploadInput(ctx context.Context, filename, contentURL string) (*File, error)
	GetFile(ctx context.Context, fileID string) (*File, error)
	CreateJob(ctx context.Context, req JobRequest) (*Job, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	CancelJob(ctx context.Context, jobID string) (*Job, error)
	FileContent(ctx context.Context, fileID string) ([]byte, error)
	DeleteFile(ctx context.Context, fileID string) error
	ListFiles(ctx context.Context) ([]File, error)
}
