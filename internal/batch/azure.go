package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/andresuchdata/batchflow/pkg/logger"
)

// ErrEmptyResponse is returned when the service answers without an identifier.
var ErrEmptyResponse = errors.New("batch: empty response from job service")

// APIError is a non-retryable error response from the service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("job service returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("job service returned %d: %s", e.StatusCode, e.Message)
}

type AzureConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	Timeout    time.Duration
	MaxRetries int
}

// AzureClient implements Service against the Azure OpenAI batch REST API.
type AzureClient struct {
	baseURL    string
	apiKey     string
	apiVersion string
	maxRetries int
	httpClient *http.Client
	newBackOff func() backoff.BackOff
	log        zerolog.Logger
}

func NewAzureClient(cfg AzureConfig) (*AzureClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("job service endpoint must be provided")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("job service api key must be provided")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-10-21"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &AzureClient{
		baseURL:    strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		},
		log: logger.With("job_service"),
	}, nil
}

func (c *AzureClient) UploadInput(ctx context.Context, filename, contentURL string) (*File, error) {
	body := map[string]string{
		"purpose":     PurposeBatch,
		"filename":    filename,
		"content_url": contentURL,
	}
	var file File
	if err := c.do(ctx, http.MethodPost, "/openai/files/import", body, &file); err != nil {
		return nil, fmt.Errorf("import %s: %w", filename, err)
	}
	if file.ID == "" {
		return nil, fmt.Errorf("import %s: %w", filename, ErrEmptyResponse)
	}
	return &file, nil
}

func (c *AzureClient) GetFile(ctx context.Context, fileID string) (*File, error) {
	var file File
	if err := c.do(ctx, http.MethodGet, "/openai/files/"+url.PathEscape(fileID), nil, &file); err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}
	return &file, nil
}

func (c *AzureClient) CreateJob(ctx context.Context, req JobRequest) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodPost, "/openai/batches", req, &job); err != nil {
		return nil, fmt.Errorf("create job for %s: %w", req.InputFileID, err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("create job for %s: %w", req.InputFileID, ErrEmptyResponse)
	}
	return &job, nil
}

func (c *AzureClient) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/openai/batches/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return &job, nil
}

func (c *AzureClient) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodPost, "/openai/batches/"+url.PathEscape(jobID)+"/cancel", nil, &job); err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return &job, nil
}

func (c *AzureClient) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	var content []byte
	if err := c.do(ctx, http.MethodGet, "/openai/files/"+url.PathEscape(fileID)+"/content", nil, &content); err != nil {
		return nil, fmt.Errorf("file content %s: %w", fileID, err)
	}
	return content, nil
}

func (c *AzureClient) DeleteFile(ctx context.Context, fileID string) error {
	if err := c.do(ctx, http.MethodDelete, "/openai/files/"+url.PathEscape(fileID), nil, nil); err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}
	return nil
}

func (c *AzureClient) ListFiles(ctx context.Context) ([]File, error) {
	var page struct {
		Data []File `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/openai/files", nil, &page); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return page.Data, nil
}

// do sends one request, retrying transport errors, 429 and 5xx responses.
// out may be nil, a *[]byte for raw bodies, or a value to decode JSON into.
func (c *AzureClient) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	endpoint := c.baseURL + path + "?api-version=" + url.QueryEscape(c.apiVersion)

	var body []byte
	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("api-key", c.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 300 {
			apiErr := decodeAPIError(resp.StatusCode, body)
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("method", method).Str("path", path).Dur("retry_in", wait).Msg("Job service request failed, retrying")
	}
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return err
	}

	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*v = body
		return nil
	default:
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

var _ Service = (*AzureClient)(nil)
