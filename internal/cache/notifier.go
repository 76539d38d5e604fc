package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andresuchdata/batchflow/internal/pipeline"
	"github.com/andresuchdata/batchflow/pkg/logger"
)

// DefaultChannel carries one message per finished item.
const DefaultChannel = "batchflow:item_finished"

// ItemFinishedEvent is the payload published when an item finishes.
type ItemFinishedEvent struct {
	EventType  string `json:"event_type"`
	File       string `json:"file"`
	Outcome    string `json:"outcome"`
	JobID      string `json:"batch_job_id,omitempty"`
	JobStatus  string `json:"job_status,omitempty"`
	OutputDir  string `json:"output_dir,omitempty"`
	ErrorDir   string `json:"error_dir,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp"`
}

// Notifier publishes item completions on a redis channel.
type Notifier struct {
	client  *redis.Client
	channel string
}

// NewNotifier returns nil when client is nil so callers can skip registering it.
func NewNotifier(client *redis.Client, channel string) *Notifier {
	if client == nil {
		return nil
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Notifier{client: client, channel: channel}
}

func (n *Notifier) Publish(ctx context.Context, event ItemFinishedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

func (n *Notifier) ItemStarted(context.Context, pipeline.WorkItem) {}

func (n *Notifier) ItemFinished(ctx context.Context, r *pipeline.Result) {
	event := ItemFinishedEvent{
		EventType:  "item_finished",
		File:       r.Item.Path,
		Outcome:    string(r.Outcome),
		JobID:      r.JobID,
		JobStatus:  r.JobStatus,
		OutputDir:  r.OutputDir,
		ErrorDir:   r.ErrorDir,
		Error:      r.Error(),
		DurationMs: r.Duration().Milliseconds(),
		Timestamp:  r.FinishedAt.UTC().Format(time.RFC3339),
	}
	if err := n.Publish(ctx, event); err != nil {
		logger.Log.Warn().Err(err).Str("file", r.Item.Path).Msg("Could not publish item event")
	}
}

var _ pipeline.Observer = (*Notifier)(nil)
