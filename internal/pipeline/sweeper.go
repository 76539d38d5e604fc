package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/andresuchdata/batchflow/internal/storage"
	"github.com/andresuchdata/batchflow/pkg/logger"
)

// DefaultEmptyPollInterval is how long Watch sleeps when the input location is empty.
const DefaultEmptyPollInterval = 60 * time.Second

// ErrSweepInProgress is returned when a sweep is requested while one is running.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Claimer reserves input items so that concurrent instances never submit the
// same file twice.
type Claimer interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Summary describes one sweep of the input location.
type Summary struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Found      int             `json:"found"`
	Claimed    int             `json:"claimed"`
	Outcomes   map[Outcome]int `json:"outcomes"`
	Results    []*Result       `json:"-"`
}

// Sweeper lists the input location and hands every new file to the orchestrator.
type Sweeper struct {
	input             storage.Location
	orch              *Orchestrator
	claimer           Claimer
	emptyPollInterval time.Duration
	now               func() time.Time
	log               zerolog.Logger

	running   atomic.Bool
	triggered sync.WaitGroup
	mu        sync.RWMutex
	last      *Summary
}

// NewSweeper builds a sweeper. claimer may be nil.
func NewSweeper(input storage.Location, orch *Orchestrator, claimer Claimer, emptyPollInterval time.Duration) *Sweeper {
	if emptyPollInterval <= 0 {
		emptyPollInterval = DefaultEmptyPollInterval
	}
	return &Sweeper{
		input:             input,
		orch:              orch,
		claimer:           claimer,
		emptyPollInterval: emptyPollInterval,
		now:               time.Now,
		log:               logger.With("sweeper"),
	}
}

// Sweep processes the files currently in the input location once.
func (s *Sweeper) Sweep(ctx context.Context) (*Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.running.Store(false)
	return s.sweep(ctx)
}

// Trigger starts a sweep in the background and reports whether it started.
// Use Wait to join triggered sweeps before shutting down.
func (s *Sweeper) Trigger(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	s.triggered.Add(1)
	go func() {
		defer s.triggered.Done()
		defer s.running.Store(false)
		if _, err := s.sweep(ctx); err != nil {
			s.log.Error().Err(err).Msg("Triggered sweep failed")
		}
	}()
	return true
}

// Wait blocks until every sweep started by Trigger has returned, including
// the compensation of its in-flight items.
func (s *Sweeper) Wait() {
	s.triggered.Wait()
}

func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// LastSummary returns the most recent completed sweep, or nil.
func (s *Sweeper) LastSummary() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Sweeper) sweep(ctx context.Context) (*Summary, error) {
	summary := &Summary{StartedAt: s.now(), Outcomes: make(map[Outcome]int)}

	exists, err := s.input.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check input location %s: %w", s.input, err)
	}
	if !exists {
		s.log.Warn().Str("location", s.input.String()).Msg("Input location does not exist")
		summary.FinishedAt = s.now()
		s.store(summary)
		return summary, nil
	}

	files, err := s.input.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list input location %s: %w", s.input, err)
	}
	summary.Found = len(files)

	items := make([]WorkItem, 0, len(files))
	for _, f := range files {
		if s.claimer != nil {
			ok, err := s.claimer.Claim(ctx, f.Key)
			if err != nil {
				s.log.Warn().Err(err).Str("file", f.Key).Msg("Could not claim file, skipping")
				continue
			}
			if !ok {
				s.log.Debug().Str("file", f.Key).Msg("File claimed by another worker")
				continue
			}
		}
		items = append(items, WorkItem{Path: f.Key})
	}
	summary.Claimed = len(items)

	if len(items) > 0 {
		s.log.Info().Int("found", summary.Found).Int("claimed", summary.Claimed).Msg("Processing input files")
		summary.Results = s.orch.Run(ctx, items)
		for _, r := range summary.Results {
			summary.Outcomes[r.Outcome]++
			// claims only guard items in flight; a file that reappears under
			// the same key, or one left in place after a failure, is picked
			// up again by the next sweep
			if s.claimer != nil {
				if err := s.claimer.Release(context.WithoutCancel(ctx), r.Item.Path); err != nil {
					s.log.Warn().Err(err).Str("file", r.Item.Path).Msg("Could not release claim")
				}
			}
		}
	}

	summary.FinishedAt = s.now()
	s.store(summary)
	s.log.Info().
		Int("found", summary.Found).
		Interface("outcomes", summary.Outcomes).
		Dur("duration", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("Sweep finished")
	return summary, nil
}

// Failures counts items that need an operator: errored items and items whose
// artifacts could not be written.
func (s *Summary) Failures() int {
	n := 0
	for _, r := range s.Results {
		if r.Outcome == OutcomeErrored || errors.Is(r.Err, ErrPersistence) {
			n++
		}
	}
	return n
}

// progressed reports whether any item got past the fetch stage.
func (s *Summary) progressed() bool {
	for _, r := range s.Results {
		if r.Outcome != OutcomeSkipped && !errors.Is(r.Err, ErrFetch) {
			return true
		}
	}
	return false
}

func (s *Sweeper) store(summary *Summary) {
	s.mu.Lock()
	s.last = summary
	s.mu.Unlock()
}

// Watch sweeps until ctx is canceled, sleeping for the empty poll interval
// whenever a sweep finds nothing to do.
func (s *Sweeper) Watch(ctx context.Context) error {
	s.log.Info().Dur("empty_poll_interval", s.emptyPollInterval).Msg("Watching input location")
	for {
		if ctx.Err() != nil {
			return nil
		}

		summary, err := s.Sweep(ctx)
		idle := false
		switch {
		case errors.Is(err, ErrSweepInProgress):
			idle = true
		case err != nil:
			s.log.Error().Err(err).Msg("Sweep failed")
			idle = true
		case summary.Claimed == 0:
			s.log.Info().Dur("sleep", s.emptyPollInterval).Msg("No files found, sleeping")
			idle = true
		case !summary.progressed():
			// unreadable files stay in place; avoid spinning on them
			idle = true
		}

		if !idle {
			continue
		}
		timer := time.NewTimer(s.emptyPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
