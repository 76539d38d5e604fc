package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/andresuchdata/batchflow/internal/storage"
)

type mapClaimer struct {
	mu       sync.Mutex
	taken    map[string]bool
	released []string
}

func newMapClaimer(taken ...string) *mapClaimer {
	c := &mapClaimer{taken: make(map[string]bool)}
	for _, k := range taken {
		c.taken[k] = true
	}
	return c
}

func (c *mapClaimer) Claim(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.taken[key] {
		return false, nil
	}
	c.taken[key] = true
	return true, nil
}

func (c *mapClaimer) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.taken, key)
	c.released = append(c.released, key)
	return nil
}

func TestSweeper_Sweep(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeJobs())
	h.addInput(t, "a.jsonl", "1")
	h.addInput(t, "b.jsonl", "2")
	h.addInput(t, "c.jsonl", "3")
	claimer := newMapClaimer("batch/c.jsonl")

	s := NewSweeper(h.input, NewOrchestrator(h.pipeline(), 2, ModeWaves), claimer, time.Millisecond)
	summary, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if summary.Found != 3 || summary.Claimed != 2 {
		t.Errorf("Expected 3 found and 2 claimed, got %d and %d", summary.Found, summary.Claimed)
	}
	if summary.Outcomes[OutcomeSucceeded] != 2 {
		t.Errorf("Expected 2 succeeded, got %v", summary.Outcomes)
	}
	names := h.listNames(t, h.input)
	if len(names) != 1 || names[0] != "c.jsonl" {
		t.Errorf("Expected only the unclaimed file to remain, got %v", names)
	}
	if s.LastSummary() != summary {
		t.Error("Expected last summary to be stored")
	}
}

func TestSweeper_MissingInputLocation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeJobs())

	s := NewSweeper(storage.NewLocation(h.store, "nowhere"), NewOrchestrator(h.pipeline(), 1, ModeWaves), nil, 0)
	summary, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if summary.Found != 0 {
		t.Errorf("Expected nothing found, got %d", summary.Found)
	}
	if s.emptyPollInterval != DefaultEmptyPollInterval {
		t.Errorf("Expected default empty poll interval, got %v", s.emptyPollInterval)
	}
}

func TestSweeper_SingleFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeJobs())
	s := NewSweeper(h.input, NewOrchestrator(h.pipeline(), 1, ModeWaves), nil, time.Millisecond)

	s.running.Store(true)
	if _, err := s.Sweep(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Errorf("Expected ErrSweepInProgress, got %v", err)
	}
	if s.Trigger(context.Background()) {
		t.Error("Expected Trigger to refuse while a sweep runs")
	}
	s.running.Store(false)

	h.addInput(t, "a.jsonl", "1")
	if !s.Trigger(context.Background()) {
		t.Fatal("Expected Trigger to start a sweep")
	}
	s.Wait()
	if s.Running() {
		t.Error("Expected no sweep running after Wait")
	}
	if s.LastSummary() == nil || s.LastSummary().Claimed != 1 {
		t.Errorf("Expected triggered sweep to process one file, got %+v", s.LastSummary())
	}
}

func TestSweeper_WatchStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeJobs())
	h.addInput(t, "a.jsonl", "1")
	s := NewSweeper(h.input, NewOrchestrator(h.pipeline(), 1, ModeWaves), nil, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean exit, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop after cancellation")
	}
	if names := h.listNames(t, h.input); len(names) != 0 {
		t.Errorf("Expected the file to be processed, got %v", names)
	}
}

func TestSweeper_ReleasesSkippedClaims(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeJobs())
	h.addInput(t, "a.jsonl", "1")
	h.addInput(t, "b.jsonl", "2")
	claimer := newMapClaimer()

	ctx, cancel := context.WithCancel(context.Background())
	proc := &recordingProcessor{onStart: func(WorkItem) { cancel() }}
	s := NewSweeper(h.input, NewOrchestrator(proc, 1, ModeWaves), claimer, time.Millisecond)

	summary, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if summary.Outcomes[OutcomeSkipped] != 1 {
		t.Errorf("Expected one skipped item, got %v", summary.Outcomes)
	}
	if !slices.Contains(claimer.released, "batch/b.jsonl") {
		t.Errorf("Expected the skipped claim to be released, got %v", claimer.released)
	}
	if len(claimer.taken) != 0 {
		t.Errorf("Expected no claims held, got %v", claimer.taken)
	}
}

type processorFunc func(ctx context.Context, item WorkItem) *Result

func (f processorFunc) Process(ctx context.Context, item WorkItem) *Result {
	return f(ctx, item)
}

func TestSweeper_ReclaimsReappearingFile(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeJobs())
	claimer := newMapClaimer()
	s := NewSweeper(h.input, NewOrchestrator(h.pipeline(), 1, ModeWaves), claimer, time.Millisecond)

	for round := 1; round <= 2; round++ {
		h.addInput(t, "a.jsonl", fmt.Sprintf("round %d", round))
		summary, err := s.Sweep(context.Background())
		if err != nil {
			t.Fatalf("Sweep %d failed: %v", round, err)
		}
		if summary.Claimed != 1 || summary.Outcomes[OutcomeSucceeded] != 1 {
			t.Errorf("Sweep %d: expected one claimed and succeeded, got claimed=%d outcomes=%v", round, summary.Claimed, summary.Outcomes)
		}
		if names := h.listNames(t, h.input); len(names) != 0 {
			t.Errorf("Sweep %d: expected input location to be empty, got %v", round, names)
		}
	}
	if len(claimer.taken) != 0 {
		t.Errorf("Expected no claims held after sweeps, got %v", claimer.taken)
	}
}

func TestSweeper_RetriesFetchFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeJobs())
	h.addInput(t, "a.jsonl", "1")
	claimer := newMapClaimer()

	var mu sync.Mutex
	calls := 0
	proc := processorFunc(func(ctx context.Context, item WorkItem) *Result {
		mu.Lock()
		calls++
		mu.Unlock()
		return &Result{Item: item, Outcome: OutcomeErrored, Err: fmt.Errorf("%w: unreadable", ErrFetch)}
	})
	s := NewSweeper(h.input, NewOrchestrator(proc, 1, ModeWaves), claimer, time.Millisecond)

	for round := 1; round <= 2; round++ {
		summary, err := s.Sweep(context.Background())
		if err != nil {
			t.Fatalf("Sweep %d failed: %v", round, err)
		}
		if summary.Claimed != 1 {
			t.Errorf("Sweep %d: expected the file to be claimed again, got %d", round, summary.Claimed)
		}
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestSweeper_WaitJoinsTriggeredSweep(t *testing.T) {
	t.Parallel()
	h := newHarness(t, newFakeJobs())
	h.addInput(t, "a.jsonl", "1")

	finished := make(chan struct{})
	proc := processorFunc(func(ctx context.Context, item WorkItem) *Result {
		time.Sleep(20 * time.Millisecond)
		close(finished)
		return &Result{Item: item, Outcome: OutcomeSucceeded}
	})
	s := NewSweeper(h.input, NewOrchestrator(proc, 1, ModeWaves), nil, time.Millisecond)

	if !s.Trigger(context.Background()) {
		t.Fatal("Expected Trigger to start a sweep")
	}
	s.Wait()

	select {
	case <-finished:
	default:
		t.Fatal("Expected Wait to return after the triggered item finished")
	}
	if s.LastSummary() == nil {
		t.Error("Expected the triggered sweep summary to be stored")
	}
}

func TestSummary_Failures(t *testing.T) {
	t.Parallel()
	persistErr := &StageError{Stage: StagePersistingResult, Kind: ErrPersistence, Err: errDiskFull}

	tests := []struct {
		name    string
		results []*Result
		want    int
	}{
		{"none", nil, 0},
		{"succeeded and failed", []*Result{{Outcome: OutcomeSucceeded}, {Outcome: OutcomeFailed}}, 0},
		{"errored", []*Result{{Outcome: OutcomeErrored}, {Outcome: OutcomeSucceeded}}, 1},
		{"artifacts not written", []*Result{{Outcome: OutcomeSucceeded, Err: persistErr}, {Outcome: OutcomeFailed, Err: persistErr}}, 2},
		{"skipped", []*Result{{Outcome: OutcomeSkipped, Err: context.Canceled}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Summary{Results: tt.results}
			if got := s.Failures(); got != tt.want {
				t.Errorf("Expected %d failures, got %d", tt.want, got)
			}
		})
	}
}
