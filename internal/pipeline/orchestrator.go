package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/andresuchdata/batchflow/pkg/logger"
)

// Mode selects how the orchestrator bounds concurrency.
type Mode string

const (
	// ModeWaves runs consecutive groups of at most W items and waits for a
	// whole group before starting the next one.
	ModeWaves Mode = "waves"
	// ModePool keeps up to W items in flight, starting the next item as soon
	// as any finishes.
	ModePool Mode = "pool"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeWaves, "":
		return ModeWaves, nil
	case ModePool:
		return ModePool, nil
	}
	return "", fmt.Errorf("unknown concurrency mode %q", s)
}

// Orchestrator runs a Processor over a list of items with at most
// concurrency items in flight.
type Orchestrator struct {
	proc        Processor
	concurrency int
	mode        Mode
	observers   []Observer
	now         func() time.Time
	log         zerolog.Logger
}

// NewOrchestrator creates a new Orchestrator. A concurrency below one is treated as one.
func NewOrchestrator(proc Processor, concurrency int, mode Mode, observers ...Observer) *Orchestrator {
	if concurrency < 1 {
		concurrency = 1
	}
	if mode == "" {
		mode = ModeWaves
	}
	return &Orchestrator{
		proc:        proc,
		concurrency: concurrency,
		mode:        mode,
		observers:   observers,
		now:         time.Now,
		log:         logger.With("orchestrator"),
	}
}

func (o *Orchestrator) Concurrency() int { return o.concurrency }

func (o *Orchestrator) Mode() Mode { return o.mode }

// Run processes every item exactly once and returns one result per item, in
// input order. Once ctx is canceled no further item is started and the
// remaining ones are reported as skipped.
func (o *Orchestrator) Run(ctx context.Context, items []WorkItem) []*Result {
	results := make([]*Result, len(items))
	if len(items) == 0 {
		return results
	}

	o.log.Info().
		Int("items", len(items)).
		Int("concurrency", o.concurrency).
		Str("mode", string(o.mode)).
		Msg("Starting batch run")

	if o.mode == ModePool {
		o.runPool(ctx, items, results)
	} else {
		o.runWaves(ctx, items, results)
	}

	skipped := 0
	for i, r := range results {
		if r == nil {
			results[i] = skippedResult(items[i], o.now())
			skipped++
		}
	}
	if skipped > 0 {
		o.log.Warn().Int("skipped", skipped).Msg("Shutdown requested, remaining items were not started")
	}
	return results
}

func (o *Orchestrator) runWaves(ctx context.Context, items []WorkItem, results []*Result) {
	for start, wave := 0, 1; start < len(items); start, wave = start+o.concurrency, wave+1 {
		if ctx.Err() != nil {
			return
		}
		end := min(start+o.concurrency, len(items))
		o.log.Debug().Int("wave", wave).Int("size", end-start).Msg("Starting wave")

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = o.process(ctx, items[i])
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (o *Orchestrator) runPool(ctx context.Context, items []WorkItem, results []*Result) {
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = o.process(ctx, items[i])
			return nil
		})
	}
	_ = g.Wait()
}

// process returns nil when ctx was canceled before the item started.
func (o *Orchestrator) process(ctx context.Context, item WorkItem) *Result {
	if ctx.Err() != nil {
		return nil
	}

	notifyCtx := context.WithoutCancel(ctx)
	for _, obs := range o.observers {
		obs.ItemStarted(notifyCtx, item)
	}

	result := o.proc.Process(ctx, item)

	for _, obs := range o.observers {
		obs.ItemFinished(notifyCtx, result)
	}
	return result
}
