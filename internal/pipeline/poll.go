package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PollPolicy controls a wait loop on a remote status. The zero MaxWait waits
// until the context is canceled.
type PollPolicy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Exponential bool
	MaxWait     time.Duration
}

func (p PollPolicy) newBackOff() backoff.BackOff {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	if !p.Exponential {
		return backoff.NewConstantBackOff(interval)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	if p.MaxInterval > interval {
		b.MaxInterval = p.MaxInterval
	} else {
		b.MaxInterval = interval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// poll calls check until it reports done, sleeping between attempts. It stops
// early when check fails, when ctx is canceled or when MaxWait elapses, in
// which case the error matches ErrPollTimeout.
func poll(ctx context.Context, policy PollPolicy, check func(ctx context.Context) (bool, error)) error {
	if policy.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, policy.MaxWait, ErrPollTimeout)
		defer cancel()
	}

	b := policy.newBackOff()
	for {
		done, err := check(ctx)
		if err != nil {
			if cause := context.Cause(ctx); errors.Is(cause, ErrPollTimeout) {
				return ErrPollTimeout
			}
			return err
		}
		if done {
			return nil
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return context.Cause(ctx)
		case <-timer.C:
		}
	}
}
