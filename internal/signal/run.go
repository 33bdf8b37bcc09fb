package signal

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds a collector invocation when the caller passes no timeout.
const DefaultTimeout = 5 * time.Second

type collected struct {
	res Result
	err error
}

// Run invokes col for c under its own timeout and folds every failure mode
// into the returned Result. It never blocks longer than timeout, even when the
// collector ignores its context; a late answer is discarded.
func Run(ctx context.Context, col Collector, c Candidate, timeout time.Duration) Result {
	if col == nil {
		return Result{Outcome: OutcomeSkipped, Evidence: Evidence{Note: "collector not configured"}}
	}
	kind := col.Kind()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan collected, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- collected{err: fmt.Errorf("%w: panic: %v", ErrCollectorFailure, p)}
			}
		}()
		res, err := col.Collect(ctx, c)
		done <- collected{res: res, err: err}
	}()

	var out collected
	select {
	case out = <-done:
	case <-ctx.Done():
		select {
		case out = <-done:
		default:
			out = collected{err: ctx.Err()}
		}
	}

	res := normalize(kind, out)
	res.Duration = time.Since(start)
	return res
}

func normalize(kind Kind, out collected) Result {
	res := out.res
	res.Kind = kind

	if out.err != nil {
		res.Score, res.Confidence = 0, 0
		switch {
		case errors.Is(out.err, context.DeadlineExceeded), errors.Is(out.err, ErrCollectorTimeout):
			res.Outcome = OutcomeTimedOut
			res.Error = fmt.Errorf("%w: %s: %v", ErrCollectorTimeout, kind, out.err).Error()
		default:
			res.Outcome = OutcomeFailed
			res.Error = fmt.Errorf("%w: %s: %v", ErrCollectorFailure, kind, out.err).Error()
		}
		return res
	}

	if res.Outcome == "" {
		res.Outcome = OutcomeCompleted
	}
	if res.Outcome != OutcomeCompleted {
		res.Score, res.Confidence = 0, 0
		return res
	}
	res.Score = Clamp(res.Score, 0, 100)
	res.Confidence = Clamp(res.Confidence, 0, 1)
	return res
}
