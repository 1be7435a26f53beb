// Package retry runs an operation under a fixed attempt budget with a fixed
// delay between attempts.
package retry

import (
	"context"
	"time"
)

// Action tells Do what to do with a failed attempt.
type Action int

const (
	// Abort returns the error immediately.
	Abort Action = iota
	// Retry waits the policy delay and tries again.
	Retry
	// RetryNow tries again without waiting.
	RetryNow
)

// Classifier decides the Action for an error returned by an attempt.
type Classifier func(err error) Action

// NotifyFn is called before every retry with the 1-based number of the
// attempt that failed.
type NotifyFn func(attempt int, attempts int, err error)

// Policy is the retry budget shared by every call site. Count is the number
// of attempts allowed beyond the first.
type Policy struct {
	Count int
	Delay time.Duration
}

// Always retries every error with the policy delay.
func Always(error) Action {
	return Retry
}

// Attempts returns the total number of attempts the policy allows.
func (p Policy) Attempts() int {
	if p.Count < 0 {
		return 1
	}
	return p.Count + 1
}

// Do calls fn until it succeeds, the classifier aborts, the budget is spent,
// or ctx is done. The last error from fn is returned on exhaustion.
func (p Policy) Do(
	ctx context.Context,
	classify Classifier,
	notify NotifyFn,
	fn func() error,
) error {
	if classify == nil {
		classify = Always
	}

	attempts := p.Attempts()

	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		err = fn()
		if err == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		action := classify(err)
		if action == Abort {
			return err
		}

		if notify != nil {
			notify(attempt, attempts, err)
		}

		if action == Retry {
			if sleepErr := Sleep(ctx, p.Delay); sleepErr != nil {
				return err
			}
		}
	}

	return err
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
