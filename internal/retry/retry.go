// Package retry implements bounded retry with exponential backoff, used for
// outbound webhook delivery.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks an error as not worth retrying. A 4xx response from a
// webhook receiver is permanent; a 5xx or a network error is not.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops immediately instead of retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times. The delay doubles after each failed
// attempt, starting from baseDelay, with +-25% jitter so a burst of failed
// deliveries does not retry in lockstep. Do returns early on success, on a
// permanent error (unwrapped), or when ctx is done during a backoff sleep.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt, delay := 0, baseDelay; ; attempt, delay = attempt+1, delay*2 {
		err = fn()
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == maxAttempts-1 {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
	}
}

// jittered spreads delay uniformly over [0.75*delay, 1.25*delay].
func jittered(delay time.Duration) time.Duration {
	spread := int64(delay) / 2
	if spread <= 0 {
		return delay
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	n := int64(binary.LittleEndian.Uint64(b[:])>>1) % (spread + 1)
	return delay - time.Duration(spread/2) + time.Duration(n)
}
