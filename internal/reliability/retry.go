package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultReconnectSequence is the wait between reconnect attempts, capped at the last entry
var DefaultReconnectSequence = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

var (
	// ErrEmptySequence is returned when a backoff sequence has no entries
	ErrEmptySequence = errors.New("reliability: backoff sequence is empty")
	// ErrNonRetryable marks a failure that Retry returns without another attempt
	ErrNonRetryable = errors.New("reliability: error is not retryable")
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted after the given
	// number of failed attempts (1-based) and returns the wait before it
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries, -1 for unlimited
	MaxRetries() int
}

// SequenceBackoff waits sequence[min(n-1, len-1)] after the n-th failed attempt
// and retries forever.
type SequenceBackoff struct {
	sequence []time.Duration
}

// NewSequenceBackoff creates a backoff policy from an ordered list of delays
func NewSequenceBackoff(sequence []time.Duration) (*SequenceBackoff, error) {
	if len(sequence) == 0 {
		return nil, ErrEmptySequence
	}
	for i, d := range sequence {
		if d < 0 {
			return nil, fmt.Errorf("reliability: backoff entry %d is negative: %s", i, d)
		}
	}

	copied := make([]time.Duration, len(sequence))
	copy(copied, sequence)
	return &SequenceBackoff{sequence: copied}, nil
}

// Delay returns the wait after the n-th failed attempt (n starts at 1)
func (s *SequenceBackoff) Delay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(s.sequence)-1 {
		idx = len(s.sequence) - 1
	}
	return s.sequence[idx]
}

// ShouldRetry implements RetryPolicy
func (s *SequenceBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	return true, s.Delay(attempt)
}

// MaxRetries implements RetryPolicy
func (s *SequenceBackoff) MaxRetries() int {
	return -1
}

// Sequence returns a copy of the configured delays
func (s *SequenceBackoff) Sequence() []time.Duration {
	copied := make([]time.Duration, len(s.sequence))
	copy(copied, s.sequence)
	return copied
}

// Sleep waits for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Limited stops the wrapped policy after Max retries
type Limited struct {
	Policy RetryPolicy
	Max    int
}

// ShouldRetry implements RetryPolicy
func (l Limited) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt > l.Max {
		return false, 0
	}
	return l.Policy.ShouldRetry(attempt, err)
}

// MaxRetries implements RetryPolicy
func (l Limited) MaxRetries() int {
	return l.Max
}

// Retry calls fn until it succeeds, the policy gives up or ctx ends. An error
// wrapping ErrNonRetryable is returned at once. When ctx ends between
// attempts the returned error wraps both ctx's error and fn's last error.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return withLastError(err, lastErr)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNonRetryable) {
			return err
		}
		lastErr = err

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			return err
		}
		if serr := Sleep(ctx, delay); serr != nil {
			return withLastError(serr, lastErr)
		}
	}
}

func withLastError(err, last error) error {
	if last == nil {
		return err
	}
	return fmt.Errorf("%w (last error: %w)", err, last)
}
