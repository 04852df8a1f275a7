package pipeline

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// DefaultTerminalRetryDelay is the pause before the single retry of a
// terminal state write.
const DefaultTerminalRetryDelay = 250 * time.Millisecond

// RetryOnce runs fn and, if it fails, runs it exactly one more time after
// delay. It is used for terminal run and job transitions, which must not be
// lost to a transient store error but should not stall the pipeline either.
func RetryOnce(ctx context.Context, delay time.Duration, fn func() error) error {
	if delay <= 0 {
		delay = DefaultTerminalRetryDelay
	}
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}
