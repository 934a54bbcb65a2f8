package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/errors"
)

// PollConfig bounds one poll loop.
type PollConfig struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	// Deadline is the overall budget for the loop; zero means only ctx bounds it
	Deadline time.Duration
	// CallTimeout bounds each individual check
	CallTimeout time.Duration
	// MaxConsecutiveTimeouts fails the loop once this many checks in a row time out
	MaxConsecutiveTimeouts int
}

// PollConfigFrom combines the polling section with a runtime's per-call timeout.
func PollConfigFrom(p config.PollingConfig, callTimeout time.Duration) PollConfig {
	return PollConfig{
		Interval:               p.Interval,
		MaxInterval:            p.MaxInterval,
		Multiplier:             p.Multiplier,
		Deadline:               p.Deadline,
		CallTimeout:            callTimeout,
		MaxConsecutiveTimeouts: p.MaxConsecutiveTimeouts,
	}
}

// Check is evaluated once per poll. Returning done stops the loop with err.
// A non-nil err with done unset is classified: timeouts count toward the
// consecutive-timeout cap, other retryable errors are polled through, and
// anything else ends the loop.
type Check func(ctx context.Context) (done bool, err error)

// Poll runs check until it reports done, the deadline expires, or too many
// consecutive checks time out. Every expiry surfaces as a transient error so
// the caller records a clear failure instead of hanging.
func Poll(ctx context.Context, cfg PollConfig, check Check) error {
	loopCtx := ctx
	if cfg.Deadline > 0 {
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithTimeout(ctx, cfg.Deadline)
		defer cancel()
	}

	consecutiveTimeouts := 0
	var lastErr error

	for attempt := 0; ; attempt++ {
		done, err := runCheck(loopCtx, cfg.CallTimeout, check)
		if done {
			return err
		}

		switch {
		case err == nil:
			consecutiveTimeouts = 0
		case ctx.Err() != nil:
			return errors.FromContext(ctx.Err(), "poll interrupted")
		case loopCtx.Err() != nil:
			return deadlineError(cfg.Deadline, err)
		case isTimeout(err):
			consecutiveTimeouts++
			lastErr = err
			if cfg.MaxConsecutiveTimeouts > 0 && consecutiveTimeouts >= cfg.MaxConsecutiveTimeouts {
				return errors.Transient(err, fmt.Sprintf("status poll timed out %d times in a row", consecutiveTimeouts)).
					WithDetail("consecutive_timeouts", consecutiveTimeouts)
			}
		case errors.IsRetryable(err):
			consecutiveTimeouts = 0
			lastErr = err
		default:
			return err
		}

		delay := backoff(cfg.Interval, cfg.MaxInterval, cfg.Multiplier, 0, attempt)
		if err := sleep(loopCtx, delay); err != nil {
			if ctx.Err() != nil {
				return errors.FromContext(ctx.Err(), "poll interrupted")
			}
			return deadlineError(cfg.Deadline, lastErr)
		}
		if loopCtx.Err() != nil && ctx.Err() == nil {
			return deadlineError(cfg.Deadline, lastErr)
		}
	}
}

func runCheck(ctx context.Context, timeout time.Duration, check Check) (bool, error) {
	if timeout <= 0 {
		return check(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return check(callCtx)
}

func isTimeout(err error) bool {
	return errors.IsType(err, errors.ErrorTypeTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func deadlineError(deadline time.Duration, lastErr error) error {
	msg := fmt.Sprintf("poll deadline of %s exceeded", deadline)
	if lastErr != nil {
		return errors.Transient(lastErr, msg).WithDetail("deadline", deadline.String())
	}
	return errors.New(errors.ErrorTypeTransient, msg).WithDetail("deadline", deadline.String())
}
