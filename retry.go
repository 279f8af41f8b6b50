package approvalflow

import (
	"time"

	"github.com/petrijr/approvalflow/pkg/worker"
)

// RetryBuilder assembles the worker.RetryPolicy applied to failed
// notification deliveries:
//
//	approvalflow.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute).Policy()
type RetryBuilder struct {
	policy worker.RetryPolicy
}

// Retry starts a builder allowing maxAttempts deliveries in total.
// Anything below one means a single delivery.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{policy: worker.RetryPolicy{MaxAttempts: max(maxAttempts, 1)}}
}

func (r RetryBuilder) timing(initial time.Duration, multiplier float64, ceiling time.Duration) RetryBuilder {
	r.policy.InitialBackoff = initial
	r.policy.BackoffMultiplier = multiplier
	r.policy.MaxBackoff = ceiling
	return r
}

// WithExponentialBackoff waits initial before the first retry and grows the
// delay by multiplier (2 when not positive) up to ceiling. A ceiling <= 0
// leaves the delay uncapped.
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, ceiling time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	return r.timing(initial, multiplier, ceiling)
}

// WithConstantBackoff waits delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	return r.timing(delay, 1, 0)
}

// Immediate retries without waiting.
func (r RetryBuilder) Immediate() RetryBuilder {
	return r.timing(0, 0, 0)
}

// Policy returns the assembled policy for worker.Config.Retry.
func (r RetryBuilder) Policy() worker.RetryPolicy {
	return r.policy
}
