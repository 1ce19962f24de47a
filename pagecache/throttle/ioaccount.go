package throttle

import (
	"context"

	"golang.org/x/time/rate"
)

// IOAccount maps a cache-account priority to an outstanding-request cap,
// implementing spec.md section 6's "cache.create_cache_account(priority)
// → account" surface. It is built on golang.org/x/time/rate.Limiter, a
// direct dependency of the teacher, generalized from the teacher's HTTP
// request-rate use into an I/O-request-rate cap: priority (reference 100)
// scales the sustained rate; the burst of requests the account may issue
// against the serializer concurrently is outstandingLimit, whatever the
// priority.
type IOAccount struct {
	priority int
	limiter  *rate.Limiter
}

// ReferencePriority is the priority spec.md section 6 calls the baseline
// ("priority (reference 100)").
const ReferencePriority = 100

// NewIOAccount creates an account for the given priority. outstandingLimit
// bounds the burst of concurrently in-flight requests; priority scales the
// sustained admission rate relative to ReferencePriority.
func NewIOAccount(priority, outstandingLimit int) *IOAccount {
	if outstandingLimit < 1 {
		outstandingLimit = 1
	}
	rl := rate.Limit(float64(priority) / float64(ReferencePriority) * float64(outstandingLimit))
	if rl <= 0 {
		rl = rate.Limit(1)
	}
	return &IOAccount{
		priority: priority,
		limiter:  rate.NewLimiter(rl, outstandingLimit),
	}
}

// Priority implements blockio.IOAccount.
func (a *IOAccount) Priority() int { return a.priority }

// Wait blocks until a/c's rate limiter admits one more request.
func (a *IOAccount) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}
