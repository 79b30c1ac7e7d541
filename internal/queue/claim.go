package queue

import (
	"context"
	"time"

	"modelqueue-worker/internal/status"
)

type ClaimResult int

const (
	Claimed ClaimResult = iota + 1
	LostRace
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case LostRace:
		return "lost_race"
	default:
		return "unknown"
	}
}

// Claim is the result of TryClaim. On Claimed, Code is the value now stored
// and guards the finalize write.
type Claim struct {
	Result ClaimResult
	Code   status.Code
	Status status.Status
}

// TryClaim moves a task from observed to working with one more attempt. It
// succeeds only if the stored status still equals observed.
func (q *Queue) TryClaim(ctx context.Context, id string, observed status.Code) (Claim, error) {
	prev, err := observed.Decode()
	if err != nil {
		return Claim{}, err
	}

	attempts := prev.Attempts + 1
	if status.Saturated(attempts) {
		attemptsSaturated.WithLabelValues(q.opts.Name).Inc()
		q.logger.Warn("Attempt counter saturated", "task_id", id, "attempts", attempts, "max", status.MaxAttempts)
	}
	next := status.Status{
		State:    status.Working,
		Attempts: min(attempts, status.MaxAttempts),
		Time:     status.Next(prev.Time, q.now()),
	}
	code, err := next.Encode()
	if err != nil {
		return Claim{}, err
	}

	start := time.Now()
	ok, err := q.store.CompareAndSwap(ctx, id, observed, code)
	claimDuration.WithLabelValues(q.opts.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		storeErrors.WithLabelValues(q.opts.Name, "claim").Inc()
		return Claim{}, &StoreError{Op: "claim", Err: err}
	}
	if !ok {
		claimsTotal.WithLabelValues(q.opts.Name, LostRace.String()).Inc()
		return Claim{Result: LostRace}, nil
	}
	claimsTotal.WithLabelValues(q.opts.Name, Claimed.String()).Inc()
	return Claim{Result: Claimed, Code: code, Status: next}, nil
}
