package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"modelqueue-worker/internal/status"
)

// RunOnce claims at most one eligible task, runs h on it and writes the
// outcome back. It never sleeps; callers own the polling cadence.
//
// It returns ErrNoTasks when nothing could be claimed. A handler fault is
// returned as a *CallbackFault alongside the Outcome, after the task has been
// finalized for retry. Undecodable candidates are skipped and never written:
// if nothing was claimed they are returned joined as *status.DecodeError
// values, otherwise they ride along in Outcome.Corrupt. Store failures match
// ErrStoreUnavailable.
func (q *Queue) RunOnce(ctx context.Context, h Handler) (*Outcome, error) {
	ctx, span := q.tracer.Start(ctx, "queue.RunOnce", trace.WithAttributes(attribute.String("queue", q.opts.Name)))
	defer span.End()

	now := q.now()
	candidates, err := q.store.ListEligible(ctx, Filter{
		Now:         now,
		StaleBefore: now.Add(-q.opts.StaleAfter),
		Limit:       q.opts.BatchSize,
	})
	if err != nil {
		storeErrors.WithLabelValues(q.opts.Name, "list").Inc()
		span.SetStatus(codes.Error, "list eligible")
		return nil, &StoreError{Op: "list eligible", Err: err}
	}
	slices.SortStableFunc(candidates, q.opts.Order)

	var corrupt []error
	for _, task := range candidates {
		current, err := task.Status.Decode()
		if err != nil {
			decodeErrors.WithLabelValues(q.opts.Name).Inc()
			q.logger.Error("Task status cannot be decoded; manual remediation required", "task_id", task.ID, "status", int64(task.Status), "error", err)
			corrupt = append(corrupt, err)
			continue
		}

		stale := IsStale(current, q.opts.StaleAfter, now)
		if !stale && !due(current, now) {
			continue
		}
		if stale && q.exhausted(current.Attempts) {
			if err := q.abandon(ctx, task, current); err != nil {
				return nil, err
			}
			continue
		}

		claim, err := q.TryClaim(ctx, task.ID, task.Status)
		if err != nil {
			span.SetStatus(codes.Error, "claim")
			return nil, err
		}
		if claim.Result == LostRace {
			continue
		}
		if stale {
			staleReclaims.WithLabelValues(q.opts.Name).Inc()
			q.logger.Warn("Reclaimed stale task", "task_id", task.ID, "attempt", claim.Status.Attempts, "stale_since", current.Time)
		}
		span.SetAttributes(attribute.String("task_id", task.ID), attribute.Int("attempt", claim.Status.Attempts))
		outcome, err := q.execute(ctx, task, claim, stale, h)
		if outcome != nil && len(corrupt) > 0 {
			outcome.Corrupt = errors.Join(corrupt...)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "execute")
		}
		return outcome, err
	}

	if len(corrupt) > 0 {
		return nil, errors.Join(corrupt...)
	}
	return nil, ErrNoTasks
}

func (q *Queue) execute(ctx context.Context, task Task, claim Claim, reclaimed bool, h Handler) (*Outcome, error) {
	logger := q.logger.With("task_id", task.ID, "attempt", claim.Status.Attempts)

	task.Status = claim.Code
	start := time.Now()
	result, fault := invoke(ctx, h, task)
	handlerDuration.WithLabelValues(q.opts.Name).Observe(time.Since(start).Seconds())
	if fault != nil {
		logger.Error("Task handler fault", "error", fault)
		result = RetryableFailure
	}

	final, applied, err := q.finalize(ctx, task.ID, claim, result)
	if err != nil {
		logger.Error("Failed to finalize task; it will be reclaimed once stale", "result", result.String(), "error", err)
		if fault != nil {
			return nil, errors.Join(err, fault)
		}
		return nil, err
	}
	outcomesTotal.WithLabelValues(q.opts.Name, result.String(), fmt.Sprint(applied)).Inc()
	if !applied {
		logger.Warn("Finalize dropped; task was changed by another writer", "result", result.String())
	} else {
		logger.Debug("Task finalized", "result", result.String(), "state", final.State().String())
	}

	outcome := &Outcome{
		TaskID:    task.ID,
		Attempts:  claim.Status.Attempts,
		Reclaimed: reclaimed,
		Result:    result,
		Claimed:   claim.Code,
		Final:     final,
		Applied:   applied,
		Fault:     fault,
	}
	if fault != nil {
		return outcome, fault
	}
	return outcome, nil
}

func invoke(ctx context.Context, h Handler, task Task) (result Result, fault *CallbackFault) {
	defer func() {
		if r := recover(); r != nil {
			result = RetryableFailure
			fault = &CallbackFault{TaskID: task.ID, Panic: r, Stack: debug.Stack()}
		}
	}()

	result, err := h.Handle(ctx, task)
	if err != nil {
		return RetryableFailure, &CallbackFault{TaskID: task.ID, Err: err}
	}
	if !result.Valid() {
		return RetryableFailure, &CallbackFault{TaskID: task.ID, Err: fmt.Errorf("handler returned invalid result %d", int(result))}
	}
	return result, nil
}

// settle computes the status a finished execution writes back.
func (q *Queue) settle(claimed status.Status, result Result, now time.Time) status.Status {
	next := status.Status{Attempts: claimed.Attempts, Time: status.Next(claimed.Time, now)}
	switch result {
	case Success:
		next.State = status.Finished
	case RetryableFailure:
		if q.exhausted(claimed.Attempts) {
			next.State = status.Canceled
			break
		}
		next.State = status.Waiting
		next.Time = status.Next(claimed.Time, now.Add(q.opts.RetryDelay))
	default:
		next.State = status.Canceled
	}
	return next
}

// finalize writes the outcome guarded by the claim code. The write runs on a
// context detached from ctx so a shutdown does not lose a finished result.
func (q *Queue) finalize(ctx context.Context, id string, claim Claim, result Result) (status.Code, bool, error) {
	next := q.settle(claim.Status, result, q.now())
	code, err := next.Encode()
	if err != nil {
		return 0, false, err
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.FinalizeTimeout)
	defer cancel()
	ok, err := q.store.CompareAndSwap(fctx, id, claim.Code, code)
	if err != nil {
		storeErrors.WithLabelValues(q.opts.Name, "finalize").Inc()
		return 0, false, &StoreError{Op: "finalize", Err: err}
	}
	return code, ok, nil
}

// abandon cancels a stale task that has used up its attempts.
func (q *Queue) abandon(ctx context.Context, task Task, current status.Status) error {
	next := status.Status{State: status.Canceled, Attempts: current.Attempts, Time: status.Next(current.Time, q.now())}
	code, err := next.Encode()
	if err != nil {
		return err
	}
	ok, err := q.store.CompareAndSwap(ctx, task.ID, task.Status, code)
	if err != nil {
		storeErrors.WithLabelValues(q.opts.Name, "abandon").Inc()
		return &StoreError{Op: "abandon", Err: err}
	}
	if ok {
		exhaustedTotal.WithLabelValues(q.opts.Name).Inc()
		q.logger.Warn("Canceled stale task after max attempts", "task_id", task.ID, "attempts", current.Attempts, "max_attempts", q.opts.MaxAttempts)
	}
	return nil
}
