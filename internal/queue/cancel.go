package queue

import (
	"context"
	"errors"
	"fmt"

	"modelqueue-worker/internal/status"
)

// Transition force-moves a task to state using the same compare-and-swap the
// workers use, guarded by the code the operator observed. Terminal tasks
// never move. A corrupt observed code may be repaired to any target; the
// attempt counter restarts at zero in that case.
//
// It returns the new code, or ErrConflict if the task changed since observed.
func (q *Queue) Transition(ctx context.Context, id string, observed status.Code, to status.State) (status.Code, error) {
	switch to {
	case status.Waiting, status.Finished, status.Canceled:
	default:
		return 0, fmt.Errorf("cannot force a task into %s", to)
	}

	next := status.Status{State: to}
	prev, err := observed.Decode()
	var decodeErr *status.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		q.logger.Warn("Repairing undecodable task status", "task_id", id, "status", int64(observed), "target", to.String())
		next.Time = q.now()
	case err != nil:
		return 0, err
	case prev.State.Terminal():
		return 0, fmt.Errorf("%w: %s is %s", ErrTerminal, id, prev.State)
	default:
		next.Attempts = prev.Attempts
		next.Time = status.Next(prev.Time, q.now())
	}

	code, err := next.Encode()
	if err != nil {
		return 0, err
	}
	ok, err := q.store.CompareAndSwap(ctx, id, observed, code)
	if err != nil {
		storeErrors.WithLabelValues(q.opts.Name, "transition").Inc()
		return 0, &StoreError{Op: "transition", Err: err}
	}
	if !ok {
		adminTransitions.WithLabelValues(q.opts.Name, to.String(), "conflict").Inc()
		return 0, fmt.Errorf("%w: %s", ErrConflict, id)
	}
	adminTransitions.WithLabelValues(q.opts.Name, to.String(), "applied").Inc()
	q.logger.Info("Task transitioned by operator", "task_id", id, "from", observed.State().String(), "to", to.String())
	return code, nil
}

// Cancel moves a non-terminal task to canceled. A worker still running it
// will see its finalize write dropped.
func (q *Queue) Cancel(ctx context.Context, id string, observed status.Code) (status.Code, error) {
	return q.Transition(ctx, id, observed, status.Canceled)
}
