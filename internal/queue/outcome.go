package queue

import (
	"context"
	"fmt"

	"modelqueue-worker/internal/status"
)

// Result is what a handler reports about one execution.
type Result int

const (
	Success Result = iota + 1
	RetryableFailure
	PermanentFailure
	Cancel
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case PermanentFailure:
		return "permanent_failure"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

func (r Result) Valid() bool {
	return r >= Success && r <= Cancel
}

// Handler runs the work for one claimed task. A returned error, or a panic,
// is a fault: the task is retried and the fault is handed back to the caller
// of RunOnce.
type Handler interface {
	Handle(ctx context.Context, task Task) (Result, error)
}

type HandlerFunc func(ctx context.Context, task Task) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, task Task) (Result, error) {
	return f(ctx, task)
}

// Outcome describes one claimed and finalized task.
type Outcome struct {
	TaskID    string
	Attempts  int
	Reclaimed bool

	// Result is the classified result; faults classify as RetryableFailure.
	Result Result

	Claimed status.Code
	Final   status.Code

	// Applied is false when another writer changed the task after the claim,
	// either a stale reclaim or an operator, and the finalize write was dropped.
	Applied bool
	Fault   *CallbackFault

	// Corrupt joins the *status.DecodeError of candidates skipped in the same
	// poll before this task was claimed.
	Corrupt error
}

// FinalState is the state the finalize write targeted.
func (o *Outcome) FinalState() status.State {
	return o.Final.State()
}

// CallbackFault reports a handler that returned an error or panicked.
type CallbackFault struct {
	TaskID string
	Err    error
	Panic  any
	Stack  []byte
}

func (f *CallbackFault) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("task %s: handler panic: %s", f.TaskID, truncateString(fmt.Sprint(f.Panic), maxFaultLen))
	}
	return fmt.Sprintf("task %s: handler error: %s", f.TaskID, summarizeError(f.Err))
}

func (f *CallbackFault) Unwrap() error {
	return f.Err
}
