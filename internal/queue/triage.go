package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modelqueue-worker/internal/status"
)

// TaskView is a task with its status decoded for display. DecodeError is set
// instead of the decoded fields when the stored status is corrupt.
type TaskView struct {
	ID          string       `json:"id"`
	Code        status.Code  `json:"code"`
	State       status.State `json:"state,omitempty"`
	Attempts    int          `json:"attempts"`
	UpdatedAt   time.Time    `json:"updated_at,omitempty"`
	Stale       bool         `json:"stale"`
	Payload     []byte       `json:"payload,omitempty"`
	DecodeError string       `json:"decode_error,omitempty"`
}

func NewTaskView(task Task, staleAfter time.Duration, now time.Time) TaskView {
	view := TaskView{ID: task.ID, Code: task.Status, Payload: task.Payload}
	decoded, err := task.Status.Decode()
	if err != nil {
		view.DecodeError = err.Error()
		return view
	}
	view.State = decoded.State
	view.Attempts = decoded.Attempts
	view.UpdatedAt = decoded.Time
	view.Stale = IsStale(decoded, staleAfter, now)
	return view
}

// Inspect loads one task for display.
func Inspect(ctx context.Context, b Backend, id string, staleAfter time.Duration) (TaskView, error) {
	task, err := b.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TaskView{}, err
		}
		return TaskView{}, &StoreError{Op: "get", Err: err}
	}
	return NewTaskView(task, staleAfter, time.Now()), nil
}

// ListTasks lists tasks, optionally restricted to one state.
func ListTasks(ctx context.Context, b Backend, opts ListOptions, staleAfter time.Duration) ([]TaskView, error) {
	tasks, err := b.List(ctx, opts)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	now := time.Now()
	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, NewTaskView(task, staleAfter, now))
	}
	return views, nil
}

// Replay enqueues a fresh copy of a terminal task's payload. The source task
// is left as it is; terminal tasks never re-enter eligibility.
func Replay(ctx context.Context, b Backend, id string, runAt time.Time) (string, error) {
	task, err := b.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", err
		}
		return "", &StoreError{Op: "get", Err: err}
	}
	decoded, err := task.Status.Decode()
	if err == nil && !decoded.State.Terminal() {
		return "", fmt.Errorf("%w: %s is %s; only finished or canceled tasks can be replayed", ErrNotTerminal, id, decoded.State)
	}
	return Enqueue(ctx, b, task.Payload, runAt)
}
