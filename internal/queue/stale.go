package queue

import (
	"time"

	"modelqueue-worker/internal/status"
)

// IsStale reports whether a working task has gone longer than threshold
// without a transition. It performs no writes; reclaiming is an ordinary
// TryClaim on the stale code.
func IsStale(s status.Status, threshold time.Duration, now time.Time) bool {
	return s.State == status.Working && now.Sub(s.Time) > threshold
}

// due reports whether a created or waiting task may run at now.
func due(s status.Status, now time.Time) bool {
	return s.State.Runnable() && !s.Time.After(now)
}
