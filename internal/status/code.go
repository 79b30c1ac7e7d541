package status

import (
	"fmt"
	"strconv"
	"time"
)

// Code packs a task's state, attempt count and last transition time into one
// ordered integer:
//
//	code = unixMillis*10000 + attempts*10 + state
//
// The timestamp is the most significant component, so codes order by time
// first. The state sits in the last digit, which lets SQL stores filter on
// status % 10.
type Code int64

const (
	stateBase   = 10
	timeBase    = 10000
	MaxAttempts = 999
)

var (
	MinTime = time.UnixMilli(0).UTC()
	MaxTime = time.Date(9999, time.December, 31, 23, 59, 59, 999_000_000, time.UTC)

	maxMillis = MaxTime.UnixMilli()
)

// DecodeError reports a stored value that does not decode to a valid status.
// Rows carrying one need manual remediation.
type DecodeError struct {
	Code   int64
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("status: cannot decode %d: %s", e.Code, e.Reason)
}

// Encode builds the Code for a status. Attempts above MaxAttempts are clamped;
// use Saturated to detect that case.
func Encode(state State, attempts int, t time.Time) (Code, error) {
	if !state.Valid() {
		return 0, fmt.Errorf("status: invalid state %d", uint8(state))
	}
	if attempts < 0 {
		return 0, fmt.Errorf("status: negative attempts %d", attempts)
	}
	if attempts > MaxAttempts {
		attempts = MaxAttempts
	}
	ms := t.UnixMilli()
	if ms < 0 || ms > maxMillis {
		return 0, fmt.Errorf("status: time %s out of range", t.UTC().Format(time.RFC3339))
	}
	return Code(ms*timeBase + int64(attempts)*stateBase + int64(state)), nil
}

// Saturated reports whether attempts can no longer be represented exactly.
func Saturated(attempts int) bool {
	return attempts > MaxAttempts
}

// Decode is the inverse of Encode. Times come back in UTC at millisecond
// precision.
func (c Code) Decode() (Status, error) {
	raw := int64(c)
	if raw < 0 {
		return Status{}, &DecodeError{Code: raw, Reason: "negative value"}
	}
	state := State(raw % stateBase)
	if !state.Valid() {
		return Status{}, &DecodeError{Code: raw, Reason: fmt.Sprintf("invalid state digit %d", uint8(state))}
	}
	attempts := int((raw / stateBase) % (timeBase / stateBase))
	ms := raw / timeBase
	if ms > maxMillis {
		return Status{}, &DecodeError{Code: raw, Reason: "timestamp out of range"}
	}
	return Status{
		State:    state,
		Attempts: attempts,
		Time:     time.UnixMilli(ms).UTC(),
	}, nil
}

// State returns the raw state digit without validating the rest of the code.
func (c Code) State() State {
	if c < 0 {
		return 0
	}
	return State(int64(c) % stateBase)
}

// Millis returns the raw timestamp component in Unix milliseconds.
func (c Code) Millis() int64 {
	return int64(c) / timeBase
}

func (c Code) Int64() int64 {
	return int64(c)
}

func (c Code) String() string {
	return strconv.FormatInt(int64(c), 10)
}

func Parse(raw string) (Code, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &DecodeError{Code: -1, Reason: fmt.Sprintf("not an integer: %q", raw)}
	}
	return Code(v), nil
}

// Floor is the smallest code whose timestamp equals t at millisecond precision.
func Floor(t time.Time) Code {
	return Code(clampMillis(t) * timeBase)
}

// Ceil is the largest code whose timestamp equals t at millisecond precision.
func Ceil(t time.Time) Code {
	return Code(clampMillis(t)*timeBase + timeBase - 1)
}

// Next returns the timestamp for a successor of a code stamped at prev. It is
// never earlier than now and always at least one millisecond after prev, so the
// successor code is strictly greater.
func Next(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Millisecond)
	floor := prev.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	if now.Before(floor) {
		return floor
	}
	return now
}

func clampMillis(t time.Time) int64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	if ms > maxMillis {
		return maxMillis
	}
	return ms
}
