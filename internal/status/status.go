package status

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle position of a task. The numeric values are stored in
// the last decimal digit of a Code and must not change.
type State uint8

const (
	Created  State = 1
	Waiting  State = 2
	Working  State = 3
	Finished State = 4
	Canceled State = 5
)

var stateNames = map[State]string{
	Created:  "created",
	Waiting:  "waiting",
	Working:  "working",
	Finished: "finished",
	Canceled: "canceled",
}

// States lists every valid state in numeric order.
var States = []State{Created, Waiting, Working, Finished, Canceled}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) Valid() bool {
	return s >= Created && s <= Canceled
}

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == Finished || s == Canceled
}

// Runnable reports whether a task in s can be claimed without being stale.
func (s State) Runnable() bool {
	return s == Created || s == Waiting
}

func ParseState(raw string) (State, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for state, candidate := range stateNames {
		if candidate == name {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", raw)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Status is the decoded form of a Code.
type Status struct {
	State    State
	Attempts int
	Time     time.Time
}

func (s Status) Encode() (Code, error) {
	return Encode(s.State, s.Attempts, s.Time)
}

func (s Status) String() string {
	return fmt.Sprintf("%s(attempts=%d, at=%s)", s.State, s.Attempts, s.Time.UTC().Format(time.RFC3339Nano))
}
