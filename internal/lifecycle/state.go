package lifecycle

import (
	"fmt"
	"time"

	"github.com/loykin/devpm/internal/registry"
)

// State is the lifecycle phase of one service, derived from its events.
//
// State Machine:
// NotStarted -> Starting -> Running -> Exited | Failed
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateExited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is expected without a new start.
func (s State) Terminal() bool { return s == StateExited || s == StateFailed }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState is the inverse of State.String.
func ParseState(v string) (State, error) {
	for _, s := range []State{StateNotStarted, StateStarting, StateRunning, StateExited, StateFailed} {
		if s.String() == v {
			return s, nil
		}
	}
	return StateNotStarted, fmt.Errorf("unknown lifecycle state %q", v)
}

// Snapshot is the derived state plus the event that produced it.
type Snapshot struct {
	State   State     `json:"state"`
	EventID int64     `json:"event_id,omitempty"`
	Since   time.Time `json:"since,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Transition maps a lifecycle log type to the state it enters.
// ok is false for output events.
func Transition(t registry.LogType) (State, bool) {
	switch t {
	case registry.LogStartInitiated:
		return StateStarting, true
	case registry.LogStarted:
		return StateRunning, true
	case registry.LogExited:
		return StateExited, true
	case registry.LogStartFailed:
		return StateFailed, true
	}
	return StateNotStarted, false
}

// Derive scans events of a single service in id order; the last lifecycle
// event wins. Events must already be scoped to one (project, command).
func Derive(events []registry.LogEvent) Snapshot {
	var snap Snapshot
	for _, e := range events {
		st, ok := Transition(e.Type)
		if !ok || e.ID < snap.EventID {
			continue
		}
		snap = Snapshot{State: st, EventID: e.ID, Since: e.Timestamp, Detail: e.Text()}
	}
	return snap
}

// DeriveAll derives one snapshot per command name from a mixed batch.
func DeriveAll(events []registry.LogEvent) map[string]Snapshot {
	grouped := make(map[string][]registry.LogEvent)
	for _, e := range events {
		grouped[e.CommandName] = append(grouped[e.CommandName], e)
	}
	out := make(map[string]Snapshot, len(grouped))
	for name, evs := range grouped {
		out[name] = Derive(evs)
	}
	return out
}
