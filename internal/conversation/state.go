package conversation

import (
	"fmt"
	"strings"
)

// State is the orchestrator's position in an exchange
type State int

const (
	StateIdle State = iota
	StateAwaitingIntent
	StateAwaitingSlot
	StateDispatching
	StatePolling
	StateDone
	StateErrored
)

var stateNames = map[State]string{
	StateIdle:           "IDLE",
	StateAwaitingIntent: "AWAITING_INTENT",
	StateAwaitingSlot:   "AWAITING_SLOT",
	StateDispatching:    "DISPATCHING",
	StatePolling:        "POLLING",
	StateDone:           "DONE",
	StateErrored:        "ERRORED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transient states have a backend call in flight; submits are dropped.
func (s State) Transient() bool {
	return s == StateAwaitingIntent || s == StateDispatching || s == StatePolling
}

// Mode selects how a resolved tool is dispatched. It is fixed per deployment.
type Mode int

const (
	ModeSync     Mode = iota // Tool Invocation Client
	ModePipeline             // Pipeline Client with status polling
)

func (m Mode) String() string {
	if m == ModePipeline {
		return "pipeline"
	}
	return "sync"
}

// ParseMode maps a configured dispatch mode name to a Mode
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sync", "":
		return ModeSync, nil
	case "pipeline":
		return ModePipeline, nil
	default:
		return ModeSync, fmt.Errorf("unknown dispatch mode %q", name)
	}
}
