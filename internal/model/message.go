package model

import (
	"encoding/json"
	"fmt"
)

// ActionType represents a run-control action sent to the engine
type ActionType string

const (
	ActionStart  ActionType = "start"
	ActionStatus ActionType = "status"
	ActionCancel ActionType = "cancel"
)

// Recognized event subtypes streamed back by the engine. Unknown subtypes
// are rendered generically, never rejected.
const (
	SubtypeLog       = "log"
	SubtypeMilestone = "milestone"
	SubtypeFinished  = "finished"
	SubtypeError     = "error"
)

// RunID is the server-assigned run identifier. It is opaque, unknown until
// the first message carrying one arrives, and never invented client-side.
// Engines emit it as either a JSON string or a number.
type RunID string

// UnmarshalJSON accepts both string and numeric encodings.
func (r *RunID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = RunID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*r = RunID(n.String())
		return nil
	}
	return fmt.Errorf("run_id: unsupported JSON value %s", data)
}

// Action is the client → server control message
type Action struct {
	Type  ActionType      `json:"action_type"`
	RunID RunID           `json:"run_id,omitempty"`
	Cfg   json.RawMessage `json:"cfg,omitempty"`
}

// StartAction builds a start action carrying the engine config verbatim.
// The config's shape is owned by the engine; the client only guarantees it
// is well-formed JSON.
func StartAction(cfg json.RawMessage) Action {
	return Action{Type: ActionStart, Cfg: cfg}
}

// StatusAction builds a status query. runID may be empty, in which case
// the server infers the most recent run.
func StatusAction(runID RunID) Action {
	return Action{Type: ActionStatus, RunID: runID}
}

// CancelAction builds a cancel request. runID may be empty.
func CancelAction(runID RunID) Action {
	return Action{Type: ActionCancel, RunID: runID}
}

// Encode serializes an action for the wire.
func (a Action) Encode() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s action: %w", a.Type, err)
	}
	return data, nil
}
