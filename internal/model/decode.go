package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an inbound message for rendering
type Kind string

const (
	// KindEvent is a streamed progress event ("type":"event")
	KindEvent Kind = "event"
	// KindProtocolError is a server-level error ("type":"error"), distinct
	// from an application error event
	KindProtocolError Kind = "protocol_error"
	// KindResult is a terminal success/fail notification (top-level "status")
	KindResult Kind = "result"
	// KindUnclassified is the defensive fallback for unrecognized shapes
	KindUnclassified Kind = "unclassified"
	// KindMalformed marks a payload that was not valid JSON
	KindMalformed Kind = "malformed"
)

// Event is a decoded inbound message. Exactly one Kind applies; fields
// beyond RunID are populated per Kind.
type Event struct {
	Kind    Kind
	Subtype string
	RunID   RunID

	// subtype=log
	Logger string
	Level  string
	Msg    string

	// subtype=milestone
	Stage string

	// subtype=finished
	ResultPath string

	// subtype=error and type=error
	Error  string
	Detail string

	// terminal result
	Status string

	// Raw is the full decoded payload, kept for generic rendering of
	// unknown subtypes and result extras. Nil for malformed input.
	Raw map[string]any

	// Text is the raw transport payload for malformed input.
	Text string
}

// wire mirrors every field any recognized message shape may carry.
type wire struct {
	Type       string `json:"type"`
	Subtype    string `json:"subtype"`
	RunID      RunID  `json:"run_id"`
	Logger     string `json:"logger"`
	Level      string `json:"level"`
	Msg        string `json:"msg"`
	Stage      string `json:"stage"`
	ResultPath string `json:"result_path"`
	Error      string `json:"error"`
	Detail     string `json:"detail"`
	Status     string `json:"status"`
}

// Decode classifies one inbound transport payload. It never fails: a
// payload that is not a JSON object yields KindMalformed, and anything
// JSON but unrecognized yields KindUnclassified. The run_id, when present,
// is extracted regardless of which branch the payload lands in.
func Decode(data []byte) Event {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return Event{Kind: KindMalformed, Text: string(data)}
	}

	// Best effort: a field of an unexpected type must not reject the whole
	// payload, it just loses its dedicated rendering.
	var w wire
	_ = json.Unmarshal(data, &w)

	ev := Event{
		RunID:      runIDFrom(raw, w.RunID),
		Subtype:    w.Subtype,
		Logger:     w.Logger,
		Level:      w.Level,
		Msg:        w.Msg,
		Stage:      w.Stage,
		ResultPath: w.ResultPath,
		Error:      w.Error,
		Detail:     w.Detail,
		Status:     w.Status,
		Raw:        raw,
	}

	switch {
	case w.Type == "event":
		ev.Kind = KindEvent
	case w.Type == "error":
		ev.Kind = KindProtocolError
	case w.Status != "":
		ev.Kind = KindResult
	default:
		ev.Kind = KindUnclassified
	}
	return ev
}

// runIDFrom extracts run_id from the generic payload when the typed decode
// could not, so the write-if-present rule holds on every branch.
func runIDFrom(raw map[string]any, decoded RunID) RunID {
	if decoded != "" {
		return decoded
	}
	switch v := raw["run_id"].(type) {
	case string:
		return RunID(v)
	case json.Number:
		return RunID(v.String())
	}
	return ""
}

// Class is the display classification attached to a rendered line.
func (e Event) Class() string {
	if e.Kind == KindEvent {
		switch e.Subtype {
		case SubtypeLog, SubtypeMilestone, SubtypeFinished, SubtypeError:
			return e.Subtype
		}
		return string(KindEvent)
	}
	return string(e.Kind)
}

// Render produces the one-line display form of the message. Recognized
// event subtypes get a dedicated format; everything else degrades to a
// generic tagged dump so new server-side subtypes never break the client.
func (e Event) Render() string {
	switch e.Kind {
	case KindEvent:
		switch e.Subtype {
		case SubtypeLog:
			if e.Logger != "" || e.Level != "" {
				return fmt.Sprintf("%s %s: %s", e.Logger, e.Level, e.Msg)
			}
			return e.Msg
		case SubtypeMilestone:
			return "milestone: " + e.Stage
		case SubtypeFinished:
			return "finished: models saved to " + e.ResultPath
		case SubtypeError:
			return "run error: " + e.Error
		default:
			return fmt.Sprintf("event[%s]: %s", e.Subtype, dump(e.Raw, "type", "subtype"))
		}
	case KindProtocolError:
		return "server error: " + e.Detail
	case KindResult:
		if extra := dump(e.Raw, "status"); extra != "" {
			return fmt.Sprintf("result %s: %s", e.Status, extra)
		}
		return "result " + e.Status
	case KindMalformed:
		return "malformed message: " + e.Text
	default:
		return "unclassified message: " + dump(e.Raw)
	}
}

// dump renders the remaining payload fields as a stable key=value list.
func dump(raw map[string]any, omit ...string) string {
	skip := map[string]bool{}
	for _, k := range omit {
		skip[k] = true
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := json.Marshal(raw[k])
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return strings.Join(parts, " ")
}
