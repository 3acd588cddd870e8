// Package session holds the client-side aggregate state of one run-control
// session: connection status, the cached run identifier, and the
// accumulated event log.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/taskmgr818/automl-console/internal/database"
	"github.com/taskmgr818/automl-console/internal/model"
	"github.com/taskmgr818/automl-console/internal/urls"
	"github.com/taskmgr818/automl-console/internal/ws"
)

// LogLine is one entry of the append-only display log. The buffer lives
// for the session and is cleared only by an explicit ClearLog.
type LogLine struct {
	Timestamp time.Time
	Text      string
	Class     string
}

// control is the subset of ws.Controller the session drives. The
// controller's transport handle is exclusively owned through this surface.
type control interface {
	Restart(ctx context.Context, url string) error
	Send(data []byte) bool
	Close() error
	State() ws.State
}

// Session aggregates run-control state. All public operations resolve to
// observable state; none of them panic or propagate transport errors
// beyond their return value.
type Session struct {
	resolver        *urls.Resolver
	controlEndpoint string
	ctrl            control
	db              *database.DB // optional history write-through

	mu       sync.Mutex
	runID    model.RunID
	lines    []LogLine
	state    ws.State
	lastErr  string
	received int
	errors   int
}

// New creates a session wired to its own connection controller. db may be
// nil to disable history persistence. header is attached to every dial.
func New(resolver *urls.Resolver, controlEndpoint string, db *database.DB, opTimeout time.Duration, header http.Header) *Session {
	s := &Session{
		resolver:        resolver,
		controlEndpoint: controlEndpoint,
		db:              db,
	}
	s.ctrl = ws.NewController(s, header, opTimeout)
	return s
}

// Start validates cfg locally, restarts the control connection (closing
// any previous one first), and sends exactly one start action. A cfg that
// is not a JSON object is rejected before any connection is touched.
func (s *Session) Start(ctx context.Context, cfg []byte) error {
	if err := validateConfig(cfg); err != nil {
		s.appendLocal("invalid config: " + err.Error())
		return err
	}

	sockURL := s.resolver.ControlSocketURL(s.controlEndpoint)
	if err := s.ctrl.Restart(ctx, sockURL); err != nil {
		s.appendLocal("restart failed: " + err.Error())
		return fmt.Errorf("start: %w", err)
	}

	data, err := model.StartAction(cfg).Encode()
	if err != nil {
		return err
	}
	if !s.ctrl.Send(data) {
		s.appendLocal("start action dropped: connection unavailable")
		return fmt.Errorf("start: connection unavailable")
	}
	return nil
}

// QueryStatus asks the engine for the current run's status, attaching the
// cached run id when known. A no-op unless connected.
func (s *Session) QueryStatus() {
	s.sendAction(model.StatusAction(s.RunID()))
}

// Cancel requests cancellation of the current run, attaching the cached
// run id when known. A no-op unless connected.
func (s *Session) Cancel() {
	s.sendAction(model.CancelAction(s.RunID()))
}

func (s *Session) sendAction(a model.Action) {
	if s.ctrl.State() != ws.Connected {
		return
	}
	data, err := a.Encode()
	if err != nil {
		s.appendLocal(err.Error())
		return
	}
	s.ctrl.Send(data)
}

// Reconnect re-establishes the control connection without starting a run.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.ctrl.Restart(ctx, s.resolver.ControlSocketURL(s.controlEndpoint))
}

// Shutdown closes the control connection.
func (s *Session) Shutdown() error {
	return s.ctrl.Close()
}

// ClearLog discards the accumulated log lines. Always legal, purely local.
func (s *Session) ClearLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = nil
}

// RunID returns the cached run identifier, or "" when none has arrived.
func (s *Session) RunID() model.RunID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// State returns the current connection state.
func (s *Session) State() ws.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Lines returns a copy of the accumulated log.
func (s *Session) Lines() []LogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogLine, len(s.lines))
	copy(out, s.lines)
	return out
}

// LastError returns the most recent transport error text, or "".
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Counters returns how many messages and transport errors have been seen.
func (s *Session) Counters() (received, transportErrors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received, s.errors
}

// ─────────────────────────────────────────────
// ws.Handler implementation
// ─────────────────────────────────────────────

// OnMessage decodes one inbound frame, caches the run id when the payload
// carries one (absence never clears it), and appends the rendered line.
func (s *Session) OnMessage(data []byte) {
	ev := model.Decode(data)
	line := LogLine{Timestamp: time.Now(), Text: ev.Render(), Class: ev.Class()}

	s.mu.Lock()
	if ev.RunID != "" {
		s.runID = ev.RunID
	}
	s.lines = append(s.lines, line)
	s.received++
	runID := s.runID
	s.mu.Unlock()

	log.Printf("[session] %s", line.Text)
	s.persist(ev, runID, line)
}

// OnStateChange records connection state transitions.
func (s *Session) OnStateChange(state ws.State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	log.Printf("[session] connection %s", state)
}

// OnTransportError records a classified transport failure. Transport
// errors are observable state, never panics.
func (s *Session) OnTransportError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.errors++
	s.mu.Unlock()
	s.appendLocal("transport error: " + err.Error())
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

func (s *Session) appendLocal(text string) {
	s.mu.Lock()
	s.lines = append(s.lines, LogLine{Timestamp: time.Now(), Text: text, Class: "local"})
	s.mu.Unlock()
	log.Printf("[session] %s", text)
}

// persist writes the event through to the history store, tracking run
// lifecycle rows for milestones worth keeping.
func (s *Session) persist(ev model.Event, runID model.RunID, line LogLine) {
	if s.db == nil {
		return
	}
	if err := s.db.AppendEvent(string(runID), line.Class, line.Text); err != nil {
		log.Printf("[session] persist event: %v", err)
	}

	rec := database.RunRecord{RunID: string(ev.RunID)}
	switch {
	case ev.Kind == model.KindEvent && ev.Subtype == model.SubtypeFinished:
		rec.State = "finished"
		rec.ResultPath = ev.ResultPath
	case ev.Kind == model.KindEvent && ev.Subtype == model.SubtypeError:
		rec.State = "error"
		rec.Error = ev.Error
	case ev.Kind == model.KindResult:
		rec.State = ev.Status
	default:
		return
	}
	if rec.RunID == "" {
		rec.RunID = string(runID)
	}
	if rec.RunID == "" {
		return
	}
	if err := s.db.UpsertRun(&rec); err != nil {
		log.Printf("[session] persist run: %v", err)
	}
}

// validateConfig checks that cfg is a syntactically well-formed JSON
// object. The config's field shapes are owned by the engine and pass
// through unvalidated.
func validateConfig(cfg []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(cfg, &obj); err != nil {
		return fmt.Errorf("cfg must be a JSON object: %w", err)
	}
	if obj == nil {
		return fmt.Errorf("cfg must be a JSON object, got null")
	}
	return nil
}
