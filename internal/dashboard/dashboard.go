package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

//go:embed templates/*
var templates embed.FS

// Stats is the dashboard's snapshot of the console state (pure data)
type Stats struct {
	// Connection
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	ServerURL string `json:"serverUrl"`

	// Current run
	RunID     string `json:"runId,omitempty"`
	LastError string `json:"lastError,omitempty"`

	// Counters
	MessagesReceived int `json:"messagesReceived"`
	TransportErrors  int `json:"transportErrors"`

	// History totals
	TotalRuns    int `json:"totalRuns"`
	FinishedRuns int `json:"finishedRuns"`
	FailedRuns   int `json:"failedRuns"`
	TotalEvents  int `json:"totalEvents"`
	TodayEvents  int `json:"todayEvents"`

	StartTime time.Time `json:"startTime"`
}

// EventLine is one recent log line exposed over the API
type EventLine struct {
	Timestamp time.Time `json:"timestamp"`
	Class     string    `json:"class"`
	Text      string    `json:"text"`
}

// Dashboard serves a local status page for the console
type Dashboard struct {
	snapshotFunc  func() Stats
	eventsFunc    func(limit int) []EventLine
	reconnectFunc func() error
}

// NewDashboard creates a dashboard pulling state through snapshot and
// events callbacks.
func NewDashboard(snapshot func() Stats, events func(limit int) []EventLine) *Dashboard {
	return &Dashboard{snapshotFunc: snapshot, eventsFunc: events}
}

// SetReconnectFunc sets the function to call when reconnect is requested
func (d *Dashboard) SetReconnectFunc(f func() error) {
	d.reconnectFunc = f
}

// ServeHTTP starts the HTTP dashboard server. It shuts down gracefully when ctx is cancelled.
func (d *Dashboard) ServeHTTP(ctx context.Context, addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/stats", d.handleStats)
	mux.HandleFunc("/api/events", d.handleEvents)
	mux.HandleFunc("/api/reconnect", d.handleReconnect)
	mux.HandleFunc("/", d.handleIndex)

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("[dashboard] Starting dashboard server on %s", addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// handleStats returns the current snapshot as JSON
func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.snapshotFunc()); err != nil {
		log.Printf("[dashboard] Failed to encode stats: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleEvents returns the most recent log lines
func (d *Dashboard) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.eventsFunc(100)); err != nil {
		log.Printf("[dashboard] Failed to encode events: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleReconnect triggers a control-channel reconnection
func (d *Dashboard) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if d.reconnectFunc == nil {
		http.Error(w, "Reconnect function not configured", http.StatusInternalServerError)
		return
	}

	log.Printf("[dashboard] Manual reconnect requested")

	if err := d.reconnectFunc(); err != nil {
		log.Printf("[dashboard] Reconnect failed: %v", err)
		http.Error(w, fmt.Sprintf("Reconnect failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleIndex serves the dashboard HTML page
func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data, err := templates.ReadFile("templates/index.html")
	if err != nil {
		log.Printf("[dashboard] Failed to read index.html: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}
