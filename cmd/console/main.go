package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/taskmgr818/automl-console/internal/config"
	"github.com/taskmgr818/automl-console/internal/dashboard"
	"github.com/taskmgr818/automl-console/internal/database"
	"github.com/taskmgr818/automl-console/internal/engine"
	"github.com/taskmgr818/automl-console/internal/logtail"
	"github.com/taskmgr818/automl-console/internal/session"
	"github.com/taskmgr818/automl-console/internal/urls"
	"github.com/taskmgr818/automl-console/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	resolver, err := urls.NewResolver(cfg.Server.URL, cfg.Server.Base, cfg.Server.WS)
	if err != nil {
		log.Fatalf("Failed to resolve engine location: %v", err)
	}

	log.Printf("Starting console %s", cfg.Client.ID)
	log.Printf("Engine base: %s", resolver.Base())

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open history store: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	header := http.Header{}
	header.Set("X-Client-ID", cfg.Client.ID)
	opTimeout := time.Duration(cfg.Timeouts.OpSeconds) * time.Second

	sess := session.New(resolver, cfg.Server.ControlEndpoint, db, opTimeout, header)
	eng := engine.NewClient(resolver)

	if cfg.Dashboard.Enabled {
		dash := newDashboard(sess, db, cfg.Server.URL)
		dash.SetReconnectFunc(func() error { return sess.Reconnect(ctx) })
		go func() {
			if err := dash.ServeHTTP(ctx, cfg.Dashboard.Address); err != nil {
				log.Printf("[dashboard] server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutting down...")
		cancel()
		sess.Shutdown()
		os.Exit(0)
	}()

	runLoop(ctx, sess, eng, resolver)

	sess.Shutdown()
}

// newDashboard wires the dashboard's pull callbacks to live session state
// and history totals.
func newDashboard(sess *session.Session, db *database.DB, serverURL string) *dashboard.Dashboard {
	snapshot := func() dashboard.Stats {
		received, errors := sess.Counters()
		st := dashboard.Stats{
			Connected:        sess.State() == ws.Connected,
			State:            sess.State().String(),
			ServerURL:        serverURL,
			RunID:            string(sess.RunID()),
			LastError:        sess.LastError(),
			MessagesReceived: received,
			TransportErrors:  errors,
			StartTime:        startTime,
		}
		if agg, err := db.GetAggregateStats(); err == nil {
			st.TotalRuns = agg.TotalRuns
			st.FinishedRuns = agg.FinishedRuns
			st.FailedRuns = agg.FailedRuns
			st.TotalEvents = agg.TotalEvents
			st.TodayEvents = agg.TodayEvents
		}
		return st
	}
	events := func(limit int) []dashboard.EventLine {
		lines := sess.Lines()
		if len(lines) > limit {
			lines = lines[len(lines)-limit:]
		}
		out := make([]dashboard.EventLine, len(lines))
		for i, l := range lines {
			out[i] = dashboard.EventLine{Timestamp: l.Timestamp, Class: l.Class, Text: l.Text}
		}
		return out
	}
	return dashboard.NewDashboard(snapshot, events)
}

var startTime = time.Now()

const usage = `Commands:
  start <cfg.json | inline JSON>   start a training run
  status                           query current run status
  cancel                           cancel the current run
  jobs                             list historic jobs
  tail <job_id>                    stream logs for a job
  untail                           stop the log stream
  infer <job_id> <test> <out> [p]  run inference (p enables probabilities)
  log                              print the session log
  clear                            clear the session log
  quit                             exit
`

func runLoop(ctx context.Context, sess *session.Session, eng *engine.Client, resolver *urls.Resolver) {
	var tailer *logtail.Tailer
	defer func() {
		if tailer != nil {
			tailer.Close()
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print(usage)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "start":
			if len(fields) < 2 {
				fmt.Println("usage: start <cfg.json | inline JSON>")
				continue
			}
			cfg, err := readRunConfig(strings.Join(fields[1:], " "))
			if err != nil {
				fmt.Printf("bad config: %v\n", err)
				continue
			}
			if err := sess.Start(ctx, cfg); err != nil {
				fmt.Printf("start failed: %v\n", err)
				continue
			}
			fmt.Println("run started, streaming events")

		case "status":
			sess.QueryStatus()

		case "cancel":
			sess.Cancel()

		case "jobs":
			jobs, err := eng.ListJobs(ctx)
			if err != nil {
				fmt.Printf("list jobs failed: %v\n", err)
				continue
			}
			for _, id := range jobs {
				fmt.Println(id)
			}

		case "tail":
			if len(fields) != 2 {
				fmt.Println("usage: tail <job_id>")
				continue
			}
			if tailer != nil {
				tailer.Close()
			}
			t, err := logtail.Open(ctx, resolver.SocketURL("ws"), fields[1], func(line string) {
				fmt.Print(line)
			})
			if err != nil {
				fmt.Printf("tail failed: %v\n", err)
				continue
			}
			tailer = t

		case "untail":
			if tailer != nil {
				tailer.Close()
				tailer = nil
			}

		case "infer":
			if len(fields) < 4 {
				fmt.Println("usage: infer <job_id> <test_path> <output_path> [p]")
				continue
			}
			req := engine.InferenceRequest{
				JobID:      fields[1],
				TestPath:   fields[2],
				OutputPath: fields[3],
				Proba:      len(fields) > 4 && fields[4] == "p",
			}
			res, err := eng.Inference(ctx, req)
			if err != nil {
				fmt.Printf("inference failed: %v\n", err)
				continue
			}
			fmt.Printf("predictions written to %s\n", res.OutputPath)
			if len(res.Result) > 0 {
				fmt.Println(string(res.Result))
			}

		case "log":
			for _, l := range sess.Lines() {
				fmt.Printf("%s [%s] %s\n", l.Timestamp.Format(time.TimeOnly), l.Class, l.Text)
			}

		case "clear":
			sess.ClearLog()

		case "quit", "exit":
			return

		default:
			fmt.Print(usage)
		}
	}
}

// readRunConfig accepts either inline JSON or a path to a JSON file, and
// checks the result parses before it goes anywhere near the wire.
func readRunConfig(arg string) (json.RawMessage, error) {
	raw := []byte(arg)
	if !strings.HasPrefix(strings.TrimSpace(arg), "{") {
		data, err := os.ReadFile(arg)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	var check map[string]any
	if err := json.Unmarshal(raw, &check); err != nil {
		return nil, err
	}
	return raw, nil
}
