// Package logtail streams raw log text for one historic job over a
// dedicated WebSocket connection, fully independent of the control channel.
package logtail

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const dialTimeout = 10 * time.Second

// Tailer is one open tail connection. Close is safe to call at any time,
// any number of times.
type Tailer struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	done      chan struct{}
}

// Open dials the tail endpoint for jobID and forwards every received text
// frame to onLine, verbatim, in arrival order. socketURL is the resolved
// tail endpoint without the job_id parameter.
func Open(ctx context.Context, socketURL, jobID string, onLine func(string)) (*Tailer, error) {
	u, err := url.Parse(socketURL)
	if err != nil {
		return nil, fmt.Errorf("parse tail url %q: %w", socketURL, err)
	}
	q := u.Query()
	q.Set("job_id", jobID)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial tail %s: %w", u, err)
	}

	t := &Tailer{conn: conn, done: make(chan struct{})}
	go t.readLoop(onLine)
	return t, nil
}

func (t *Tailer) readLoop(onLine func(string)) {
	defer close(t.done)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[tail] read error: %v", err)
			}
			return
		}
		onLine(string(data))
	}
}

// Close shuts the tail connection down. Idempotent.
func (t *Tailer) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

// Done is closed once the tail stream has ended.
func (t *Tailer) Done() <-chan struct{} {
	return t.done
}
