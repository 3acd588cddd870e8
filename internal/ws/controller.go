// Package ws owns the single duplex control connection to the engine and
// the lifecycle state machine around it.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MB
	sendBufferSize = 64

	// DefaultOpTimeout bounds the close-confirmation and open waits of a
	// restart cycle.
	DefaultOpTimeout = 10 * time.Second
)

// ErrRestartInFlight is returned when a restart is requested while a
// previous one has not settled. Overlapping restarts are rejected rather
// than queued; the caller retries once the first settles.
var ErrRestartInFlight = errors.New("restart already in progress")

// State is the connection lifecycle state. Transitions are the only source
// of truth for whether Send is permitted.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	// Closing is a transient state entered during an explicit close or
	// restart, left once the transport confirms closure.
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives inbound frames and lifecycle notifications. Calls are
// made outside the controller's lock; implementations may call back into
// the controller.
type Handler interface {
	OnMessage(data []byte)
	OnStateChange(s State)
	OnTransportError(err error)
}

// Controller owns zero-or-one active WebSocket connection. All transport
// primitives go through it; no other component touches the conn directly.
type Controller struct {
	handler   Handler
	header    http.Header
	opTimeout time.Duration

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{} // closed once the current transport is torn down
	restarting bool
}

// NewController creates a controller in the Disconnected state. header is
// attached to every dial; opTimeout <= 0 selects DefaultOpTimeout.
func NewController(handler Handler, header http.Header, opTimeout time.Duration) *Controller {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &Controller{
		handler:   handler,
		header:    header,
		opTimeout: opTimeout,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the transport. Only legal from Disconnected; a transport
// error lands back in Disconnected and is surfaced through the handler as
// well as the return value.
func (c *Controller) Connect(ctx context.Context, rawURL string) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return fmt.Errorf("connect: illegal from state %s", c.state)
	}
	c.state = Connecting
	c.mu.Unlock()
	c.notify(Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, rawURL, c.header)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		c.notify(Disconnected)
		err = fmt.Errorf("dial %s: %w", rawURL, err)
		c.handler.OnTransportError(err)
		return err
	}

	send := make(chan []byte, sendBufferSize)
	done := make(chan struct{})

	c.mu.Lock()
	if c.state != Connecting {
		// Close raced the dial; discard the fresh transport.
		c.state = Disconnected
		c.mu.Unlock()
		conn.Close()
		close(done)
		c.notify(Disconnected)
		return fmt.Errorf("connect: closed while dialing %s", rawURL)
	}
	c.conn = conn
	c.send = send
	c.done = done
	c.state = Connected
	c.mu.Unlock()

	log.Printf("[ws] connected to %s", rawURL)
	c.notify(Connected)

	// Each connection gets its own teardown, fired at most once.
	var once sync.Once
	teardown := func(cause error) {
		once.Do(func() {
			conn.Close()

			c.mu.Lock()
			isCurrent := c.conn == conn
			if isCurrent {
				c.conn = nil
				c.send = nil
				c.state = Disconnected
			}
			c.mu.Unlock()

			if isCurrent {
				log.Printf("[ws] disconnected")
				c.notify(Disconnected)
				if cause != nil {
					c.handler.OnTransportError(cause)
				}
			}
			close(done)
		})
	}

	go c.readPump(conn, teardown)
	go c.writePump(conn, send, done, teardown)
	return nil
}

// Send queues one frame for delivery. Sends in any state but Connected are
// dropped, mirroring the permissive boundary contract; the return value
// reports whether the frame was accepted.
func (c *Controller) Send(data []byte) bool {
	c.mu.Lock()
	if c.state != Connected || c.send == nil {
		c.mu.Unlock()
		return false
	}
	send := c.send
	c.mu.Unlock()

	select {
	case send <- data:
		return true
	default:
		log.Printf("[ws] send buffer full, dropping frame")
		return false
	}
}

// Close initiates closure of the current transport. Legal from Connecting
// or Connected; anywhere else it is a no-op. The state reaches
// Disconnected once the transport confirms closure.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state != Connecting && c.state != Connected {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.state = Closing
	c.mu.Unlock()
	c.notify(Closing)

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
	return nil
}

// Restart closes any existing connection, waits for confirmed closure, and
// only then opens a new one; a replacement transport must never race the
// old one. With no existing connection it degrades to a plain Connect.
// Both waits are bounded by the controller's operation timeout; on timeout
// the transport state is indeterminate and the caller must retry.
func (c *Controller) Restart(ctx context.Context, rawURL string) error {
	c.mu.Lock()
	if c.restarting {
		c.mu.Unlock()
		return ErrRestartInFlight
	}
	c.restarting = true
	done := c.done
	hasConn := c.state != Disconnected
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.restarting = false
		c.mu.Unlock()
	}()

	if hasConn {
		if err := c.Close(); err != nil {
			return err
		}
		if done != nil {
			timer := time.NewTimer(c.opTimeout)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				return fmt.Errorf("restart: close confirmation timed out after %v", c.opTimeout)
			case <-ctx.Done():
				return fmt.Errorf("restart: %w", ctx.Err())
			}
		}
	}
	return c.Connect(ctx, rawURL)
}

func (c *Controller) notify(s State) {
	if c.handler != nil {
		c.handler.OnStateChange(s)
	}
}

func (c *Controller) readPump(conn *websocket.Conn, teardown func(error)) {
	var cause error
	defer func() { teardown(cause) }()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cause = fmt.Errorf("read: %w", err)
			}
			return
		}
		c.handler.OnMessage(message)
	}
}

func (c *Controller) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}, teardown func(error)) {
	ticker := time.NewTicker(pingPeriod)
	var cause error
	defer func() {
		ticker.Stop()
		teardown(cause)
	}()

	for {
		select {
		case message, ok := <-send:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				cause = fmt.Errorf("write: %w", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
