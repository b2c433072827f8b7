// Package channel maintains the long-lived push connection that carries
// out-of-band entity-change notifications. The client reconnects on its own
// after a fixed delay and keeps dispatching to the registered handlers, so
// callers register once and never manage the connection directly.
package channel

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/doclens-ai/doclens/internal/logging"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Kinds the console currently announces. The set is open: unknown kinds
// still dispatch to handlers whose pattern matches them.
const (
	KindJobCreated    = "job_created"
	KindStatusChanged = "status_changed"
	KindJobDeleted    = "job_deleted"
)

const (
	pingMessage = "ping"
	pongMessage = "pong"

	defaultHeartbeat      = 30 * time.Second
	defaultReconnectDelay = 3 * time.Second
)

// Handler receives one notification. data is the raw JSON of the frame's
// "data" field, nil when the frame carried none.
type Handler func(kind string, data []byte)

// Options configures a channel client.
type Options struct {
	// URL is the full websocket endpoint, ws:// or wss://.
	URL string
	// HeartbeatInterval between ping frames while connected (default 30s).
	HeartbeatInterval time.Duration
	// ReconnectDelay between a lost connection and the next dial (default 3s).
	ReconnectDelay time.Duration
	// Dialer overrides websocket.DefaultDialer, mainly for tests.
	Dialer *websocket.Dialer
}

// URLFromBase derives the channel endpoint from the console's HTTP base URL.
func URLFromBase(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/channel", scheme, u.Host), nil
}

type registration struct {
	id      int64
	pattern string
	fn      Handler
}

type eventKind int

const (
	evConnect eventKind = iota
	evDialOK
	evDialErr
	evConnLost
	evFrame
)

// clientEvent is the run loop's inbox entry. connID ties dial results,
// frames, and disconnects to one physical connection so stale goroutines
// cannot disturb a newer connection.
type clientEvent struct {
	kind   eventKind
	connID string
	conn   *websocket.Conn
	frame  []byte
	err    error
}

// Client is a resilient subscription to the entity-change channel. All
// connection state is owned by a single run goroutine; public methods only
// post messages to it or read snapshots, so handler dispatch is strictly
// ordered per physical connection.
type Client struct {
	opts   Options
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	state    State
	handlers []registration
	nextID   int64
	attempts int

	events    chan clientEvent
	closeOnce sync.Once
}

// NewClient creates a client for the given endpoint. The client starts
// disconnected; call Connect to begin the lifecycle.
func NewClient(opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:   opts,
		log:    logging.Component("channel"),
		ctx:    ctx,
		cancel: cancel,
		state:  StateDisconnected,
		events: make(chan clientEvent, 16),
	}
	go c.run()
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Attempts returns how many reconnects the current outage has cost so far;
// it resets to zero on every successful connect.
func (c *Client) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// On registers a handler for every notification whose kind matches pattern
// ("*" for all, "job_*" style globs, or an exact kind). Registration works
// in any state and never touches the connection. The returned func
// unregisters the handler.
func (c *Client) On(pattern string, fn Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, registration{id: id, pattern: pattern, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, reg := range c.handlers {
			if reg.id == id {
				c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

// Connect asks the run loop to open a connection. It is a no-op when a
// connection is already open, a dial is in flight, or a retry is pending.
func (c *Client) Connect() {
	if c.State() == StateClosed {
		return
	}
	c.post(clientEvent{kind: evConnect})
}

// Close tears the subscription down: the pending heartbeat and reconnect
// timers are cancelled and any open connection is closed. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.cancel()
	})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// post delivers an event to the run loop unless the client is closed.
func (c *Client) post(ev clientEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// run owns the physical connection. Nothing else reads or writes it.
func (c *Client) run() {
	var (
		conn        *websocket.Conn
		connID      string
		pendingDial string
		retry       *time.Timer
		retryC      <-chan time.Time
	)
	policy := backoff.NewConstantBackOff(c.opts.ReconnectDelay)
	heartbeat := time.NewTicker(c.opts.HeartbeatInterval)

	defer func() {
		heartbeat.Stop()
		if retry != nil {
			retry.Stop()
		}
		if conn != nil {
			conn.Close()
		}
		c.log.Debug().Msg("Channel closed")
	}()

	scheduleRetry := func() {
		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()
		c.setState(StateReconnecting)
		delay := policy.NextBackOff()
		retry = time.NewTimer(delay)
		retryC = retry.C
		c.log.Warn().Dur("retry_in", delay).Msg("Channel down, reconnecting")
	}

	startDial := func() {
		id := uuid.NewString()
		pendingDial = id
		c.setState(StateConnecting)
		go c.dial(id)
	}

	dropConn := func(err error) {
		if conn != nil {
			conn.Close()
			conn = nil
		}
		connID = ""
		if err != nil {
			c.log.Warn().Err(err).Msg("Channel connection lost")
		}
		scheduleRetry()
	}

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-heartbeat.C:
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(pingMessage)); err != nil {
				dropConn(err)
			}

		case <-retryC:
			retry = nil
			retryC = nil
			startDial()

		case ev := <-c.events:
			switch ev.kind {
			case evConnect:
				if conn != nil || pendingDial != "" || retryC != nil {
					continue
				}
				startDial()

			case evDialOK:
				if ev.connID != pendingDial {
					// A dial superseded before it landed.
					ev.conn.Close()
					continue
				}
				pendingDial = ""
				conn = ev.conn
				connID = ev.connID
				c.mu.Lock()
				c.attempts = 0
				c.mu.Unlock()
				policy.Reset()
				c.setState(StateConnected)
				c.log.Info().Str("conn_id", connID).Msg("Channel connected")
				go c.readLoop(conn, connID)

			case evDialErr:
				if ev.connID != pendingDial {
					continue
				}
				pendingDial = ""
				c.log.Warn().Err(ev.err).Msg("Channel dial failed")
				scheduleRetry()

			case evConnLost:
				if connID == "" || ev.connID != connID {
					continue
				}
				dropConn(ev.err)

			case evFrame:
				if connID == "" || ev.connID != connID {
					continue
				}
				c.dispatch(ev.frame)
			}
		}
	}
}

func (c *Client) dial(id string) {
	conn, resp, err := c.opts.Dialer.DialContext(c.ctx, c.opts.URL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		c.post(clientEvent{kind: evDialErr, connID: id, err: err})
		return
	}
	if !c.post(clientEvent{kind: evDialOK, connID: id, conn: conn}) {
		conn.Close()
	}
}

func (c *Client) readLoop(conn *websocket.Conn, id string) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.post(clientEvent{kind: evConnLost, connID: id, err: err})
			return
		}
		if !c.post(clientEvent{kind: evFrame, connID: id, frame: msg}) {
			return
		}
	}
}

// dispatch parses one inbound frame and fans it out to matching handlers.
// The heartbeat echo is swallowed before JSON parsing; anything else that
// does not parse is logged and dropped.
func (c *Client) dispatch(frame []byte) {
	if strings.TrimSpace(string(frame)) == pongMessage {
		return
	}
	if !gjson.ValidBytes(frame) {
		c.log.Debug().Str("frame", truncate(frame)).Msg("Dropping unparsable channel frame")
		return
	}
	kind := gjson.GetBytes(frame, "event").String()
	if kind == "" {
		c.log.Debug().Str("frame", truncate(frame)).Msg("Dropping channel frame without event kind")
		return
	}
	var data []byte
	if raw := gjson.GetBytes(frame, "data"); raw.Exists() {
		data = []byte(raw.Raw)
	}

	c.mu.RLock()
	regs := make([]registration, len(c.handlers))
	copy(regs, c.handlers)
	c.mu.RUnlock()

	for _, reg := range regs {
		if matchKind(reg.pattern, kind) {
			reg.fn(kind, data)
		}
	}
}

// matchKind checks a notification kind against a handler pattern. Simple
// prefix/suffix globs are plain string checks; anything more goes through
// doublestar.
func matchKind(pattern, kind string) bool {
	if pattern == "*" {
		return true
	}
	if strings.Contains(pattern, "**") {
		matched, _ := doublestar.Match(pattern, kind)
		return matched
	}
	if strings.HasSuffix(pattern, "*") && !strings.HasPrefix(pattern, "*") {
		return strings.HasPrefix(kind, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") && !strings.HasSuffix(pattern, "*") {
		return strings.HasSuffix(kind, strings.TrimPrefix(pattern, "*"))
	}
	if strings.Contains(pattern, "*") {
		matched, _ := doublestar.Match(pattern, kind)
		return matched
	}
	return pattern == kind
}

func truncate(frame []byte) string {
	const limit = 256
	if len(frame) <= limit {
		return string(frame)
	}
	return string(frame[:limit]) + "..."
}
