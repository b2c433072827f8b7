// Package session drives streamed conversation turns: one controller per
// chat surface, one accumulator per in-flight turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/doclens-ai/doclens/internal/api"
	"github.com/doclens-ai/doclens/internal/event"
	"github.com/doclens-ai/doclens/internal/logging"
	"github.com/doclens-ai/doclens/internal/stream"
	"github.com/doclens-ai/doclens/internal/thread"
	"github.com/doclens-ai/doclens/pkg/types"
)

// TurnState is the controller's per-turn lifecycle state.
type TurnState string

const (
	StateIdle      TurnState = "idle"
	StateSending   TurnState = "sending"
	StateStreaming TurnState = "streaming"
	StateCompleted TurnState = "completed"
	StateErrored   TurnState = "errored"
	StateCancelled TurnState = "cancelled"
)

// Snapshot is a read-only view of a controller for rendering. History and
// Current are deep copies.
type Snapshot struct {
	ThreadID  string
	State     TurnState
	History   []types.Turn
	Current   *types.Turn
	Streaming bool
	LastErr   error
}

type sendConfig struct {
	threadID    *string
	documentIDs []string
}

// SendOption adjusts one Send call.
type SendOption func(*sendConfig)

// WithThread binds the turn (and the controller) to a thread.
func WithThread(id string) SendOption {
	return func(cfg *sendConfig) { cfg.threadID = &id }
}

// WithDocumentScope restricts retrieval to the given documents.
func WithDocumentScope(ids ...string) SendOption {
	return func(cfg *sendConfig) { cfg.documentIDs = ids }
}

// Controller orchestrates streamed turns for one conversation surface.
//
// At most one turn is in flight per controller; a newer Send cancels the
// previous turn first. Controllers for different surfaces are fully
// independent: make one per panel. All methods are safe for concurrent
// use.
type Controller struct {
	api      *api.Client
	registry *thread.Registry
	bus      *event.Bus
	log      zerolog.Logger

	// sendMu serializes Send/Cancel/Bind so the at-most-one-active-turn
	// rule holds across their cancel-then-start sections.
	sendMu sync.Mutex

	mu            sync.Mutex
	threadID      string
	state         TurnState
	history       []types.Turn
	current       *Accumulator
	pendingUserID string
	cancelStream  context.CancelFunc
	cancelled     bool
	lastErr       error
	done          chan struct{}
}

// NewController creates an idle controller. registry may be nil for
// thread-less ad hoc exchanges.
func NewController(client *api.Client, registry *thread.Registry, bus *event.Bus) *Controller {
	return &Controller{
		api:      client,
		registry: registry,
		bus:      bus,
		state:    StateIdle,
		log:      logging.Component("session"),
	}
}

// Bind points the controller at a thread and replaces local history with
// the thread's. An in-flight turn is cancelled first, so state never
// crosses thread boundaries.
func (c *Controller) Bind(threadID string, history []types.Turn) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.cancelActive()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadID = threadID
	c.history = cloneTurns(history)
	c.state = StateIdle
	c.lastErr = nil
	c.current = nil
	c.pendingUserID = ""
}

// Send opens one streamed exchange. The user turn lands in history
// immediately, before any network activity; it is rolled back only if the
// stream cannot be opened at all. Send returns once streaming has started;
// folds continue in the background until a terminal state. Cancelling ctx
// after Send returns aborts the stream the same way Cancel does.
func (c *Controller) Send(ctx context.Context, content string, opts ...SendOption) error {
	var cfg sendConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	// A newer send displaces the previous turn.
	c.cancelActive()

	c.mu.Lock()
	if cfg.threadID != nil {
		c.threadID = *cfg.threadID
	}
	threadID := c.threadID

	user := types.Turn{
		ID:        generateID(),
		Origin:    types.OriginLocal,
		Role:      types.RoleUser,
		Content:   content,
		Status:    types.TurnCompleted,
		CreatedAt: time.Now(),
	}
	c.history = append(c.history, user)
	c.pendingUserID = user.ID
	c.state = StateSending
	c.cancelled = false
	c.lastErr = nil

	messages := make([]api.TurnMessage, 0, len(c.history))
	for _, turn := range c.history {
		if turn.Content == "" {
			continue
		}
		messages = append(messages, api.TurnMessage{Role: turn.Role, Content: turn.Content})
	}
	c.mu.Unlock()

	c.publishUpdate(user, threadID)

	streamCtx, cancel := context.WithCancel(ctx)
	dec, err := c.api.StreamTurn(streamCtx, api.TurnRequest{
		Messages:    messages,
		ThreadID:    threadID,
		DocumentIDs: cfg.documentIDs,
	})
	if err != nil {
		cancel()
		c.rollbackUserTurn(user.ID, err)
		return fmt.Errorf("send turn: %w", err)
	}

	acc := NewAccumulator()
	done := make(chan struct{})

	c.mu.Lock()
	c.state = StateStreaming
	c.current = acc
	c.cancelStream = cancel
	c.done = done
	c.mu.Unlock()

	c.log.Debug().Str("threadID", threadID).Msg("Turn streaming")
	go c.consume(dec, acc, threadID, done)
	return nil
}

// Cancel aborts the in-flight turn, if any, and blocks until its decode
// loop has stopped. Idempotent; a no-op when nothing is streaming. Safe
// from teardown paths.
func (c *Controller) Cancel() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.cancelActive()
}

// cancelActive is Cancel without the sendMu handshake, for callers that
// already hold it.
func (c *Controller) cancelActive() {
	c.mu.Lock()
	if c.done == nil {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	cancel := c.cancelStream
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-done
}

// Wait blocks until the in-flight turn reaches a terminal state and
// returns the final turn. Stream failures surface as the error; a
// cancelled turn returns with a nil error and TurnCancelled status.
func (c *Controller) Wait(ctx context.Context) (types.Turn, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return types.Turn{}, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var last types.Turn
	if n := len(c.history); n > 0 {
		last = c.history[n-1].Clone()
	}
	return last, c.lastErr
}

// Snapshot returns the current view: history, in-progress turn, state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		ThreadID:  c.threadID,
		State:     c.state,
		Streaming: c.state == StateSending || c.state == StateStreaming,
		History:   cloneTurns(c.history),
		LastErr:   c.lastErr,
	}
	if c.current != nil {
		cur := c.current.Snapshot()
		snap.Current = &cur
	}
	return snap
}

// ThreadID returns the thread this controller is bound to, or "".
func (c *Controller) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// consume folds decoder output into the accumulator until a terminal
// state, publishing a snapshot after every fold.
func (c *Controller) consume(dec *stream.Decoder, acc *Accumulator, threadID string, done chan struct{}) {
	defer dec.Close()

	for dec.Next() {
		// The cancel flag is checked before every fold; events already
		// buffered on the transport are discarded, not applied.
		if c.isCancelled() {
			break
		}
		snap := acc.Apply(dec.Current())
		c.publishUpdate(snap, threadID)
		if snap.Terminal() {
			break
		}
	}

	var final types.Turn
	var cause error
	switch {
	case c.isCancelled():
		final = acc.Cancel()
	case dec.Err() != nil:
		cause = dec.Err()
		final = acc.Fail(streamMessage(cause))
	default:
		final = acc.Snapshot()
		if !final.Terminal() {
			cause = stream.ErrUnexpectedEnd
			final = acc.Fail(stream.ErrUnexpectedEnd.Message)
		} else if final.Status == types.TurnErrored {
			cause = &stream.StreamError{Message: final.Error}
		}
	}

	c.finish(final, cause, threadID, done)
}

// finish moves the terminal turn into history, hands completed turns to
// the thread registry, publishes the terminal event, and releases waiters.
func (c *Controller) finish(final types.Turn, cause error, threadID string, done chan struct{}) {
	c.mu.Lock()

	var userTurn *types.Turn
	if final.Status == types.TurnCompleted && c.pendingUserID != "" {
		for i := range c.history {
			if c.history[i].ID == c.pendingUserID {
				c.history[i].Origin = types.OriginConfirmed
				confirmed := c.history[i].Clone()
				userTurn = &confirmed
				break
			}
		}
	}
	c.pendingUserID = ""

	c.history = append(c.history, final.Clone())

	switch final.Status {
	case types.TurnCompleted:
		c.state = StateCompleted
	case types.TurnCancelled:
		c.state = StateCancelled
	default:
		c.state = StateErrored
	}
	c.lastErr = cause
	c.current = nil
	c.cancelStream = nil
	c.done = nil
	c.mu.Unlock()

	if final.Status == types.TurnCompleted && threadID != "" && c.registry != nil {
		if userTurn != nil {
			c.registry.AppendTurns(threadID, *userTurn, final)
		} else {
			c.registry.AppendTurns(threadID, final)
		}
	}

	switch final.Status {
	case types.TurnCompleted:
		c.bus.Publish(event.Event{Type: event.TurnCompleted, Data: event.TurnCompletedData{ThreadID: threadID, Turn: final}})
	case types.TurnCancelled:
		c.bus.Publish(event.Event{Type: event.TurnCancelled, Data: event.TurnCancelledData{ThreadID: threadID, Turn: final}})
	default:
		message := final.Error
		if message == "" && cause != nil {
			message = cause.Error()
		}
		c.bus.Publish(event.Event{Type: event.TurnErrored, Data: event.TurnErroredData{ThreadID: threadID, Turn: final, Error: message}})
	}

	c.log.Debug().Str("threadID", threadID).Str("status", string(final.Status)).Msg("Turn finished")
	close(done)
}

// rollbackUserTurn removes the optimistic user turn after a failed stream
// open. Once streaming has started the user turn stays, whatever happens.
func (c *Controller) rollbackUserTurn(userID string, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.history {
		if c.history[i].ID == userID {
			c.history = append(c.history[:i], c.history[i+1:]...)
			break
		}
	}
	c.pendingUserID = ""
	c.state = StateErrored
	c.lastErr = cause
}

func (c *Controller) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *Controller) publishUpdate(turn types.Turn, threadID string) {
	c.bus.Publish(event.Event{Type: event.TurnUpdated, Data: event.TurnUpdatedData{ThreadID: threadID, Turn: turn}})
}

func streamMessage(err error) string {
	var streamErr *stream.StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Message
	}
	return err.Error()
}

func cloneTurns(turns []types.Turn) []types.Turn {
	if turns == nil {
		return nil
	}
	out := make([]types.Turn, len(turns))
	for i := range turns {
		out[i] = turns[i].Clone()
	}
	return out
}
