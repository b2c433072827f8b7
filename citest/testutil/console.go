package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/doclens-ai/doclens/internal/api"
	"github.com/doclens-ai/doclens/internal/stream"
	"github.com/doclens-ai/doclens/pkg/types"
)

// MockConsole is an HTTP server that mimics the document console API:
// thread CRUD, the chat stream endpoint, and the entity channel. Stream
// responses come from a script so suites can drive exact frame sequences.
type MockConsole struct {
	server *httptest.Server
	script *ScriptConfig

	mu         sync.Mutex
	threads    map[string]*types.Thread
	order      []string // newest first
	nextThread int
	nextTurn   int
	streamReqs []api.TurnRequest

	upgrader websocket.Upgrader
	connMu   sync.Mutex
	conns    map[*websocket.Conn]struct{}
}

// MockConsoleOption adjusts a MockConsole before it starts serving.
type MockConsoleOption func(*MockConsole)

// WithScript replaces the default response script.
func WithScript(script *ScriptConfig) MockConsoleOption {
	return func(m *MockConsole) { m.script = script }
}

// WithThreads seeds the thread store. Threads are listed in the order
// given, newest first.
func WithThreads(threads ...types.Thread) MockConsoleOption {
	return func(m *MockConsole) {
		for i := len(threads) - 1; i >= 0; i-- {
			t := threads[i].Clone()
			if t.Turns == nil {
				t.Turns = []types.Turn{}
			}
			m.threads[t.ID] = &t
			m.order = append([]string{t.ID}, m.order...)
		}
	}
}

// StartMockConsole starts a mock console backed by DefaultScript unless
// an option overrides it.
func StartMockConsole(opts ...MockConsoleOption) *MockConsole {
	m := &MockConsole{
		script:  DefaultScript(),
		threads: make(map[string]*types.Thread),
		conns:   make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(m)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/threads", func(r chi.Router) {
			r.Get("/", m.listThreads)
			r.Post("/", m.createThread)
			r.Route("/{threadID}", func(r chi.Router) {
				r.Get("/", m.getThread)
				r.Patch("/", m.updateThread)
				r.Delete("/", m.deleteThread)
			})
		})
		r.Post("/chat/stream", m.streamTurn)
		r.Get("/channel", m.serveChannel)
	})

	m.server = httptest.NewServer(r)
	return m
}

// URL returns the mock server's base URL.
func (m *MockConsole) URL() string {
	return m.server.URL
}

// Close shuts down the server. Channel peers are dropped first so their
// handlers unblock before the server waits on them.
func (m *MockConsole) Close() {
	m.CloseChannelPeers()
	m.server.CloseClientConnections()
	m.server.Close()
}

// StreamRequests returns the turn requests received so far.
func (m *MockConsole) StreamRequests() []api.TurnRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]api.TurnRequest, len(m.streamReqs))
	copy(out, m.streamReqs)
	return out
}

// Thread returns a copy of one stored thread, or nil if absent.
func (m *MockConsole) Thread(id string) *types.Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return nil
	}
	clone := t.Clone()
	return &clone
}

// threadPayload forces turns to serialize even when empty. Clients treat
// the presence of the array as the loaded-detail marker, so summaries
// omit it and details always carry it.
type threadPayload struct {
	types.Thread
	Turns []types.Turn `json:"turns"`
}

func detailPayload(t *types.Thread) threadPayload {
	clone := t.Clone()
	turns := clone.Turns
	if turns == nil {
		turns = []types.Turn{}
	}
	return threadPayload{Thread: clone, Turns: turns}
}

// listThreads handles GET /api/threads
func (m *MockConsole) listThreads(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	out := make([]types.Thread, 0, len(m.order))
	for _, id := range m.order {
		t := m.threads[id].Clone()
		t.Turns = nil
		out = append(out, t)
	}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

// createThread handles POST /api/threads
func (m *MockConsole) createThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.Title == "" {
		req.Title = "New thread"
	}

	m.mu.Lock()
	id := m.newThreadIDLocked()
	now := time.Now().UTC()
	t := &types.Thread{
		ID:        id,
		Title:     req.Title,
		CreatedAt: now,
		UpdatedAt: now,
		Turns:     []types.Turn{},
	}
	m.threads[id] = t
	m.order = append([]string{id}, m.order...)
	payload := detailPayload(t)
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, payload)
}

// getThread handles GET /api/threads/{threadID}
func (m *MockConsole) getThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "threadID")

	m.mu.Lock()
	t, ok := m.threads[id]
	if !ok {
		m.mu.Unlock()
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Thread not found")
		return
	}
	payload := detailPayload(t)
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, payload)
}

// updateThread handles PATCH /api/threads/{threadID}
func (m *MockConsole) updateThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "threadID")

	var patch api.ThreadPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	m.mu.Lock()
	t, ok := m.threads[id]
	if !ok {
		m.mu.Unlock()
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Thread not found")
		return
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Metadata != nil {
		t.Metadata = patch.Metadata
	}
	t.UpdatedAt = time.Now().UTC()
	payload := detailPayload(t)
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, payload)
}

// deleteThread handles DELETE /api/threads/{threadID}
func (m *MockConsole) deleteThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "threadID")

	m.mu.Lock()
	if _, ok := m.threads[id]; !ok {
		m.mu.Unlock()
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Thread not found")
		return
	}
	delete(m.threads, id)
	for i, tid := range m.order {
		if tid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	writeSuccess(w)
}

// streamTurn handles POST /api/chat/stream. The matched script rule is
// expanded into line-delimited frames and written with per-chunk flushes.
func (m *MockConsole) streamTurn(w http.ResponseWriter, r *http.Request) {
	var req api.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "messages must not be empty")
		return
	}

	m.mu.Lock()
	m.streamReqs = append(m.streamReqs, req)
	script := m.script
	m.mu.Unlock()

	prompt := lastUserMessage(req.Messages)
	rule := script.FindRule(prompt)
	run := m.expandRule(rule, script.Defaults.Fallback)

	// State is recorded before any frame goes out, so a refetch racing
	// the stream close always sees the finished exchange.
	if run.complete && req.ThreadID != "" {
		m.recordExchange(req.ThreadID, prompt, run)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Streaming not supported")
		return
	}

	if script.Settings.LagMS > 0 {
		time.Sleep(time.Duration(script.Settings.LagMS) * time.Millisecond)
	}

	delay := time.Duration(script.Settings.ChunkDelayMS) * time.Millisecond
	for i, frame := range run.frames {
		if i > 0 && delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
		w.Write(frame)
		w.Write([]byte("\n"))
		flusher.Flush()
	}

	if rule != nil && rule.Drop {
		return
	}
	if rule != nil && rule.Hold {
		<-r.Context().Done()
	}
}

// lastUserMessage returns the content of the newest user message.
func lastUserMessage(messages []api.TurnMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// scriptRun is one expanded rule: the frames to emit plus what the
// finished assistant turn would look like for thread persistence.
type scriptRun struct {
	frames   [][]byte
	content  string
	complete bool
	turnID   string
}

func (s *scriptRun) add(ev stream.Event) {
	buf, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.frames = append(s.frames, buf)
}

// expandRule turns a script rule into stream frames. A nil rule yields
// the fallback response. Rules without a terminal frame get a complete
// appended unless they hold or drop.
func (m *MockConsole) expandRule(rule *ScriptRule, fallback string) *scriptRun {
	run := &scriptRun{}

	if rule == nil {
		run.add(&stream.TextEvent{Type: stream.EventText, Content: fallback})
		run.content = fallback
		m.addComplete(run)
		return run
	}

	if rule.Response != "" {
		run.add(&stream.TextEvent{Type: stream.EventText, Content: rule.Response})
		run.content = rule.Response
		m.addComplete(run)
		return run
	}

	terminal := false
	for _, ev := range rule.Events {
		switch {
		case ev.Raw != "":
			run.frames = append(run.frames, []byte(ev.Raw))
		case ev.Text != "":
			run.add(&stream.TextEvent{Type: stream.EventText, Content: ev.Text})
			run.content += ev.Text
		case ev.ToolCall != nil:
			run.add(&stream.ToolCallEvent{
				Type:   stream.EventToolCall,
				Name:   ev.ToolCall.Name,
				Args:   ev.ToolCall.Args,
				Result: ev.ToolCall.Result,
				Status: types.ToolCallStatus(ev.ToolCall.Status),
			})
		case ev.Step != nil:
			run.add(&stream.StepEvent{
				Type:    stream.EventStep,
				Kind:    types.StepKind(ev.Step.Kind),
				Content: ev.Step.Content,
			})
		case len(ev.Sources) > 0:
			records := make([]types.SourceRecord, len(ev.Sources))
			for i, src := range ev.Sources {
				kind := types.SourceKind(src.Type)
				if kind == "" {
					kind = types.SourceText
				}
				records[i] = types.SourceRecord{
					Kind:     kind,
					Content:  src.Content,
					Metadata: src.Metadata,
					Score:    src.Score,
				}
			}
			run.add(&stream.SourcesEvent{Type: stream.EventSources, Sources: records})
		case ev.Error != "":
			run.add(&stream.ErrorEvent{Type: stream.EventError, Message: ev.Error})
			terminal = true
		case ev.Complete:
			m.addComplete(run)
			terminal = true
		}
	}

	if !terminal && !rule.Hold && !rule.Drop {
		m.addComplete(run)
	}
	return run
}

func (m *MockConsole) addComplete(run *scriptRun) {
	run.turnID = m.newTurnID()
	run.complete = true
	run.add(&stream.CompleteEvent{Type: stream.EventComplete, TurnID: run.turnID})
}

func (m *MockConsole) newTurnID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTurn++
	return fmt.Sprintf("turn_%d", m.nextTurn)
}

func (m *MockConsole) newThreadIDLocked() string {
	for {
		m.nextThread++
		id := fmt.Sprintf("th_%d", m.nextThread)
		if _, exists := m.threads[id]; !exists {
			return id
		}
	}
}

// recordExchange appends the finished user/assistant pair to the thread,
// mirroring what the real console persists after a run.
func (m *MockConsole) recordExchange(threadID, prompt string, run *scriptRun) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[threadID]
	if !ok {
		return
	}

	now := time.Now().UTC()
	m.nextTurn++
	user := types.Turn{
		ID:        fmt.Sprintf("turn_%d", m.nextTurn),
		Role:      types.RoleUser,
		Origin:    types.OriginConfirmed,
		Content:   prompt,
		Status:    types.TurnCompleted,
		CreatedAt: now,
	}
	assistant := types.Turn{
		ID:          run.turnID,
		Role:        types.RoleAssistant,
		Origin:      types.OriginConfirmed,
		Content:     run.content,
		Status:      types.TurnCompleted,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	t.Turns = append(t.Turns, user, assistant)
	t.MessageCount = len(t.Turns)
	t.UpdatedAt = now
}

// serveChannel handles GET /api/channel, upgrading to a websocket and
// answering pings so client heartbeats succeed.
func (m *MockConsole) serveChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.connMu.Lock()
	m.conns[conn] = struct{}{}
	m.connMu.Unlock()

	defer func() {
		m.connMu.Lock()
		delete(m.conns, conn)
		m.connMu.Unlock()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if strings.TrimSpace(string(msg)) == "ping" {
			m.connMu.Lock()
			conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			m.connMu.Unlock()
		}
	}
}

// Broadcast pushes one entity-channel frame to every connected client.
func (m *MockConsole) Broadcast(kind string, data any) {
	frame, err := json.Marshal(map[string]any{"event": kind, "data": data})
	if err != nil {
		return
	}

	m.connMu.Lock()
	defer m.connMu.Unlock()
	for conn := range m.conns {
		conn.WriteMessage(websocket.TextMessage, frame)
	}
}

// CloseChannelPeers drops every channel connection without a close
// handshake, the way a crashing server would.
func (m *MockConsole) CloseChannelPeers() {
	m.connMu.Lock()
	conns := make([]*websocket.Conn, 0, len(m.conns))
	for conn := range m.conns {
		conns = append(conns, conn)
	}
	m.connMu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// ChannelConnections reports how many channel clients are connected.
func (m *MockConsole) ChannelConnections() int {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return len(m.conns)
}
