package testutil

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/doclens-ai/doclens/internal/stream"
	"github.com/doclens-ai/doclens/pkg/types"
)

func TestMockConsoleThreadLifecycle(t *testing.T) {
	m := StartMockConsole()
	defer m.Close()

	// Create
	resp, err := http.Post(m.URL()+"/api/threads", "application/json", strings.NewReader(`{"title":"Filings"}`))
	if err != nil {
		t.Fatalf("Create request failed: %v", err)
	}
	var created types.Thread
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("Failed to decode created thread: %v", err)
	}
	resp.Body.Close()
	if created.ID == "" || created.Title != "Filings" {
		t.Errorf("Unexpected created thread: %+v", created)
	}

	// Detail always carries the turns array, even when empty. Clients key
	// off its presence, so check the raw payload rather than the decode.
	resp, err = http.Get(m.URL() + "/api/threads/" + created.ID)
	if err != nil {
		t.Fatalf("Get request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"turns":[]`) {
		t.Errorf("Expected empty turns array in detail payload: %s", body)
	}

	// Rename
	req, _ := http.NewRequest(http.MethodPatch, m.URL()+"/api/threads/"+created.ID, strings.NewReader(`{"title":"Quarterly filings"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Patch request failed: %v", err)
	}
	var renamed types.Thread
	json.NewDecoder(resp.Body).Decode(&renamed)
	resp.Body.Close()
	if renamed.Title != "Quarterly filings" {
		t.Errorf("Expected renamed title, got %q", renamed.Title)
	}

	// Delete, then 404 with the console error envelope
	req, _ = http.NewRequest(http.MethodDelete, m.URL()+"/api/threads/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Delete request failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 on delete, got %d", resp.StatusCode)
	}

	resp, err = http.Get(m.URL() + "/api/threads/" + created.ID)
	if err != nil {
		t.Fatalf("Get request failed: %v", err)
	}
	var errResp ErrorResponse
	json.NewDecoder(resp.Body).Decode(&errResp)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	if errResp.Error.Code != ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND code, got %q", errResp.Error.Code)
	}
}

func TestMockConsoleStream(t *testing.T) {
	m := StartMockConsole(WithThreads(types.Thread{ID: "th_1", Title: "Docs"}))
	defer m.Close()

	body := `{"messages":[{"role":"user","content":"hello please"}],"threadID":"th_1"}`
	resp, err := http.Post(m.URL()+"/api/chat/stream", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Stream request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var events []stream.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, err := stream.UnmarshalEvent([]byte(line))
		if err != nil {
			t.Fatalf("Undecodable frame %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Stream read failed: %v", err)
	}

	if len(events) != 6 {
		t.Fatalf("Expected 6 frames, got %d", len(events))
	}
	first, ok := events[0].(*stream.TextEvent)
	if !ok || first.Content != "Hel" {
		t.Errorf("Unexpected first frame: %#v", events[0])
	}
	last, ok := events[len(events)-1].(*stream.CompleteEvent)
	if !ok {
		t.Fatalf("Expected complete frame last, got %#v", events[len(events)-1])
	}
	if last.TurnID == "" {
		t.Error("Expected complete frame to carry a turn ID")
	}

	// The finished exchange lands in the thread store
	thread := m.Thread("th_1")
	if thread == nil {
		t.Fatal("Thread disappeared")
	}
	if thread.MessageCount != 2 || len(thread.Turns) != 2 {
		t.Fatalf("Expected 2 persisted turns, got count=%d len=%d", thread.MessageCount, len(thread.Turns))
	}
	if thread.Turns[0].Role != types.RoleUser || thread.Turns[0].Content != "hello please" {
		t.Errorf("Unexpected user turn: %+v", thread.Turns[0])
	}
	if thread.Turns[1].Role != types.RoleAssistant || thread.Turns[1].Content != "Hello" {
		t.Errorf("Unexpected assistant turn: %+v", thread.Turns[1])
	}
	if thread.Turns[1].ID != last.TurnID {
		t.Errorf("Assistant turn ID %q does not match complete frame %q", thread.Turns[1].ID, last.TurnID)
	}

	reqs := m.StreamRequests()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 recorded request, got %d", len(reqs))
	}
	if reqs[0].ThreadID != "th_1" {
		t.Errorf("Expected threadID th_1, got %q", reqs[0].ThreadID)
	}
}

func TestMockConsoleFallback(t *testing.T) {
	m := StartMockConsole()
	defer m.Close()

	body := `{"messages":[{"role":"user","content":"xylophone catalog"}]}`
	resp, err := http.Post(m.URL()+"/api/chat/stream", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Stream request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected text plus complete, got %d frames: %s", len(lines), raw)
	}
	ev, err := stream.UnmarshalEvent([]byte(lines[0]))
	if err != nil {
		t.Fatalf("Undecodable frame: %v", err)
	}
	text, ok := ev.(*stream.TextEvent)
	if !ok {
		t.Fatalf("Expected text frame, got %#v", ev)
	}
	if !strings.Contains(text.Content, "nothing relevant") {
		t.Errorf("Expected fallback text, got %q", text.Content)
	}
}

func TestMockConsoleStreamValidation(t *testing.T) {
	m := StartMockConsole()
	defer m.Close()

	resp, err := http.Post(m.URL()+"/api/chat/stream", "application/json", strings.NewReader(`{"messages":[]}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
	var errResp ErrorResponse
	json.NewDecoder(resp.Body).Decode(&errResp)
	if errResp.Error.Code != ErrCodeInvalidRequest {
		t.Errorf("Expected INVALID_REQUEST code, got %q", errResp.Error.Code)
	}
}
