package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/doclens-ai/doclens/internal/sources"
	"github.com/doclens-ai/doclens/internal/stream"
	"github.com/doclens-ai/doclens/pkg/types"
)

// Accumulator folds one turn's event sequence into a growing snapshot.
//
// Events apply strictly in arrival order. Once the turn reaches a terminal
// status nothing further applies; late events return the frozen snapshot
// unchanged. Every Apply returns a deep copy, so callers can render each
// snapshot without racing the next fold.
type Accumulator struct {
	mu   sync.Mutex
	turn types.Turn

	// Source records come from two places: tool results (additive, keyed
	// by call name so a re-sent result replaces rather than duplicates)
	// and the end-of-turn batch (replaced wholesale). turn.Sources is
	// their concatenation, tool-surfaced entries first.
	toolSources  map[string][]types.SourceRecord
	batchSources []types.SourceRecord
}

// NewAccumulator starts an assistant turn in streaming state. The ID is
// provisional until the server confirms one via {complete}.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		turn: types.Turn{
			ID:        generateID(),
			Origin:    types.OriginLocal,
			Role:      types.RoleAssistant,
			Status:    types.TurnStreaming,
			CreatedAt: time.Now(),
		},
		toolSources: make(map[string][]types.SourceRecord),
	}
}

// Apply folds one event and returns the updated snapshot.
func (a *Accumulator) Apply(ev stream.Event) types.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.turn.Terminal() {
		return a.turn.Clone()
	}

	switch e := ev.(type) {
	case *stream.TextEvent:
		a.turn.Content += e.Content
	case *stream.ToolCallEvent:
		a.applyToolCallLocked(e)
	case *stream.StepEvent:
		a.turn.Steps = append(a.turn.Steps, types.StepRecord{
			Kind:      e.Kind,
			Content:   e.Content,
			Timestamp: e.Timestamp,
		})
	case *stream.SourcesEvent:
		a.batchSources = sources.NormalizeAll(e.Sources)
		a.refreshSourcesLocked()
	case *stream.CompleteEvent:
		a.completeLocked(e.TurnID)
	case *stream.ErrorEvent:
		a.failLocked(e.Message)
	}

	return a.turn.Clone()
}

// applyToolCallLocked upserts a tool call record keyed by name. A new name
// appends; a known name updates in place, keeping its list position so the
// rendered call order stays stable. Updates to an already-complete call
// are dropped: name keys one call per turn, and a replayed completion must
// not double-apply.
func (a *Accumulator) applyToolCallLocked(e *stream.ToolCallEvent) {
	status := e.Status
	if status == "" {
		status = types.ToolCallRunning
	}
	record := types.ToolCallRecord{
		Name:   e.Name,
		Args:   e.Args,
		Result: e.Result,
		Status: status,
	}

	for i := range a.turn.ToolCalls {
		if a.turn.ToolCalls[i].Name != e.Name {
			continue
		}
		if a.turn.ToolCalls[i].Status == types.ToolCallComplete {
			return
		}
		a.turn.ToolCalls[i] = record
		a.mergeToolSourcesLocked(e.Name, e.Result)
		return
	}

	a.turn.ToolCalls = append(a.turn.ToolCalls, record)
	a.mergeToolSourcesLocked(e.Name, e.Result)
}

// mergeToolSourcesLocked picks up sources a retrieval tool surfaced in its
// result. They merge into the turn additively, alongside later results
// from other calls and the end-of-turn batch.
func (a *Accumulator) mergeToolSourcesLocked(name string, result map[string]any) {
	extracted := extractResultSources(result)
	if extracted == nil {
		return
	}
	a.toolSources[name] = extracted
	a.refreshSourcesLocked()
}

func (a *Accumulator) refreshSourcesLocked() {
	var combined []types.SourceRecord
	for _, call := range a.turn.ToolCalls {
		combined = append(combined, a.toolSources[call.Name]...)
	}
	combined = append(combined, a.batchSources...)
	a.turn.Sources = combined
}

func (a *Accumulator) completeLocked(turnID string) {
	if turnID != "" {
		a.turn.ID = turnID
		a.turn.Origin = types.OriginConfirmed
	}
	a.turn.Status = types.TurnCompleted
	now := time.Now()
	a.turn.CompletedAt = &now
}

func (a *Accumulator) failLocked(message string) {
	a.turn.Status = types.TurnErrored
	a.turn.Error = message
	now := time.Now()
	a.turn.CompletedAt = &now
}

// Cancel freezes the turn as cancelled, keeping accumulated content.
// No-op once terminal.
func (a *Accumulator) Cancel() types.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.turn.Terminal() {
		a.turn.Status = types.TurnCancelled
		now := time.Now()
		a.turn.CompletedAt = &now
	}
	return a.turn.Clone()
}

// Fail freezes the turn as errored, keeping accumulated content. No-op
// once terminal.
func (a *Accumulator) Fail(message string) types.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.turn.Terminal() {
		a.failLocked(message)
	}
	return a.turn.Clone()
}

// Snapshot returns a copy of the turn as accumulated so far.
func (a *Accumulator) Snapshot() types.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turn.Clone()
}

// extractResultSources decodes a result's "sources" entry, if present,
// through a JSON round-trip. Payloads that do not fit the source shape
// are ignored.
func extractResultSources(result map[string]any) []types.SourceRecord {
	if result == nil {
		return nil
	}
	raw, ok := result["sources"]
	if !ok {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []types.SourceRecord
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil
	}
	return sources.NormalizeAll(out)
}

// generateID generates a new ULID.
func generateID() string {
	return ulid.Make().String()
}
