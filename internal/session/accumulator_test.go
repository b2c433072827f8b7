package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doclens-ai/doclens/internal/stream"
	"github.com/doclens-ai/doclens/pkg/types"
)

func textEv(content string) *stream.TextEvent {
	return &stream.TextEvent{Type: stream.EventText, Content: content}
}

func TestAccumulator_StartsStreaming(t *testing.T) {
	acc := NewAccumulator()

	snap := acc.Snapshot()
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, types.OriginLocal, snap.Origin)
	assert.Equal(t, types.RoleAssistant, snap.Role)
	assert.Equal(t, types.TurnStreaming, snap.Status)
	assert.False(t, snap.Terminal())
}

func TestAccumulator_TextConcatenation(t *testing.T) {
	acc := NewAccumulator()

	acc.Apply(textEv("Hel"))
	acc.Apply(textEv("lo"))
	snap := acc.Apply(textEv(", world"))

	assert.Equal(t, "Hello, world", snap.Content)
}

func TestAccumulator_ToolCallUpsert(t *testing.T) {
	acc := NewAccumulator()

	acc.Apply(&stream.ToolCallEvent{Name: "lookup", Status: types.ToolCallRunning})
	acc.Apply(&stream.ToolCallEvent{Name: "search", Status: types.ToolCallRunning, Args: map[string]any{"query": "old"}})
	snap := acc.Apply(&stream.ToolCallEvent{
		Name:   "search",
		Status: types.ToolCallComplete,
		Args:   map[string]any{"query": "new"},
	})

	require.Len(t, snap.ToolCalls, 2)
	// Position in the list is stable across updates.
	assert.Equal(t, "lookup", snap.ToolCalls[0].Name)
	assert.Equal(t, "search", snap.ToolCalls[1].Name)
	assert.Equal(t, types.ToolCallComplete, snap.ToolCalls[1].Status)
	assert.Equal(t, "new", snap.ToolCalls[1].Args["query"])
}

func TestAccumulator_ToolCallIdempotent(t *testing.T) {
	acc := NewAccumulator()

	ev := &stream.ToolCallEvent{Name: "search", Status: types.ToolCallComplete, Result: map[string]any{"count": 1}}
	acc.Apply(ev)
	snap := acc.Apply(ev)

	require.Len(t, snap.ToolCalls, 1)
	assert.Equal(t, types.ToolCallComplete, snap.ToolCalls[0].Status)
}

func TestAccumulator_ToolCallUpdateAfterCompleteDropped(t *testing.T) {
	acc := NewAccumulator()

	acc.Apply(&stream.ToolCallEvent{Name: "search", Status: types.ToolCallComplete, Result: map[string]any{"count": 2}})
	snap := acc.Apply(&stream.ToolCallEvent{Name: "search", Status: types.ToolCallRunning})

	require.Len(t, snap.ToolCalls, 1)
	assert.Equal(t, types.ToolCallComplete, snap.ToolCalls[0].Status)
	assert.Equal(t, float64(2), snap.ToolCalls[0].Result["count"])
}

func TestAccumulator_ToolCallDefaultStatus(t *testing.T) {
	acc := NewAccumulator()

	snap := acc.Apply(&stream.ToolCallEvent{Name: "search"})

	require.Len(t, snap.ToolCalls, 1)
	assert.Equal(t, types.ToolCallRunning, snap.ToolCalls[0].Status)
}

func TestAccumulator_StepsAppendOnly(t *testing.T) {
	acc := NewAccumulator()

	acc.Apply(&stream.StepEvent{Kind: types.StepSearch, Content: "searching"})
	acc.Apply(&stream.StepEvent{Kind: types.StepSearch, Content: "searching"})
	snap := acc.Apply(&stream.StepEvent{Kind: types.StepGenerate, Content: "drafting"})

	// Steps are never merged or deduplicated; arrival order is the signal.
	require.Len(t, snap.Steps, 3)
	assert.Equal(t, "searching", snap.Steps[0].Content)
	assert.Equal(t, "searching", snap.Steps[1].Content)
	assert.Equal(t, types.StepGenerate, snap.Steps[2].Kind)
}

func TestAccumulator_SourcesBatchReplaces(t *testing.T) {
	acc := NewAccumulator()

	acc.Apply(&stream.SourcesEvent{Sources: []types.SourceRecord{
		{Kind: types.SourceText, Content: "stale"},
	}})
	snap := acc.Apply(&stream.SourcesEvent{Sources: []types.SourceRecord{
		{Kind: types.SourceText, Content: "doc1"},
		{Kind: types.SourceImage, Content: "fig2"},
	}})

	require.Len(t, snap.Sources, 2)
	assert.Equal(t, "doc1", snap.Sources[0].Content)
	assert.Equal(t, "fig2", snap.Sources[1].Content)
}

func TestAccumulator_ToolSourcesMergeWithBatch(t *testing.T) {
	acc := NewAccumulator()

	acc.Apply(&stream.ToolCallEvent{
		Name:   "search",
		Status: types.ToolCallComplete,
		Result: map[string]any{
			"sources": []any{
				map[string]any{"type": "text", "content": "tool-doc"},
			},
		},
	})
	snap := acc.Apply(&stream.SourcesEvent{Sources: []types.SourceRecord{
		{Kind: types.SourceText, Content: "batch-doc"},
	}})

	// Tool-surfaced evidence and the end-of-turn batch both survive,
	// tool entries first.
	require.Len(t, snap.Sources, 2)
	assert.Equal(t, "tool-doc", snap.Sources[0].Content)
	assert.Equal(t, "batch-doc", snap.Sources[1].Content)
}

func TestAccumulator_ToolSourceResendReplaces(t *testing.T) {
	acc := NewAccumulator()

	acc.Apply(&stream.ToolCallEvent{
		Name:   "search",
		Status: types.ToolCallRunning,
		Result: map[string]any{"sources": []any{map[string]any{"type": "text", "content": "partial"}}},
	})
	snap := acc.Apply(&stream.ToolCallEvent{
		Name:   "search",
		Status: types.ToolCallComplete,
		Result: map[string]any{"sources": []any{
			map[string]any{"type": "text", "content": "partial"},
			map[string]any{"type": "text", "content": "more"},
		}},
	})

	// The call's latest result defines its evidence; nothing duplicates.
	require.Len(t, snap.Sources, 2)
	assert.Equal(t, "partial", snap.Sources[0].Content)
	assert.Equal(t, "more", snap.Sources[1].Content)
}

func TestAccumulator_CompleteFreezes(t *testing.T) {
	acc := NewAccumulator()

	acc.Apply(textEv("done"))
	snap := acc.Apply(&stream.CompleteEvent{TurnID: "turn-42"})

	assert.Equal(t, types.TurnCompleted, snap.Status)
	assert.True(t, snap.Terminal())
	assert.Equal(t, "turn-42", snap.ID)
	assert.Equal(t, types.OriginConfirmed, snap.Origin)
	require.NotNil(t, snap.CompletedAt)

	// Nothing folds after a terminal state.
	after := acc.Apply(textEv(" more"))
	assert.Equal(t, "done", after.Content)
	assert.Equal(t, types.TurnCompleted, after.Status)
}

func TestAccumulator_CompleteWithoutServerID(t *testing.T) {
	acc := NewAccumulator()
	before := acc.Snapshot()

	snap := acc.Apply(&stream.CompleteEvent{})

	// Provisional identity stands when the server does not assign one.
	assert.Equal(t, before.ID, snap.ID)
	assert.Equal(t, types.OriginLocal, snap.Origin)
	assert.Equal(t, types.TurnCompleted, snap.Status)
}

func TestAccumulator_ErrorPreservesContent(t *testing.T) {
	acc := NewAccumulator()

	acc.Apply(textEv("partial answer"))
	snap := acc.Apply(&stream.ErrorEvent{Message: "model overloaded"})

	assert.Equal(t, types.TurnErrored, snap.Status)
	assert.Equal(t, "partial answer", snap.Content)
	assert.Equal(t, "model overloaded", snap.Error)
}

func TestAccumulator_CancelKeepsContent(t *testing.T) {
	acc := NewAccumulator()

	acc.Apply(textEv("Par"))
	snap := acc.Cancel()

	assert.Equal(t, types.TurnCancelled, snap.Status)
	assert.Equal(t, "Par", snap.Content)
	assert.Empty(t, snap.Error)
}

func TestAccumulator_CancelAfterCompleteIsNoOp(t *testing.T) {
	acc := NewAccumulator()

	acc.Apply(&stream.CompleteEvent{})
	snap := acc.Cancel()

	assert.Equal(t, types.TurnCompleted, snap.Status)
}

func TestAccumulator_ExactlyOneTerminalState(t *testing.T) {
	acc := NewAccumulator()

	acc.Apply(&stream.CompleteEvent{})
	snap := acc.Apply(&stream.ErrorEvent{Message: "late failure"})

	assert.Equal(t, types.TurnCompleted, snap.Status)
	assert.Empty(t, snap.Error)

	failed := acc.Fail("later still")
	assert.Equal(t, types.TurnCompleted, failed.Status)
}

func TestAccumulator_SnapshotIsolation(t *testing.T) {
	acc := NewAccumulator()

	acc.Apply(&stream.ToolCallEvent{Name: "search", Args: map[string]any{"q": "x"}})
	snap := acc.Snapshot()
	snap.ToolCalls[0].Name = "mutated"
	snap.Content = "mutated"

	fresh := acc.Snapshot()
	assert.Equal(t, "search", fresh.ToolCalls[0].Name)
	assert.Empty(t, fresh.Content)
}

func TestAccumulator_FullScenario(t *testing.T) {
	acc := NewAccumulator()

	events := []stream.Event{
		textEv("Hel"),
		textEv("lo"),
		&stream.ToolCallEvent{Name: "search", Status: types.ToolCallRunning},
		&stream.ToolCallEvent{
			Name:   "search",
			Status: types.ToolCallComplete,
			Result: map[string]any{"sources": []any{map[string]any{"type": "text", "content": "tool-doc"}}},
		},
		&stream.SourcesEvent{Sources: []types.SourceRecord{{Kind: types.SourceText, Content: "doc1"}}},
		&stream.CompleteEvent{},
	}

	var snap types.Turn
	for _, ev := range events {
		snap = acc.Apply(ev)
	}

	assert.Equal(t, "Hello", snap.Content)
	require.Len(t, snap.ToolCalls, 1)
	assert.Equal(t, "search", snap.ToolCalls[0].Name)
	assert.Equal(t, types.ToolCallComplete, snap.ToolCalls[0].Status)
	require.Len(t, snap.Sources, 2)
	assert.Equal(t, "tool-doc", snap.Sources[0].Content)
	assert.Equal(t, "doc1", snap.Sources[1].Content)
	assert.Equal(t, types.TurnCompleted, snap.Status)
}

func TestExtractResultSources(t *testing.T) {
	out := extractResultSources(map[string]any{
		"sources": []any{
			map[string]any{"type": "text", "content": "a", "score": 1.4},
		},
	})
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Content)
	// Normalization applies on the way in.
	require.NotNil(t, out[0].Score)
	assert.Equal(t, 1.0, *out[0].Score)

	assert.Nil(t, extractResultSources(nil))
	assert.Nil(t, extractResultSources(map[string]any{"count": 3}))
	assert.Nil(t, extractResultSources(map[string]any{"sources": "not a list"}))
}
