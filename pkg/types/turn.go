// Package types provides the core data types for the doclens client.
package types

import "time"

// TurnRole identifies which side of an exchange produced a turn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// TurnOrigin distinguishes locally-synthesized turns from server-acknowledged
// ones. Optimistic inserts stay OriginLocal until the exchange succeeds, so
// rollback on failure is a plain removal.
type TurnOrigin string

const (
	OriginLocal     TurnOrigin = "local"
	OriginConfirmed TurnOrigin = "confirmed"
)

// TurnStatus is the lifecycle state of a turn.
type TurnStatus string

const (
	TurnStreaming TurnStatus = "streaming"
	TurnCompleted TurnStatus = "completed"
	TurnErrored   TurnStatus = "errored"
	TurnCancelled TurnStatus = "cancelled"
)

// Terminal reports whether the status is one of the three final states.
func (s TurnStatus) Terminal() bool {
	return s == TurnCompleted || s == TurnErrored || s == TurnCancelled
}

// ToolCallStatus is the lifecycle state of one tool invocation.
type ToolCallStatus string

const (
	ToolCallRunning        ToolCallStatus = "running"
	ToolCallComplete       ToolCallStatus = "complete"
	ToolCallRequiresAction ToolCallStatus = "requires_action"
	ToolCallIncomplete     ToolCallStatus = "incomplete"
)

// SourceKind discriminates retrieved source records.
type SourceKind string

const (
	SourceText  SourceKind = "text"
	SourceImage SourceKind = "image"
	SourceGraph SourceKind = "graph"
)

// StepKind tags execution-step markers. The set is open; unknown kinds from
// the server pass through unchanged.
type StepKind string

const (
	StepSearch   StepKind = "search"
	StepGenerate StepKind = "generate"
	StepTool     StepKind = "tool"
	StepError    StepKind = "error"
	StepStatus   StepKind = "status"
)

// Turn is one exchange in a conversation: a user input or an assistant output
// assembled incrementally from the event feed.
type Turn struct {
	ID          string           `json:"id"`
	Origin      TurnOrigin       `json:"origin,omitempty"`
	Role        TurnRole         `json:"role"`
	Content     string           `json:"content"`
	ToolCalls   []ToolCallRecord `json:"toolCalls,omitempty"`
	Sources     []SourceRecord   `json:"sources,omitempty"`
	Steps       []StepRecord     `json:"steps,omitempty"`
	Status      TurnStatus       `json:"status"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// Terminal reports whether the turn reached a final state.
func (t *Turn) Terminal() bool {
	return t.Status.Terminal()
}

// Clone returns a deep copy. Snapshots handed out while a turn is still
// accumulating must not share slices or maps with the working copy.
func (t Turn) Clone() Turn {
	out := t
	if t.ToolCalls != nil {
		out.ToolCalls = make([]ToolCallRecord, len(t.ToolCalls))
		for i, tc := range t.ToolCalls {
			out.ToolCalls[i] = tc.Clone()
		}
	}
	if t.Sources != nil {
		out.Sources = make([]SourceRecord, len(t.Sources))
		for i, src := range t.Sources {
			out.Sources[i] = src.Clone()
		}
	}
	if t.Steps != nil {
		out.Steps = make([]StepRecord, len(t.Steps))
		copy(out.Steps, t.Steps)
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// ToolCallRecord tracks one tool invocation within a turn. Name is the upsert
// key: updates before completion replace the record in place, preserving its
// position in the ordered list.
type ToolCallRecord struct {
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Status ToolCallStatus `json:"status"`
}

// Clone returns a deep copy of the record.
func (r ToolCallRecord) Clone() ToolCallRecord {
	out := r
	out.Args = cloneMap(r.Args)
	out.Result = cloneMap(r.Result)
	return out
}

// SourceRecord is one retrieved evidence item. Records are immutable once
// attached to a turn.
type SourceRecord struct {
	Kind     SourceKind     `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    *float64       `json:"score,omitempty"`
}

// Clone returns a deep copy of the record.
func (r SourceRecord) Clone() SourceRecord {
	out := r
	out.Metadata = cloneMap(r.Metadata)
	if r.Score != nil {
		score := *r.Score
		out.Score = &score
	}
	return out
}

// StepRecord is one execution-step marker. Steps are append-only; arrival
// order is the only ordering signal.
type StepRecord struct {
	Kind      StepKind   `json:"kind"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// cloneMap copies one level deep. Values are shared; turn payloads treat them
// as read-only after attachment.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
