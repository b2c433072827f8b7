package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doclens-ai/doclens/pkg/types"
)

// EventType discriminates the logical units of a turn stream.
type EventType string

const (
	EventText     EventType = "text"
	EventToolCall EventType = "tool_call"
	EventStep     EventType = "step"
	EventSources  EventType = "sources"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one decoded unit of a streamed turn.
type Event interface {
	EventType() EventType
}

// Terminal reports whether t ends the stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// TextEvent carries an incremental chunk of assistant text.
type TextEvent struct {
	Type    EventType `json:"type"` // always "text"
	Content string    `json:"content"`
}

func (e *TextEvent) EventType() EventType { return EventText }

// ToolCallEvent announces or updates one tool invocation. The server may
// send several events for the same name as the call progresses.
type ToolCallEvent struct {
	Type   EventType            `json:"type"` // always "tool_call"
	Name   string               `json:"name"`
	Args   map[string]any       `json:"args,omitempty"`
	Result map[string]any       `json:"result,omitempty"`
	Status types.ToolCallStatus `json:"status,omitempty"`
}

func (e *ToolCallEvent) EventType() EventType { return EventToolCall }

// StepEvent marks one execution step (search, generate, tool, ...).
type StepEvent struct {
	Type      EventType      `json:"type"` // always "step"
	Kind      types.StepKind `json:"kind"`
	Content   string         `json:"content"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

func (e *StepEvent) EventType() EventType { return EventStep }

// SourcesEvent delivers the end-of-turn retrieval batch in one piece.
type SourcesEvent struct {
	Type    EventType            `json:"type"` // always "sources"
	Sources []types.SourceRecord `json:"sources"`
}

func (e *SourcesEvent) EventType() EventType { return EventSources }

// CompleteEvent ends the stream successfully. TurnID, when present, is the
// server-assigned identifier for the finished turn.
type CompleteEvent struct {
	Type   EventType `json:"type"` // always "complete"
	TurnID string    `json:"turnID,omitempty"`
}

func (e *CompleteEvent) EventType() EventType { return EventComplete }

// ErrorEvent ends the stream with a server-signaled failure.
type ErrorEvent struct {
	Type    EventType `json:"type"` // always "error"
	Message string    `json:"message"`
}

func (e *ErrorEvent) EventType() EventType { return EventError }

type rawEvent struct {
	Type EventType `json:"type"`
}

// UnmarshalEvent decodes one JSON frame into its typed event. Frames that
// do not carry a known type, or that fail validation, yield a DecodeError.
func UnmarshalEvent(data []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Frame: string(data), Err: err}
	}

	switch raw.Type {
	case EventText:
		var e TextEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, &DecodeError{Frame: string(data), Err: err}
		}
		return &e, nil
	case EventToolCall:
		var e ToolCallEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, &DecodeError{Frame: string(data), Err: err}
		}
		if e.Name == "" {
			return nil, &DecodeError{Frame: string(data), Err: errors.New("tool_call event missing name")}
		}
		return &e, nil
	case EventStep:
		var e StepEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, &DecodeError{Frame: string(data), Err: err}
		}
		return &e, nil
	case EventSources:
		var e SourcesEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, &DecodeError{Frame: string(data), Err: err}
		}
		return &e, nil
	case EventComplete:
		var e CompleteEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, &DecodeError{Frame: string(data), Err: err}
		}
		return &e, nil
	case EventError:
		var e ErrorEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, &DecodeError{Frame: string(data), Err: err}
		}
		return &e, nil
	default:
		return nil, &DecodeError{Frame: string(data), Err: fmt.Errorf("unknown event type %q", raw.Type)}
	}
}
