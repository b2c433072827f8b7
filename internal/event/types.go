package event

import "github.com/doclens-ai/doclens/pkg/types"

// TurnUpdatedData is the data for turn.updated events, published after every
// fold so subscribers can render progressively.
type TurnUpdatedData struct {
	ThreadID string     `json:"threadID,omitempty"`
	Turn     types.Turn `json:"turn"`
}

// TurnCompletedData is the data for turn.completed events.
type TurnCompletedData struct {
	ThreadID string     `json:"threadID,omitempty"`
	Turn     types.Turn `json:"turn"`
}

// TurnErroredData is the data for turn.errored events. The turn keeps
// whatever content had accumulated before the failure.
type TurnErroredData struct {
	ThreadID string     `json:"threadID,omitempty"`
	Turn     types.Turn `json:"turn"`
	Error    string     `json:"error"`
}

// TurnCancelledData is the data for turn.cancelled events.
type TurnCancelledData struct {
	ThreadID string     `json:"threadID,omitempty"`
	Turn     types.Turn `json:"turn"`
}

// ThreadCreatedData is the data for thread.created events.
type ThreadCreatedData struct {
	Info *types.Thread `json:"info"`
}

// ThreadUpdatedData is the data for thread.updated events.
type ThreadUpdatedData struct {
	Info *types.Thread `json:"info"`
}

// ThreadDeletedData is the data for thread.deleted events.
type ThreadDeletedData struct {
	ThreadID string `json:"threadID"`
}

// ThreadSelectedData is the data for thread.selected events. ThreadID is
// empty when the selection was cleared.
type ThreadSelectedData struct {
	ThreadID string `json:"threadID"`
}
