package types

import "time"

// Thread is a persisted conversation. List endpoints return summaries with
// Turns nil and MessageCount set; fetching a single thread fills Turns.
type Thread struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userID,omitempty"`
	Title        string         `json:"title"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Turns        []Turn         `json:"turns,omitempty"`
	MessageCount int            `json:"messageCount"`
}

// Clone returns a deep copy of the thread and its turns.
func (t Thread) Clone() Thread {
	out := t
	out.Metadata = cloneMap(t.Metadata)
	if t.Turns != nil {
		out.Turns = make([]Turn, len(t.Turns))
		for i, turn := range t.Turns {
			out.Turns[i] = turn.Clone()
		}
	}
	return out
}
