package stream

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDecoder(body string) *Decoder {
	return NewDecoder(io.NopCloser(strings.NewReader(body)))
}

func drain(t *testing.T, d *Decoder) []Event {
	t.Helper()
	var events []Event
	for d.Next() {
		events = append(events, d.Current())
	}
	return events
}

func TestDecoder_TextSequence(t *testing.T) {
	body := `{"type":"text","content":"Hel"}
{"type":"text","content":"lo"}
{"type":"complete"}
`
	d := newTestDecoder(body)
	events := drain(t, d)

	require.NoError(t, d.Err())
	require.Len(t, events, 3)

	text1, ok := events[0].(*TextEvent)
	require.True(t, ok)
	assert.Equal(t, "Hel", text1.Content)

	text2, ok := events[1].(*TextEvent)
	require.True(t, ok)
	assert.Equal(t, "lo", text2.Content)

	_, ok = events[2].(*CompleteEvent)
	assert.True(t, ok)
}

func TestDecoder_DataMarkerAndComments(t *testing.T) {
	body := ": keepalive\r\n" +
		"data: {\"type\":\"text\",\"content\":\"hi\"}\r\n" +
		"\r\n" +
		"data:\r\n" +
		"data: {\"type\":\"complete\",\"turnID\":\"turn-9\"}\r\n"

	d := newTestDecoder(body)
	events := drain(t, d)

	require.NoError(t, d.Err())
	require.Len(t, events, 2)

	text, ok := events[0].(*TextEvent)
	require.True(t, ok)
	assert.Equal(t, "hi", text.Content)

	complete, ok := events[1].(*CompleteEvent)
	require.True(t, ok)
	assert.Equal(t, "turn-9", complete.TurnID)
}

func TestDecoder_MalformedFrameSkipped(t *testing.T) {
	body := `{"type":"text","content":"a"}
{not json at all
{"type":"totally_unknown","content":"x"}
{"type":"tool_call","args":{}}
{"type":"text","content":"b"}
{"type":"complete"}
`
	d := newTestDecoder(body)
	events := drain(t, d)

	// Three bad frames in the middle: invalid JSON, unknown type, and a
	// tool_call with no name. All are dropped, decoding continues.
	require.NoError(t, d.Err())
	require.Len(t, events, 3)

	assert.Equal(t, "a", events[0].(*TextEvent).Content)
	assert.Equal(t, "b", events[1].(*TextEvent).Content)
	assert.Equal(t, EventComplete, events[2].EventType())
}

func TestDecoder_ToolCallAndSources(t *testing.T) {
	body := `{"type":"tool_call","name":"search","args":{"query":"tax"},"status":"running"}
{"type":"sources","sources":[{"type":"text","content":"doc1","score":0.8}]}
{"type":"step","kind":"search","content":"searching corpus"}
{"type":"complete"}
`
	d := newTestDecoder(body)
	events := drain(t, d)

	require.NoError(t, d.Err())
	require.Len(t, events, 4)

	call, ok := events[0].(*ToolCallEvent)
	require.True(t, ok)
	assert.Equal(t, "search", call.Name)
	assert.Equal(t, "tax", call.Args["query"])

	srcs, ok := events[1].(*SourcesEvent)
	require.True(t, ok)
	require.Len(t, srcs.Sources, 1)
	assert.Equal(t, "doc1", srcs.Sources[0].Content)
	require.NotNil(t, srcs.Sources[0].Score)
	assert.InDelta(t, 0.8, *srcs.Sources[0].Score, 0.001)

	step, ok := events[2].(*StepEvent)
	require.True(t, ok)
	assert.Equal(t, "searching corpus", step.Content)
}

func TestDecoder_StopsAfterTerminal(t *testing.T) {
	body := `{"type":"error","message":"model overloaded"}
{"type":"text","content":"never decoded"}
`
	d := newTestDecoder(body)

	require.True(t, d.Next())
	errEv, ok := d.Current().(*ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "model overloaded", errEv.Message)

	// Frames after a terminal event are never decoded.
	assert.False(t, d.Next())
	assert.NoError(t, d.Err())
}

func TestDecoder_ImplicitComplete(t *testing.T) {
	// Transport closes before any content: implicit complete, not an error.
	d := newTestDecoder("")

	require.True(t, d.Next())
	_, ok := d.Current().(*CompleteEvent)
	assert.True(t, ok)

	assert.False(t, d.Next())
	assert.NoError(t, d.Err())
}

func TestDecoder_ImplicitCompleteAfterNonText(t *testing.T) {
	body := `{"type":"step","kind":"status","content":"queued"}
`
	d := newTestDecoder(body)
	events := drain(t, d)

	require.NoError(t, d.Err())
	require.Len(t, events, 2)
	assert.Equal(t, EventStep, events[0].EventType())
	assert.Equal(t, EventComplete, events[1].EventType())
}

func TestDecoder_UnexpectedEnd(t *testing.T) {
	// Close after text but before any terminal event is a failure; the
	// partial content already yielded stays with the caller.
	body := `{"type":"text","content":"Par"}
`
	d := newTestDecoder(body)

	require.True(t, d.Next())
	assert.Equal(t, "Par", d.Current().(*TextEvent).Content)

	assert.False(t, d.Next())
	require.Error(t, d.Err())
	assert.ErrorIs(t, d.Err(), ErrUnexpectedEnd)
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) > 0 {
		n := copy(p, r.data)
		r.data = r.data[n:]
		return n, nil
	}
	return 0, r.err
}

func (r *failingReader) Close() error { return nil }

func TestDecoder_TransportError(t *testing.T) {
	cause := errors.New("connection reset")
	d := NewDecoder(&failingReader{
		data: []byte("{\"type\":\"text\",\"content\":\"Par\"}\n"),
		err:  cause,
	})

	require.True(t, d.Next())
	assert.False(t, d.Next())

	var streamErr *StreamError
	require.ErrorAs(t, d.Err(), &streamErr)
	assert.ErrorIs(t, d.Err(), cause)
}

func TestDecoder_DoneAfterTerminalEvenOnReuse(t *testing.T) {
	body := `{"type":"complete"}
`
	d := newTestDecoder(body)

	require.True(t, d.Next())
	assert.False(t, d.Next())
	assert.False(t, d.Next())
	assert.NoError(t, d.Err())
}
