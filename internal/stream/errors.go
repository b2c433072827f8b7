package stream

import "fmt"

// DecodeError marks a single malformed frame. It is recovered locally: the
// decoder logs it and keeps reading, so callers normally only see it in
// diagnostics or from UnmarshalEvent directly.
type DecodeError struct {
	Frame string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StreamError is a stream-level failure: a server-signaled {error} event or
// a transport fault. The turn keeps whatever content had already streamed.
type StreamError struct {
	Message string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream: %s: %v", e.Message, e.Err)
	}
	return "stream: " + e.Message
}

func (e *StreamError) Unwrap() error { return e.Err }

// ErrUnexpectedEnd reports a transport close after content had started
// arriving but before any terminal event.
var ErrUnexpectedEnd = &StreamError{Message: "stream ended unexpectedly"}
