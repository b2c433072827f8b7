package stream

import (
	"bufio"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/doclens-ai/doclens/internal/logging"
)

const (
	// dataMarker is the optional transport prefix on logical frames.
	dataMarker = "data:"

	// maxFrameSize bounds a single logical frame.
	maxFrameSize = 1 << 20
)

// Decoder turns a line-delimited transport stream into typed events.
//
// Frames are JSON objects discriminated by a "type" field, one per line,
// optionally prefixed with "data:". Blank lines and ":" comment lines are
// skipped. Malformed frames are logged and dropped; decoding continues with
// the next line.
//
// Usage follows the scanner shape:
//
//	dec := stream.NewDecoder(body)
//	defer dec.Close()
//	for dec.Next() {
//	    handle(dec.Current())
//	}
//	if err := dec.Err(); err != nil { ... }
//
// A terminal event ({complete} or {error}) ends iteration. A transport
// close without one is an implicit {complete} when no text had arrived
// yet, and ErrUnexpectedEnd otherwise.
type Decoder struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner
	log     zerolog.Logger

	current Event
	err     error
	sawText bool
	done    bool
}

// NewDecoder wraps a transport stream. The caller keeps ownership of rc
// until Close is called.
func NewDecoder(rc io.ReadCloser) *Decoder {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Decoder{
		rc:      rc,
		scanner: scanner,
		log:     logging.Component("stream"),
	}
}

// Next advances to the next decoded event. It returns false when the
// stream is exhausted; Err reports whether that was a failure.
func (d *Decoder) Next() bool {
	if d.done {
		return false
	}

	for d.scanner.Scan() {
		line := strings.TrimRight(d.scanner.Text(), "\r")
		if line == "" {
			continue
		}
		// Comment lines double as server-side keepalives.
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, dataMarker) {
			line = strings.TrimSpace(line[len(dataMarker):])
			if line == "" {
				continue
			}
		}

		ev, err := UnmarshalEvent([]byte(line))
		if err != nil {
			d.log.Debug().Err(err).Str("frame", truncateFrame(line)).Msg("Dropping malformed frame")
			continue
		}

		switch ev.(type) {
		case *TextEvent:
			d.sawText = true
		case *CompleteEvent, *ErrorEvent:
			// Terminal: yield it, then stop. Anything still buffered on
			// the transport is drained by Close, never decoded.
			d.done = true
		}
		d.current = ev
		return true
	}

	d.done = true
	if err := d.scanner.Err(); err != nil {
		d.err = &StreamError{Message: "transport read failed", Err: err}
		return false
	}
	if d.sawText {
		d.err = ErrUnexpectedEnd
		return false
	}
	// Close before any content is an empty exchange, not a failure.
	d.current = &CompleteEvent{Type: EventComplete}
	return true
}

// Current returns the event produced by the last successful Next.
func (d *Decoder) Current() Event { return d.current }

// Err returns the stream-level failure, if any. Nil after a clean end.
func (d *Decoder) Err() error { return d.err }

// Close releases the transport. Safe to call from another goroutine while
// a read is in flight; the pending Next fails with a transport error.
func (d *Decoder) Close() error {
	return d.rc.Close()
}

func truncateFrame(s string) string {
	const max = 256
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
