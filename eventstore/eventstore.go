// Package eventstore defines the append-only, per-stream log the runtime uses
// to replay outbound traffic a peer missed while disconnected.
//
// Sequences are assigned per stream, start at 1 and strictly increase. Replay
// returns a finite snapshot; it is not a live subscription. Live delivery is
// layered on top by the HTTP transports.
package eventstore

import (
	"context"
	"errors"
	"iter"
	"strconv"
	"time"
)

// ErrInvalidStreamID is returned when a stream id is empty.
var ErrInvalidStreamID = errors.New("eventstore: invalid stream id")

// Event is a previously appended payload together with its position.
type Event struct {
	StreamID  string
	Sequence  uint64
	Payload   []byte
	Timestamp time.Time
}

// EventID renders the sequence the way it travels in SSE id fields.
func (e Event) EventID() string { return strconv.FormatUint(e.Sequence, 10) }

// Store is implemented by event log backends. Implementations must be safe for
// concurrent use across streams; appends to a single stream are totally
// ordered.
type Store interface {
	// Append stores payload at the end of the stream and returns its sequence.
	// The first append to a stream returns 1.
	Append(ctx context.Context, streamID string, payload []byte) (uint64, error)

	// Replay returns the events with a sequence strictly greater than after,
	// in ascending order, as they exist when Replay is called.
	Replay(ctx context.Context, streamID string, after uint64) (iter.Seq[Event], error)

	// Prune discards events with a sequence strictly lower than before.
	// Sequence numbering is unaffected.
	Prune(ctx context.Context, streamID string, before uint64) error

	// RemoveStream drops the stream and its numbering state.
	RemoveStream(ctx context.Context, streamID string) error
}

// ParseEventID parses an SSE Last-Event-ID value into a replay cursor. ok is
// false for anything that is not a positive decimal sequence.
func ParseEventID(s string) (seq uint64, ok bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Collect drains a replay sequence into a slice.
func Collect(seq iter.Seq[Event]) []Event {
	var out []Event
	for ev := range seq {
		out = append(out, ev)
	}
	return out
}
