// Package ssewire writes Server-Sent Events for the HTTP transports on top of
// go-sse, serializing concurrent writers onto one response.
package ssewire

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// MessageEvent is the event type carrying JSON-RPC payloads.
const MessageEvent = "message"

// Stream is an open event stream. go-sse sessions are not safe for
// concurrent use, so every write goes through the mutex.
type Stream struct {
	mu   sync.Mutex
	sess *sse.Session
	ctx  context.Context
}

// Open upgrades the response to an event stream and flushes the headers.
// Headers the caller wants on the response must be set before Open.
func Open(w http.ResponseWriter, r *http.Request) (*Stream, error) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade to event stream: %w", err)
	}
	s := &Stream{sess: sess, ctx: r.Context()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := sess.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush event stream headers: %w", err)
	}
	return s, nil
}

// Send writes one event and flushes it. The id line is omitted when id is
// empty, and so is the event line when eventType is.
func (s *Stream) Send(eventType, id string, data []byte) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	msg := &sse.Message{}
	if eventType != "" {
		msg.Type = sse.Type(eventType)
	}
	if id != "" {
		msg.ID = sse.ID(id)
	}
	msg.AppendData(string(data))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if err := s.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}

// Message writes a JSON-RPC payload as a message event.
func (s *Stream) Message(id string, payload []byte) error {
	return s.Send(MessageEvent, id, payload)
}
