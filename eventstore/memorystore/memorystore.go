// Package memorystore provides an in-memory eventstore.Store suitable for
// single-node deployments and tests.
package memorystore

import (
	"context"
	"iter"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/mcp-runtime-go/eventstore"
)

// DefaultMaxEventsPerStream bounds each stream when no explicit limit is set.
const DefaultMaxEventsPerStream = 64

// Store implements eventstore.Store with a slice per stream.
type Store struct {
	mu        sync.RWMutex
	streams   map[string]*stream
	maxEvents int
	now       func() time.Time
}

type stream struct {
	events []eventstore.Event
	next   uint64
}

// Option configures a Store.
type Option func(*Store)

// WithMaxEventsPerStream caps how many events a stream retains; the oldest
// are dropped first. Zero or a negative value disables the cap.
func WithMaxEventsPerStream(n int) Option {
	return func(s *Store) { s.maxEvents = n }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		streams:   make(map[string]*stream),
		maxEvents: DefaultMaxEventsPerStream,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, streamID string, payload []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if streamID == "" {
		return 0, eventstore.ErrInvalidStreamID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamID]
	if !ok {
		st = &stream{}
		s.streams[streamID] = st
	}
	st.next++
	st.events = append(st.events, eventstore.Event{
		StreamID:  streamID,
		Sequence:  st.next,
		Payload:   slices.Clone(payload),
		Timestamp: s.now(),
	})
	if s.maxEvents > 0 && len(st.events) > s.maxEvents {
		drop := len(st.events) - s.maxEvents
		st.events = slices.Delete(st.events, 0, drop)
	}
	return st.next, nil
}

// Replay implements eventstore.Store.
func (s *Store) Replay(ctx context.Context, streamID string, after uint64) (iter.Seq[eventstore.Event], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, eventstore.ErrInvalidStreamID
	}

	if after == math.MaxUint64 {
		return slices.Values([]eventstore.Event(nil)), nil
	}

	s.mu.RLock()
	var snapshot []eventstore.Event
	if st, ok := s.streams[streamID]; ok {
		i, _ := slices.BinarySearchFunc(st.events, after+1, func(e eventstore.Event, seq uint64) int {
			switch {
			case e.Sequence < seq:
				return -1
			case e.Sequence > seq:
				return 1
			}
			return 0
		})
		snapshot = slices.Clone(st.events[i:])
	}
	s.mu.RUnlock()

	return slices.Values(snapshot), nil
}

// Prune implements eventstore.Store.
func (s *Store) Prune(ctx context.Context, streamID string, before uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamID]
	if !ok {
		return nil
	}
	i := 0
	for i < len(st.events) && st.events[i].Sequence < before {
		i++
	}
	st.events = slices.Delete(st.events, 0, i)
	return nil
}

// RemoveStream implements eventstore.Store.
func (s *Store) RemoveStream(ctx context.Context, streamID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.streams, streamID)
	s.mu.Unlock()
	return nil
}

var _ eventstore.Store = (*Store)(nil)
