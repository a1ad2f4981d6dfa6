// Package eventstoretest provides a conformance suite that every
// eventstore.Store implementation is expected to pass.
package eventstoretest

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-runtime-go/eventstore"
	"github.com/google/uuid"
)

// StoreFactory creates a new Store instance for testing.
type StoreFactory func(t *testing.T) eventstore.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
// No subtest appends more than 64 events to one stream.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Append_FirstSequenceIsOne", func(t *testing.T) { testFirstSequenceIsOne(t, factory) })
	t.Run("Append_SequencesStrictlyIncrease", func(t *testing.T) { testSequencesStrictlyIncrease(t, factory) })
	t.Run("Append_ConcurrentAppendsNeverCollide", func(t *testing.T) { testConcurrentAppends(t, factory) })
	t.Run("Replay_AfterCursor", func(t *testing.T) { testReplayAfterCursor(t, factory) })
	t.Run("Replay_Idempotent", func(t *testing.T) { testReplayIdempotent(t, factory) })
	t.Run("Replay_IsSnapshot", func(t *testing.T) { testReplayIsSnapshot(t, factory) })
	t.Run("Replay_BeyondEndIsEmpty", func(t *testing.T) { testReplayBeyondEnd(t, factory) })
	t.Run("Replay_UnknownStreamIsEmpty", func(t *testing.T) { testReplayUnknownStream(t, factory) })
	t.Run("Streams_Isolated", func(t *testing.T) { testStreamIsolation(t, factory) })
	t.Run("Prune_KeepsNumbering", func(t *testing.T) { testPruneKeepsNumbering(t, factory) })
	t.Run("RemoveStream_ResetsStream", func(t *testing.T) { testRemoveStream(t, factory) })
}

func newStreamID(t *testing.T) string {
	t.Helper()
	return "stream-" + uuid.NewString()
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustAppend(t *testing.T, ctx context.Context, s eventstore.Store, streamID string, payload string) uint64 {
	t.Helper()
	seq, err := s.Append(ctx, streamID, []byte(payload))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return seq
}

func mustReplay(t *testing.T, ctx context.Context, s eventstore.Store, streamID string, after uint64) []eventstore.Event {
	t.Helper()
	seq, err := s.Replay(ctx, streamID, after)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	return eventstore.Collect(seq)
}

func testFirstSequenceIsOne(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	stream := newStreamID(t)

	payload := `{"jsonrpc":"2.0","method":"notifications/message"}`
	if seq := mustAppend(t, ctx, s, stream, payload); seq != 1 {
		t.Fatalf("first append: want sequence 1 got %d", seq)
	}

	events := mustReplay(t, ctx, s, stream, 0)
	if len(events) != 1 {
		t.Fatalf("want 1 event got %d", len(events))
	}
	if events[0].Sequence != 1 || string(events[0].Payload) != payload {
		t.Fatalf("unexpected event: seq=%d payload=%s", events[0].Sequence, events[0].Payload)
	}
	if events[0].StreamID != stream {
		t.Fatalf("want stream %q got %q", stream, events[0].StreamID)
	}
}

func testSequencesStrictlyIncrease(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	stream := newStreamID(t)

	for i := 1; i <= 10; i++ {
		if seq := mustAppend(t, ctx, s, stream, fmt.Sprintf("m%d", i)); seq != uint64(i) {
			t.Fatalf("append %d: want sequence %d got %d", i, i, seq)
		}
	}

	events := mustReplay(t, ctx, s, stream, 0)
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("replay order broken at %d: got sequence %d", i, ev.Sequence)
		}
		if want := fmt.Sprintf("m%d", i+1); string(ev.Payload) != want {
			t.Fatalf("replay payload at %d: want %s got %s", i, want, ev.Payload)
		}
	}
}

func testConcurrentAppends(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	stream := newStreamID(t)

	const workers, perWorker = 4, 12
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seq, err := s.Append(ctx, stream, []byte(fmt.Sprintf("w%d-%d", w, i)))
				if err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
				mu.Lock()
				if seen[seq] {
					t.Errorf("sequence %d issued twice", seq)
				}
				seen[seq] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	for seq := uint64(1); seq <= workers*perWorker; seq++ {
		if !seen[seq] {
			t.Fatalf("sequence %d was skipped", seq)
		}
	}
	events := mustReplay(t, ctx, s, stream, 0)
	if len(events) != workers*perWorker {
		t.Fatalf("want %d events got %d", workers*perWorker, len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Fatalf("replay not ascending at %d", i)
		}
	}
}

func testReplayAfterCursor(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	stream := newStreamID(t)

	for i := 1; i <= 6; i++ {
		mustAppend(t, ctx, s, stream, fmt.Sprintf("m%d", i))
	}

	events := mustReplay(t, ctx, s, stream, 3)
	if len(events) != 3 {
		t.Fatalf("want 3 events after cursor 3, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != uint64(4+i) {
			t.Fatalf("want sequence %d got %d", 4+i, ev.Sequence)
		}
	}
}

func testReplayIdempotent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	stream := newStreamID(t)

	for i := 1; i <= 5; i++ {
		mustAppend(t, ctx, s, stream, fmt.Sprintf("m%d", i))
	}

	first := mustReplay(t, ctx, s, stream, 2)
	second := mustReplay(t, ctx, s, stream, 2)
	if len(first) != len(second) {
		t.Fatalf("replay lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Sequence != second[i].Sequence || !bytes.Equal(first[i].Payload, second[i].Payload) {
			t.Fatalf("replay differs at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func testReplayIsSnapshot(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	stream := newStreamID(t)

	mustAppend(t, ctx, s, stream, "before")
	seq, err := s.Replay(ctx, stream, 0)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	mustAppend(t, ctx, s, stream, "after")

	events := eventstore.Collect(seq)
	if len(events) != 1 || string(events[0].Payload) != "before" {
		t.Fatalf("replay observed a later append: %+v", events)
	}

	fresh := mustReplay(t, ctx, s, stream, 0)
	if len(fresh) != 2 {
		t.Fatalf("a fresh replay must see the later append, got %d events", len(fresh))
	}
}

func testReplayBeyondEnd(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	stream := newStreamID(t)

	mustAppend(t, ctx, s, stream, "m1")
	if events := mustReplay(t, ctx, s, stream, 1); len(events) != 0 {
		t.Fatalf("want no events at the tail, got %d", len(events))
	}
	if events := mustReplay(t, ctx, s, stream, 99); len(events) != 0 {
		t.Fatalf("want no events past the tail, got %d", len(events))
	}
	if events := mustReplay(t, ctx, s, stream, math.MaxUint64); len(events) != 0 {
		t.Fatalf("want no events for the largest cursor, got %d", len(events))
	}
}

func testReplayUnknownStream(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)

	if events := mustReplay(t, ctx, s, newStreamID(t), 0); len(events) != 0 {
		t.Fatalf("want no events for unknown stream, got %d", len(events))
	}
}

func testStreamIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	a, b := newStreamID(t), newStreamID(t)

	mustAppend(t, ctx, s, a, "a1")
	mustAppend(t, ctx, s, a, "a2")
	if seq := mustAppend(t, ctx, s, b, "b1"); seq != 1 {
		t.Fatalf("streams share numbering: got %d for first append on b", seq)
	}

	events := mustReplay(t, ctx, s, b, 0)
	if len(events) != 1 || string(events[0].Payload) != "b1" {
		t.Fatalf("stream b leaked events: %+v", events)
	}
}

func testPruneKeepsNumbering(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	stream := newStreamID(t)

	for i := 1; i <= 5; i++ {
		mustAppend(t, ctx, s, stream, fmt.Sprintf("m%d", i))
	}
	if err := s.Prune(ctx, stream, 3); err != nil {
		t.Fatalf("prune failed: %v", err)
	}

	events := mustReplay(t, ctx, s, stream, 0)
	if len(events) != 3 || events[0].Sequence != 3 {
		t.Fatalf("want events 3..5 after prune, got %+v", events)
	}
	if seq := mustAppend(t, ctx, s, stream, "m6"); seq != 6 {
		t.Fatalf("numbering changed after prune: got %d", seq)
	}
}

func testRemoveStream(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)
	stream := newStreamID(t)

	mustAppend(t, ctx, s, stream, "m1")
	mustAppend(t, ctx, s, stream, "m2")
	if err := s.RemoveStream(ctx, stream); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if events := mustReplay(t, ctx, s, stream, 0); len(events) != 0 {
		t.Fatalf("want empty stream after removal, got %d events", len(events))
	}
	if seq := mustAppend(t, ctx, s, stream, "fresh"); seq != 1 {
		t.Fatalf("want numbering to restart at 1, got %d", seq)
	}
}
