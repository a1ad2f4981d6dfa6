// Package outbox fans a session's outbound messages out to the single live
// SSE stream attached to it, recording them in an event store first so a
// reconnecting peer can resume where it left off.
//
// Appends and attaches are serialized by one mutex: a replay taken while
// attaching can neither miss an event published concurrently nor see one
// that will also arrive live.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"sync"

	"github.com/ggoodman/mcp-runtime-go/eventstore"
)

// DefaultBuffer is the number of live deliveries queued for a subscriber
// before it is considered too slow and detached.
const DefaultBuffer = 64

var (
	// ErrClosed is returned by Publish and Stream once the outbox is closed.
	ErrClosed = errors.New("outbox: closed")
	// ErrReplaced ends a stream when another subscriber attaches.
	ErrReplaced = errors.New("outbox: stream replaced by a newer subscriber")
	// ErrSlowSubscriber ends a stream that could not keep up with live traffic.
	ErrSlowSubscriber = errors.New("outbox: subscriber too slow")
)

// Delivery is one message handed to a subscriber. Seq is zero when no event
// store is configured.
type Delivery struct {
	Seq     uint64
	Payload []byte
}

// EventID renders Seq for an SSE id field, or "" when the delivery is not
// resumable.
func (d Delivery) EventID() string {
	if d.Seq == 0 {
		return ""
	}
	return strconv.FormatUint(d.Seq, 10)
}

type subscriber struct {
	ch     chan Delivery
	kicked chan struct{}
	once   sync.Once
	reason error
}

func (s *subscriber) kick(reason error) {
	s.once.Do(func() {
		s.reason = reason
		close(s.kicked)
	})
}

// Outbox is the outbound side of one resumable stream.
type Outbox struct {
	store    eventstore.Store
	streamID string
	log      *slog.Logger
	buffer   int

	mu     sync.Mutex
	sub    *subscriber
	closed bool
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the logger used for drop and detach diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *Outbox) { o.log = l }
}

// WithBuffer overrides DefaultBuffer.
func WithBuffer(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// New returns an Outbox for streamID. A nil store disables resumability:
// messages are delivered live only and dropped when nobody is attached.
func New(store eventstore.Store, streamID string, opts ...Option) *Outbox {
	o := &Outbox{store: store, streamID: streamID, log: slog.Default(), buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resumable reports whether deliveries carry replayable sequence numbers.
func (o *Outbox) Resumable() bool { return o.store != nil }

// Publish records payload and hands it to the attached subscriber, if any.
// It returns the sequence assigned by the event store, or zero.
func (o *Outbox) Publish(ctx context.Context, payload []byte) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return 0, ErrClosed
	}

	var seq uint64
	if o.store != nil {
		n, err := o.store.Append(ctx, o.streamID, payload)
		if err != nil {
			return 0, err
		}
		seq = n
	}

	if o.sub == nil {
		if o.store == nil {
			o.log.WarnContext(ctx, "outbox.publish.drop", slog.String("stream_id", o.streamID))
		}
		return seq, nil
	}

	select {
	case o.sub.ch <- Delivery{Seq: seq, Payload: payload}:
	default:
		o.log.WarnContext(ctx, "outbox.subscriber.slow", slog.String("stream_id", o.streamID))
		o.sub.kick(ErrSlowSubscriber)
		o.sub = nil
	}
	return seq, nil
}

// Stream attaches fn as the live subscriber, replacing any previous one, and
// blocks until ctx ends, fn fails, or the subscriber is detached.
//
// When after is non-nil and the outbox is resumable, every stored event with
// a sequence greater than *after is delivered first, in order, before any
// live delivery. Events up to *after are pruned from the store since the
// peer has acknowledged them. Without a store the cursor is ignored.
func (o *Outbox) Stream(ctx context.Context, after *uint64, fn func(Delivery) error) error {
	sub, err := o.Attach(ctx, after)
	if err != nil {
		return err
	}
	return sub.Run(ctx, fn)
}

// Subscription is an attached subscriber. Messages published after Attach
// returns are queued for it until Run delivers them. Run must be called.
type Subscription struct {
	o       *Outbox
	sub     *subscriber
	backlog []eventstore.Event
}

// Attach is the first half of Stream: it takes the replay snapshot and
// becomes the live subscriber without delivering anything yet, so the caller
// can write preamble events before traffic starts.
func (o *Outbox) Attach(ctx context.Context, after *uint64) (*Subscription, error) {
	sub := &subscriber{ch: make(chan Delivery, o.buffer), kicked: make(chan struct{})}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	var backlog []eventstore.Event
	if after != nil && o.store != nil {
		events, err := o.store.Replay(ctx, o.streamID, *after)
		if err != nil {
			o.mu.Unlock()
			return nil, err
		}
		backlog = slices.Collect(events)
	}
	if o.sub != nil {
		o.sub.kick(ErrReplaced)
	}
	o.sub = sub
	o.mu.Unlock()

	if after != nil && o.store != nil && *after > 0 && *after < math.MaxUint64 {
		if err := o.store.Prune(ctx, o.streamID, *after+1); err != nil {
			o.log.WarnContext(ctx, "outbox.prune.fail", slog.String("stream_id", o.streamID), slog.String("err", err.Error()))
		}
	}
	return &Subscription{o: o, sub: sub, backlog: backlog}, nil
}

// Run delivers the replay backlog and then live messages to fn until ctx
// ends, fn fails, or the subscription is detached.
func (s *Subscription) Run(ctx context.Context, fn func(Delivery) error) error {
	defer s.o.detach(s.sub)

	for _, ev := range s.backlog {
		if err := fn(Delivery{Seq: ev.Sequence, Payload: ev.Payload}); err != nil {
			return err
		}
	}
	s.backlog = nil

	sub := s.sub
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.kicked:
			// Drain what was queued before the kick so nothing handed to this
			// subscriber is silently lost.
			for {
				select {
				case d := <-sub.ch:
					if err := fn(d); err != nil {
						return err
					}
				default:
					return sub.reason
				}
			}
		case d := <-sub.ch:
			if err := fn(d); err != nil {
				return err
			}
		}
	}
}

// Detach drops the subscription without running it.
func (s *Subscription) Detach() { s.o.detach(s.sub) }

func (o *Outbox) detach(sub *subscriber) {
	o.mu.Lock()
	if o.sub == sub {
		o.sub = nil
	}
	o.mu.Unlock()
}

// Attached reports whether a live subscriber is currently attached.
func (o *Outbox) Attached() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sub != nil
}

// Close detaches the subscriber and, when resumable, removes the stream from
// the event store. It is safe to call more than once.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	if o.sub != nil {
		o.sub.kick(ErrClosed)
		o.sub = nil
	}
	o.mu.Unlock()

	if o.store != nil {
		return o.store.RemoveStream(ctx, o.streamID)
	}
	return nil
}
