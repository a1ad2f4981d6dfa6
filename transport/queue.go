package transport

import (
	"context"
	"iter"
	"sync"

	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
)

// DefaultQueueCapacity is the inbound buffer used by channel-fed transports.
const DefaultQueueCapacity = 64

// Queue is a channel-fed inbound frame source. Transports whose inbound
// messages arrive out of band (HTTP POST bodies, an in-process pipe) push
// frames into a Queue and expose its Receive.
type Queue struct {
	ch   chan jsonrpc.Frame
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// NewQueue returns a Queue buffering up to capacity frames.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan jsonrpc.Frame, capacity), done: make(chan struct{})}
}

// Push enqueues a frame, blocking while the buffer is full.
func (q *Queue) Push(ctx context.Context, f jsonrpc.Frame) error {
	select {
	case <-q.done:
		return ErrTransportClosed
	default:
	}
	select {
	case q.ch <- f:
		return nil
	case <-q.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the Receive sequence. A non-nil err is yielded to the consumer
// as a receive failure; nil means a clean end of stream.
func (q *Queue) Close(err error) {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.err = err
		q.mu.Unlock()
		close(q.done)
	})
}

// Done is closed once Close has been called.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Receive yields queued frames until the queue is closed or ctx ends. Frames
// already buffered when Close is called are still delivered.
func (q *Queue) Receive(ctx context.Context) iter.Seq2[jsonrpc.Frame, error] {
	return func(yield func(jsonrpc.Frame, error) bool) {
		for {
			select {
			case f := <-q.ch:
				if !yield(f, nil) {
					return
				}
				continue
			default:
			}

			select {
			case f := <-q.ch:
				if !yield(f, nil) {
					return
				}
			case <-q.done:
				for {
					select {
					case f := <-q.ch:
						if !yield(f, nil) {
							return
						}
					default:
						q.mu.Lock()
						err := q.err
						q.mu.Unlock()
						if err != nil {
							yield(jsonrpc.Frame{}, ReceiveError(err))
						}
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
