package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/transport"
)

// Transport is a transport.Transport over newline-delimited JSON streams.
//
// Reading starts as soon as the transport is constructed and runs on its own
// goroutine; Receive hands out the decoded frames. Writes are serialized so
// concurrent senders never interleave lines.
type Transport struct {
	in     *bufio.Reader
	out    io.Writer
	closer io.Closer
	opts   options
	log    *slog.Logger

	wmu sync.Mutex

	q         *transport.Queue
	readDone  chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error

	// finish maps the reader's terminal error to the error Receive yields.
	finish func(readErr error) error
}

// DefaultShutdownGrace is how long closing a spawned process waits for it
// to exit on its own before killing it.
const DefaultShutdownGrace = 5 * time.Second

type options struct {
	log   *slog.Logger
	users UserProvider
	grace time.Duration
}

// Option customizes the stdio transport and its helpers.
type Option func(*options)

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithUserProvider overrides how Serve identifies the peer. The default is
// OSUserProvider.
func WithUserProvider(up UserProvider) Option {
	return func(o *options) {
		if up != nil {
			o.users = up
		}
	}
}

// WithShutdownGrace overrides DefaultShutdownGrace for spawned processes.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.grace = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{log: slog.Default(), users: OSUserProvider{}, grace: DefaultShutdownGrace}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// NewTransport reads frames from r and writes them to w. closer, when non
// nil, is closed by Close and should unblock a pending read on r.
func NewTransport(r io.Reader, w io.Writer, closer io.Closer, opts ...Option) *Transport {
	t := newTransport(r, w, closer, opts...)
	go t.readLoop()
	return t
}

func newTransport(r io.Reader, w io.Writer, closer io.Closer, opts ...Option) *Transport {
	o := buildOptions(opts)
	t := &Transport{
		// bufio.Reader rather than bufio.Scanner: no max token size.
		in:       bufio.NewReader(r),
		out:      w,
		closer:   closer,
		opts:     o,
		log:      o.log,
		q:        transport.NewQueue(0),
		readDone: make(chan struct{}),
	}
	t.finish = t.readError
	return t
}

// Send writes msg as a single line.
func (t *Transport) Send(ctx context.Context, msg jsonrpc.Message) error {
	if t.closed.Load() {
		return transport.ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, msg); err != nil {
		return err
	}
	buf.WriteByte('\n')

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.out.Write(buf.Bytes()); err != nil {
		if t.closed.Load() {
			return transport.ErrTransportClosed
		}
		return transport.SendError(err)
	}
	return nil
}

// Receive yields one frame per non-blank input line. End of input ends the
// sequence cleanly.
func (t *Transport) Receive(ctx context.Context) iter.Seq2[jsonrpc.Frame, error] {
	return t.q.Receive(ctx)
}

// Close stops delivery and closes the underlying closer. It is idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.q.Close(nil)
		if t.closer != nil {
			t.closeErr = t.closer.Close()
		}
	})
	return t.closeErr
}

func (t *Transport) readLoop() {
	defer close(t.readDone)
	for {
		line, err := t.in.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if perr := t.q.Push(context.Background(), jsonrpc.DecodeFrame(line)); perr != nil {
				t.finish(nil)
				return
			}
		}
		if err != nil {
			cause := t.finish(err)
			if cause != nil {
				t.log.Warn("stdio.read.fail", slog.String("err", cause.Error()))
			}
			t.q.Close(transport.ReceiveError(cause))
			return
		}
	}
}

func (t *Transport) readError(err error) error {
	if err == nil || errors.Is(err, io.EOF) || t.closed.Load() {
		return nil
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
