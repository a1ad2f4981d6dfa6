// Package transport defines the capability set every concrete channel
// (stdio pipe, SSE stream, streamable HTTP) offers to the runtime: send a
// framed message, produce a lazy sequence of inbound frames, close.
package transport

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
)

// ErrTransportClosed is returned by Send after Close, or after the underlying
// channel went away.
var ErrTransportClosed = errors.New("transport: closed")

// Transport is a bidirectional message channel.
//
// Receive yields inbound frames in receipt order. A frame that failed to
// decode is still yielded (see jsonrpc.Frame.Invalid) and does not end the
// sequence. An I/O failure is yielded once as a non-nil error, after which
// the sequence ends; a clean end of stream ends it without an error. Receive
// is meant to be ranged over by a single consumer.
//
// Close releases underlying resources and is idempotent.
type Transport interface {
	Send(ctx context.Context, msg jsonrpc.Message) error
	Receive(ctx context.Context) iter.Seq2[jsonrpc.Frame, error]
	Close() error
}

// Error reports an I/O failure on a transport. It is always fatal to the
// connection that observed it.
type Error struct {
	Op  string // "send" or "receive"
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// SendError wraps err as a send failure unless it already is a transport error.
func SendError(err error) error { return wrap("send", err) }

// ReceiveError wraps err as a receive failure unless it already is a transport error.
func ReceiveError(err error) error { return wrap("receive", err) }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Err: err}
}
