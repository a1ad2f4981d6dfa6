package transport

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
)

// Pipe returns two in-process transports connected back to back: whatever is
// sent on one is received by the other. Closing either end closes both.
func Pipe() (Transport, Transport) {
	a := &pipeEnd{in: NewQueue(0)}
	b := &pipeEnd{in: NewQueue(0)}
	a.peer, b.peer = b, a
	shared := &sync.Once{}
	a.closeOnce, b.closeOnce = shared, shared
	return a, b
}

type pipeEnd struct {
	in        *Queue
	peer      *pipeEnd
	closeOnce *sync.Once
}

func (p *pipeEnd) Send(ctx context.Context, msg jsonrpc.Message) error {
	return p.peer.in.Push(ctx, jsonrpc.DecodeFrame(slices.Clone(msg)))
}

func (p *pipeEnd) Receive(ctx context.Context) iter.Seq2[jsonrpc.Frame, error] {
	return p.in.Receive(ctx)
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() {
		p.in.Close(nil)
		p.peer.in.Close(nil)
	})
	return nil
}
