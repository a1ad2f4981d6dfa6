package engine

import (
	"sync"

	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
)

// replySlot is where a request's response goes: straight to the transport,
// or into a position of a batch reply.
type replySlot struct {
	b *batchReply
	i int
}

func (c *Conn) slot(b *batchReply) replySlot {
	if b == nil {
		return replySlot{i: -1}
	}
	return replySlot{b: b, i: b.reserve()}
}

// deliver routes resp to its slot. A nil resp fills a batch position without
// contributing a response.
func (c *Conn) deliver(s replySlot, resp *jsonrpc.Response) {
	if s.b != nil {
		s.b.fill(s.i, resp)
		return
	}
	if resp == nil {
		return
	}
	if err := c.send(c.ctx, resp); err != nil {
		c.eng.log.DebugContext(c.ctx, "engine.reply.fail")
	}
}

// batchReply collects the responses to one inbound batch and sends them as a
// single array, in element order, once every position is filled and the
// frame has been fully read. A batch that yields no responses sends nothing.
type batchReply struct {
	c *Conn

	mu      sync.Mutex
	slots   []*jsonrpc.Response
	pending int
	sealed  bool
	sent    bool
}

func (b *batchReply) reserve() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots = append(b.slots, nil)
	b.pending++
	return len(b.slots) - 1
}

func (b *batchReply) fill(i int, resp *jsonrpc.Response) {
	b.mu.Lock()
	b.slots[i] = resp
	b.pending--
	ready := b.readyLocked()
	b.mu.Unlock()
	if ready {
		b.flush()
	}
}

func (b *batchReply) seal() {
	b.mu.Lock()
	b.sealed = true
	ready := b.readyLocked()
	b.mu.Unlock()
	if ready {
		b.flush()
	}
}

func (b *batchReply) readyLocked() bool {
	if b.sealed && b.pending == 0 && !b.sent {
		b.sent = true
		return true
	}
	return false
}

func (b *batchReply) flush() {
	out := make([]*jsonrpc.Response, 0, len(b.slots))
	for _, r := range b.slots {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return
	}
	if err := b.c.send(b.c.ctx, out); err != nil {
		b.c.eng.log.DebugContext(b.c.ctx, "engine.batch.reply.fail")
	}
}
