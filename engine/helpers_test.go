package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/mcpservice"
	"github.com/ggoodman/mcp-runtime-go/transport"
)

const initializeRequest = `{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"raw","version":"0.0.1"}}}`

// rawPeer drives one end of a pipe by hand.
type rawPeer struct {
	t      *testing.T
	tr     transport.Transport
	frames chan jsonrpc.Frame
}

func newRawPeer(t *testing.T, tr transport.Transport) *rawPeer {
	t.Helper()
	p := &rawPeer{t: t, tr: tr, frames: make(chan jsonrpc.Frame, 64)}
	go func() {
		defer close(p.frames)
		for f, err := range tr.Receive(context.Background()) {
			if err != nil {
				return
			}
			p.frames <- f
		}
	}()
	t.Cleanup(func() { _ = tr.Close() })
	return p
}

func (p *rawPeer) send(raw string) {
	p.t.Helper()
	if err := p.tr.Send(context.Background(), json.RawMessage(raw)); err != nil {
		p.t.Fatalf("send %s: %v", raw, err)
	}
}

func (p *rawPeer) next() jsonrpc.Frame {
	p.t.Helper()
	select {
	case f, ok := <-p.frames:
		if !ok {
			p.t.Fatalf("transport closed while waiting for a frame")
		}
		return f
	case <-time.After(2 * time.Second):
		p.t.Fatalf("timed out waiting for a frame")
	}
	return jsonrpc.Frame{}
}

// response returns the next single response, skipping requests from the
// engine such as pings.
func (p *rawPeer) response() *jsonrpc.Response {
	p.t.Helper()
	for {
		f := p.next()
		if f.Batch || len(f.Messages) != 1 {
			p.t.Fatalf("want a single message, got %+v", f)
		}
		if f.Messages[0].Type() == "response" {
			return f.Messages[0].AsResponse()
		}
	}
}

func (p *rawPeer) initialize() {
	p.t.Helper()
	p.send(initializeRequest)
	resp := p.response()
	if resp.Error != nil {
		p.t.Fatalf("initialize failed: %v", resp.Error)
	}
	p.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
}

func waitState(t *testing.T, c *Conn, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("want state %s, got %s", want, c.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection did not close (state %s)", c.State())
	}
}

// statusLog records status callbacks.
type statusLog struct {
	mu      sync.Mutex
	entries []statusEntry
}

type statusEntry struct {
	state State
	err   error
}

func (l *statusLog) record(_ string, s State, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, statusEntry{s, err})
}

func (l *statusLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.state
	}
	return out
}

func (l *statusLog) last() statusEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return statusEntry{}
	}
	return l.entries[len(l.entries)-1]
}

func testMux() *mcpservice.Mux {
	mux := mcpservice.NewMux()
	mux.RegisterFunc("echo", func(_ context.Context, req *jsonrpc.Request, _ mcpservice.Session) (any, error) {
		return req.Params, nil
	})
	mux.RegisterFunc("fail", func(context.Context, *jsonrpc.Request, mcpservice.Session) (any, error) {
		return nil, fmt.Errorf("database unavailable")
	})
	mux.RegisterFunc("custom", func(context.Context, *jsonrpc.Request, mcpservice.Session) (any, error) {
		return nil, jsonrpc.NewError(-32001, "resource busy", map[string]any{"retryAfter": 3})
	})
	return mux
}

func closeEngine(t *testing.T, e *Engine) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
}
