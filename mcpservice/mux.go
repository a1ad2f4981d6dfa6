package mcpservice

import (
	"context"
	"slices"
	"sync"

	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
)

var _ Handler = (*Mux)(nil)

// Mux routes messages to handlers by method name. Requests for unregistered
// methods get ErrMethodNotFound; notifications for unregistered methods are
// ignored.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Register routes method to h, replacing any previous registration.
func (m *Mux) Register(method string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// RegisterFunc routes method to fn.
func (m *Mux) RegisterFunc(method string, fn func(ctx context.Context, req *jsonrpc.Request, sess Session) (any, error)) {
	m.Register(method, HandlerFunc(fn))
}

// Fallback sets the handler for methods with no registration.
func (m *Mux) Fallback(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = h
}

// Methods returns the registered method names, sorted.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (m *Mux) Handle(ctx context.Context, req *jsonrpc.Request, sess Session) (any, error) {
	m.mu.RLock()
	h, ok := m.handlers[req.Method]
	if !ok {
		h = m.fallback
	}
	m.mu.RUnlock()

	if h == nil {
		if req.IsNotification() {
			return nil, nil
		}
		return nil, ErrMethodNotFound
	}
	return h.Handle(ctx, req, sess)
}
