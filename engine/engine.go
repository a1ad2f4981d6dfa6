// Package engine is the protocol runtime: it drives each connection through
// its lifecycle (handshake, steady-state dispatch, shutdown) on top of a
// transport.Transport, registering the resulting session in a shared
// sessions.Registry and handing application traffic to a single
// mcpservice.Handler.
//
// The same engine serves both roles. Accept runs the responding side of a
// connection whose peer will send initialize; Dial runs the initiating side.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/ggoodman/mcp-runtime-go/internal/correlator"
	"github.com/ggoodman/mcp-runtime-go/internal/logctx"
	"github.com/ggoodman/mcp-runtime-go/mcpservice"
	"github.com/ggoodman/mcp-runtime-go/sessions"
	"github.com/ggoodman/mcp-runtime-go/transport"
)

// DefaultVersions are the protocol versions the engine accepts, most
// preferred first.
var DefaultVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

var (
	// ErrVersionMismatch indicates that no protocol version is supported by
	// both sides.
	ErrVersionMismatch = errors.New("engine: protocol version mismatch")
	// ErrCapabilityNotNegotiated is returned by Conn.Call for a method whose
	// required capability the peer did not advertise.
	ErrCapabilityNotNegotiated = errors.New("engine: capability not negotiated")
	// ErrConnClosed is returned for operations on a closed connection.
	ErrConnClosed = errors.New("engine: connection closed")
	// ErrKeepAliveFailed is the teardown cause when the peer stops answering
	// pings.
	ErrKeepAliveFailed = errors.New("engine: keep-alive failed")
	// ErrEngineClosed is returned by Accept and Dial after Close.
	ErrEngineClosed = errors.New("engine: closed")
)

// StatusFunc observes connection state transitions. err is the teardown
// cause on the transitions into StateShuttingDown and StateClosed, and nil
// otherwise.
type StatusFunc func(sessionID string, state State, err error)

// Engine holds the configuration shared by every connection it runs.
type Engine struct {
	handler mcpservice.Handler
	log     *slog.Logger

	registry     *sessions.Registry
	ownsRegistry bool

	versions     []string
	capabilities map[string]json.RawMessage
	info         Implementation
	instructions string
	methodCaps   map[string]string

	requestTimeout    time.Duration
	keepAliveInterval time.Duration
	keepAliveFailures int
	maxInFlight       int
	idleTTL           time.Duration
	reapEvery         time.Duration
	status            StatusFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc
	reaperDone chan struct{}

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Records are enriched with session and rpc
// context through logctx.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithRegistry shares an existing registry. Without it the engine creates
// its own and closes it in Close.
func WithRegistry(r *sessions.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithVersions sets the supported protocol versions, most preferred first.
func WithVersions(versions ...string) Option {
	return func(e *Engine) {
		if len(versions) > 0 {
			e.versions = append([]string(nil), versions...)
		}
	}
}

// WithCapabilities sets the capabilities this side advertises during the
// handshake.
func WithCapabilities(caps map[string]json.RawMessage) Option {
	return func(e *Engine) { e.capabilities = maps.Clone(caps) }
}

// WithImplementation sets the name and version reported during the
// handshake.
func WithImplementation(info Implementation) Option {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the instructions returned in the initialize result.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// WithMethodCapability declares that method may only be used when the side
// serving it advertised capability. Inbound requests for the method are
// answered with MethodNotFound unless this side advertised it; Conn.Call
// refuses it unless the peer did.
func WithMethodCapability(method, capability string) Option {
	return func(e *Engine) { e.methodCaps[method] = capability }
}

// WithRequestTimeout bounds outbound requests that carry no earlier
// deadline. The default is correlator.DefaultTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.requestTimeout = d
		}
	}
}

// WithKeepAlive pings the peer every interval once a connection is ready.
// After maxFailures consecutive unanswered pings the connection is torn
// down; zero only logs the failures.
func WithKeepAlive(interval time.Duration, maxFailures int) Option {
	return func(e *Engine) {
		e.keepAliveInterval = interval
		e.keepAliveFailures = maxFailures
	}
}

// WithMaxInFlight bounds how many inbound requests per connection are
// handled concurrently. Zero means unbounded.
func WithMaxInFlight(n int) Option {
	return func(e *Engine) { e.maxInFlight = n }
}

// WithSessionIdleTTL evicts sessions with no inbound traffic for ttl,
// checking every reapEvery (ttl/2 when zero).
func WithSessionIdleTTL(ttl, reapEvery time.Duration) Option {
	return func(e *Engine) {
		e.idleTTL = ttl
		e.reapEvery = reapEvery
	}
}

// WithStatusCallback observes connection state transitions, including the
// transport errors that end connections.
func WithStatusCallback(fn StatusFunc) Option {
	return func(e *Engine) { e.status = fn }
}

// New returns an Engine dispatching application traffic to handler.
func New(handler mcpservice.Handler, opts ...Option) *Engine {
	e := &Engine{
		handler:        handler,
		log:            slog.Default(),
		versions:       DefaultVersions,
		methodCaps:     make(map[string]string),
		requestTimeout: correlator.DefaultTimeout,
		conns:          make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.log = slog.New(logctx.Handler{Handler: e.log.Handler()})
	if e.registry == nil {
		e.registry = sessions.NewRegistry(sessions.WithLogger(e.log))
		e.ownsRegistry = true
	}
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())

	if e.idleTTL > 0 {
		every := e.reapEvery
		if every <= 0 {
			every = e.idleTTL / 2
		}
		e.reaperDone = make(chan struct{})
		go func() {
			defer close(e.reaperDone)
			e.registry.RunReaper(e.baseCtx, every, e.idleTTL)
		}()
	}
	return e
}

// Registry returns the session registry connections are registered in.
func (e *Engine) Registry() *sessions.Registry { return e.registry }

// Versions returns the supported protocol versions, most preferred first.
func (e *Engine) Versions() []string { return append([]string(nil), e.versions...) }

// Logger returns the engine's context-enriching logger.
func (e *Engine) Logger() *slog.Logger { return e.log }

// AcceptOptions describe a connection whose peer initiates the handshake.
type AcceptOptions struct {
	// SessionID pre-assigns the session id, for transports that must hand
	// it to the peer before the handshake completes. Empty means the
	// registry generates one.
	SessionID string
	// UserID is the authenticated principal, if any.
	UserID string
	// Transport names the transport kind for diagnostics.
	Transport string
}

// Accept starts serving a connection on t and returns immediately. The
// connection ends when the transport does, when Close is called, or when its
// session is evicted.
func (e *Engine) Accept(t transport.Transport, opts AcceptOptions) (*Conn, error) {
	c, err := e.newConn(t, roleServer, opts.SessionID, opts.UserID, opts.Transport)
	if err != nil {
		return nil, err
	}
	e.log.DebugContext(c.ctx, "engine.conn.accept", slog.String("transport", opts.Transport))
	go c.run()
	return c, nil
}

// DialOptions describe a connection this side initiates.
type DialOptions struct {
	UserID    string
	Transport string
}

// Dial performs the initiating handshake on t and returns the ready
// connection. ctx bounds the handshake only.
func (e *Engine) Dial(ctx context.Context, t transport.Transport, opts DialOptions) (*Conn, error) {
	c, err := e.newConn(t, roleClient, "", opts.UserID, opts.Transport)
	if err != nil {
		return nil, err
	}
	go c.run()
	if err := c.initialize(ctx); err != nil {
		c.teardown(err)
		return nil, err
	}
	return c, nil
}

func (e *Engine) track(c *Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.conns[c] = struct{}{}
	return nil
}

func (e *Engine) untrack(c *Conn) {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
}

// Close tears down every connection, stops the idle reaper and, when the
// engine created its registry, closes it.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := make([]*Conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		c.teardown(nil)
	}
	e.baseCancel()
	if e.reaperDone != nil {
		select {
		case <-e.reaperDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.ownsRegistry {
		return e.registry.Close(ctx)
	}
	return nil
}
