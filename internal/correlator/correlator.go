// Package correlator tracks the requests a connection has issued to its peer
// and matches incoming responses to them.
//
// Each pending request owns a single-use result slot, resolved exactly once:
// by the matching response, by its deadline, by the caller giving up, by the
// peer cancelling it, or by connection teardown. Whatever arrives for an id
// after its slot was resolved is discarded and counted.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
)

// DefaultTimeout bounds how long Call waits for a response when the caller's
// context carries no earlier deadline.
const DefaultTimeout = 60 * time.Second

// CancelledNotificationMethod is exchanged in both directions to abandon an
// in-flight request.
const CancelledNotificationMethod = "notifications/cancelled"

var (
	// ErrCorrelatorClosed is returned by Call after Close.
	ErrCorrelatorClosed = errors.New("correlator: closed")
	// ErrTimeout indicates the request deadline elapsed without a response.
	ErrTimeout = errors.New("correlator: request timed out")
	// ErrRequestCancelled indicates the request was abandoned because the
	// connection was torn down.
	ErrRequestCancelled = errors.New("correlator: request cancelled")
	// ErrRemoteCancelled indicates the peer cancelled the request.
	ErrRemoteCancelled = errors.New("correlator: remote cancelled")
)

// Transport abstracts how requests and cancellations reach the peer.
type Transport interface {
	SendRequest(ctx context.Context, req *jsonrpc.Request) error
	SendCancelled(ctx context.Context, id *jsonrpc.RequestID, reason string) error
}

// CancelledParams is the payload of notifications/cancelled.
type CancelledParams struct {
	RequestID *jsonrpc.RequestID `json:"requestId"`
	Reason    string             `json:"reason,omitempty"`
}

type result struct {
	resp *jsonrpc.Response
	err  error
}

type pending struct {
	id        *jsonrpc.RequestID
	slot      chan result // capacity 1, written at most once
	createdAt time.Time
	timer     *time.Timer
}

// Correlator coordinates locally issued JSON-RPC requests. It is
// transport-agnostic and safe for concurrent use.
type Correlator struct {
	t       Transport
	log     *slog.Logger
	timeout time.Duration
	nextID  func() *jsonrpc.RequestID

	mu      sync.Mutex
	pending map[string]*pending

	counter   atomic.Int64
	discarded atomic.Int64

	closed   atomic.Bool
	closeErr error
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) { c.timeout = d }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) { c.log = l }
}

// WithIDSource replaces the default integer counter used for request ids.
func WithIDSource(next func() *jsonrpc.RequestID) Option {
	return func(c *Correlator) { c.nextID = next }
}

// New constructs a Correlator sending through t.
func New(t Transport, opts ...Option) *Correlator {
	c := &Correlator{
		t:       t,
		log:     slog.Default(),
		timeout: DefaultTimeout,
		pending: make(map[string]*pending),
	}
	c.nextID = func() *jsonrpc.RequestID { return jsonrpc.NewRequestID(c.counter.Add(1)) }
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Correlator) closedErr() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrCorrelatorClosed
}

// register allocates an id that is not currently outstanding and installs a
// pending entry for it.
func (c *Correlator) register() (*pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, c.closedErr()
	}
	for attempt := 0; attempt < 16; attempt++ {
		id := c.nextID()
		key := id.String()
		if key == "" {
			return nil, errors.New("correlator: id source produced an empty id")
		}
		if _, taken := c.pending[key]; taken {
			c.log.Warn("correlator.id.collision", slog.String("id", key))
			continue
		}
		p := &pending{id: id, slot: make(chan result, 1), createdAt: time.Now()}
		c.pending[key] = p
		return p, nil
	}
	return nil, errors.New("correlator: id source keeps colliding with outstanding requests")
}

// take removes and returns the pending entry for key, if still outstanding.
func (c *Correlator) take(key string) (*pending, bool) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if ok && p.timer != nil {
		p.timer.Stop()
	}
	return p, ok
}

// Call sends a request and waits for its response. A response carrying a
// JSON-RPC error is returned as a *jsonrpc.Response, not as a Go error; Go
// errors are reserved for the request never being answered.
func (c *Correlator) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	var paramsRaw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsRaw = b
	}

	p, err := c.register()
	if err != nil {
		return nil, err
	}
	key := p.id.String()

	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	c.mu.Lock()
	if _, still := c.pending[key]; still {
		p.timer = time.AfterFunc(timeout, func() {
			if p, ok := c.take(key); ok {
				p.slot <- result{err: fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, method)}
			}
		})
	}
	c.mu.Unlock()

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: paramsRaw, ID: p.id}
	if err := c.t.SendRequest(ctx, req); err != nil {
		c.take(key)
		return nil, err
	}

	select {
	case r := <-p.slot:
		return r.resp, r.err
	case <-ctx.Done():
		if _, ok := c.take(key); ok {
			// Best-effort: tell the peer it can stop working on it.
			_ = c.t.SendCancelled(context.WithoutCancel(ctx), p.id, ctx.Err().Error())
			return nil, ctx.Err()
		}
		// Resolved concurrently with cancellation; the slot holds the outcome.
		r := <-p.slot
		return r.resp, r.err
	}
}

// Resolve delivers an incoming response to its waiting call. It reports
// whether the response matched an outstanding request; unmatched responses
// (unknown, duplicate or late) are discarded and counted.
func (c *Correlator) Resolve(resp *jsonrpc.Response) bool {
	if resp == nil || resp.ID.IsNil() {
		c.discard(resp, "missing id")
		return false
	}
	p, ok := c.take(resp.ID.String())
	if !ok {
		c.discard(resp, "no pending request")
		return false
	}
	p.slot <- result{resp: resp}
	return true
}

func (c *Correlator) discard(resp *jsonrpc.Response, why string) {
	n := c.discarded.Add(1)
	id := ""
	if resp != nil {
		id = resp.ID.String()
	}
	c.log.Debug("correlator.response.discard", slog.String("id", id), slog.String("why", why), slog.Int64("discarded", n))
}

// HandleCancelled processes a peer notifications/cancelled that refers to a
// request this side issued. It reports whether a pending request was
// cancelled.
func (c *Correlator) HandleCancelled(params json.RawMessage) bool {
	var p CancelledParams
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID.IsNil() {
		return false
	}
	pc, ok := c.take(p.RequestID.String())
	if !ok {
		return false
	}
	err := ErrRemoteCancelled
	if p.Reason != "" {
		err = fmt.Errorf("%w: %s", ErrRemoteCancelled, p.Reason)
	}
	pc.slot <- result{err: err}
	return true
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Discarded returns how many responses were dropped because nothing was
// waiting for them.
func (c *Correlator) Discarded() int64 { return c.discarded.Load() }

// Close resolves every outstanding request with ErrRequestCancelled (wrapping
// cause, when given) and makes later Calls fail.
func (c *Correlator) Close(cause error) {
	c.mu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	err := ErrRequestCancelled
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrRequestCancelled, cause)
	}
	c.closeErr = err
	drained := make([]*pending, 0, len(c.pending))
	for key, p := range c.pending {
		delete(c.pending, key)
		drained = append(drained, p)
	}
	c.mu.Unlock()

	for _, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.slot <- result{err: err}
	}
}
