package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-runtime-go/internal/correlator"
	"github.com/ggoodman/mcp-runtime-go/internal/keepalive"
	"github.com/ggoodman/mcp-runtime-go/internal/logctx"
	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/mcpservice"
	"github.com/ggoodman/mcp-runtime-go/sessions"
	"github.com/ggoodman/mcp-runtime-go/transport"
)

// notificationBacklog bounds notifications queued for the handler.
const notificationBacklog = 64

type role int

const (
	roleServer role = iota
	roleClient
)

var _ mcpservice.Session = (*Conn)(nil)

// Conn is one logical connection driven by the engine. It doubles as the
// mcpservice.Session handed to handlers.
type Conn struct {
	eng    *Engine
	t      transport.Transport
	role   role
	kind   string
	userID string

	ctx    context.Context
	cancel context.CancelCauseFunc

	corr *correlator.Correlator
	sem  chan struct{}

	state atomic.Int32

	mu         sync.Mutex
	id         string
	version    string
	caps       sessions.CapabilitySet
	peer       Implementation
	registered bool
	ka         *keepalive.Supervisor

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	notes chan *jsonrpc.Request

	tearingDown atomic.Bool
	done        chan struct{}
	err         error
}

func (e *Engine) newConn(t transport.Transport, r role, sessionID, userID, kind string) (*Conn, error) {
	if t == nil {
		return nil, errors.New("engine: transport is required")
	}
	ctx, cancel := context.WithCancelCause(e.baseCtx)
	c := &Conn{
		eng:      e,
		t:        t,
		role:     r,
		kind:     kind,
		userID:   userID,
		id:       sessionID,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]context.CancelFunc),
		notes:    make(chan *jsonrpc.Request, notificationBacklog),
		done:     make(chan struct{}),
	}
	c.corr = correlator.New(corrTransport{c: c}, correlator.WithTimeout(e.requestTimeout), correlator.WithLogger(e.log))
	if e.maxInFlight > 0 {
		c.sem = make(chan struct{}, e.maxInFlight)
	}
	if err := e.track(c); err != nil {
		cancel(err)
		return nil, err
	}
	return c, nil
}

// SessionID returns the session id. Before the handshake completes it is the
// pre-assigned id, if any.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Conn) UserID() string { return c.userID }

// ProtocolVersion returns the negotiated protocol version, or "" before the
// handshake completes.
func (c *Conn) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Capabilities returns the capabilities advertised by both sides.
func (c *Conn) Capabilities() sessions.CapabilitySet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Peer returns the implementation info the peer reported.
func (c *Conn) Peer() Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed once the connection reached StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the teardown cause once the connection is closed. A clean
// close reports nil.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Call issues a request to the peer and waits for its response.
func (c *Conn) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	if c.State() >= StateShuttingDown {
		return nil, ErrConnClosed
	}
	if capName, ok := c.eng.methodCaps[method]; ok && !c.Capabilities().HasPeer(capName) {
		return nil, fmt.Errorf("%w: %s requires %q", ErrCapabilityNotNegotiated, method, capName)
	}
	return c.corr.Call(ctx, method, params)
}

// Notify sends a notification to the peer.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if c.State() >= StateShuttingDown {
		return ErrConnClosed
	}
	req, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	return c.send(ctx, req)
}

// Close tears the connection down and waits until it is closed.
func (c *Conn) Close() error {
	c.teardown(nil)
	<-c.done
	return nil
}

func (c *Conn) logContext() context.Context {
	c.mu.Lock()
	sd := &logctx.SessionData{SessionID: c.id, UserID: c.userID, ProtocolVersion: c.version, Transport: c.kind}
	c.mu.Unlock()
	return logctx.WithSessionData(c.ctx, sd)
}

func (c *Conn) setState(s State, err error) {
	c.state.Store(int32(s))
	c.notifyStatus(s, err)
}

func (c *Conn) notifyStatus(s State, err error) {
	if c.eng.status != nil {
		c.eng.status(c.SessionID(), s, err)
	}
}

// send marshals and writes one message. Transport failures tear the
// connection down; the teardown runs on its own goroutine because send may
// be reached from code that teardown waits for.
func (c *Conn) send(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.t.Send(ctx, b); err != nil {
		var te *transport.Error
		if errors.As(err, &te) {
			go c.teardown(err)
		}
		return err
	}
	return nil
}

func (c *Conn) run() {
	go c.runNotifications()

	var cause error
	for f, err := range c.t.Receive(c.ctx) {
		if err != nil {
			cause = err
			break
		}
		c.handleFrame(f)
	}
	c.teardown(cause)
}

func (c *Conn) handleFrame(f jsonrpc.Frame) {
	c.mu.Lock()
	id, registered := c.id, c.registered
	c.mu.Unlock()
	if registered {
		_ = c.eng.registry.Touch(id)
	}

	var batch *batchReply
	if f.Batch {
		batch = &batchReply{c: c}
	}
	for msg, inv := range f.Entries() {
		if inv != nil {
			c.eng.log.WarnContext(c.logContext(), "engine.frame.invalid", slog.String("err", inv.Err.Message))
			c.deliver(c.slot(batch), inv.Response())
			continue
		}
		switch msg.Type() {
		case "response":
			c.corr.Resolve(msg.AsResponse())
		case "notification":
			c.handleNotification(msg.AsRequest())
		default:
			c.handleRequest(msg.AsRequest(), batch)
		}
	}
	if batch != nil {
		batch.seal()
	}
}

func (c *Conn) handleRequest(req *jsonrpc.Request, batch *batchReply) {
	slot := c.slot(batch)
	switch req.Method {
	case InitializeMethod:
		if batch != nil {
			c.deliver(slot, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "initialize must not be batched", nil))
			return
		}
		c.handleInitialize(req)
		return
	case PingMethod:
		resp, _ := jsonrpc.NewResultResponse(req.ID, struct{}{})
		c.deliver(slot, resp)
		return
	}

	if c.State() != StateReady {
		c.deliver(slot, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil))
		return
	}
	if capName, ok := c.eng.methodCaps[req.Method]; ok && !c.Capabilities().HasLocal(capName) {
		c.deliver(slot, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil))
		return
	}
	c.dispatch(req, slot)
}

// dispatch runs the handler on its own goroutine. Goroutines are started in
// receipt order; with WithMaxInFlight the receive loop waits for a free slot.
func (c *Conn) dispatch(req *jsonrpc.Request, slot replySlot) {
	if c.sem != nil {
		select {
		case c.sem <- struct{}{}:
		case <-c.ctx.Done():
			c.deliver(slot, nil)
			return
		}
	}

	key := req.ID.String()
	ctx := logctx.WithRPCMessage(c.logContext(), &logctx.RPCMessage{Method: req.Method, ID: key, Type: "request"})
	ctx, cancel := context.WithCancel(ctx)
	c.inflightMu.Lock()
	if _, busy := c.inflight[key]; busy {
		c.inflightMu.Unlock()
		cancel()
		if c.sem != nil {
			<-c.sem
		}
		c.eng.log.WarnContext(ctx, "engine.rpc.inbound.duplicate_id")
		c.deliver(slot, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "request id already in flight", nil))
		return
	}
	c.inflight[key] = cancel
	c.inflightMu.Unlock()

	go func() {
		defer cancel()
		if c.sem != nil {
			defer func() { <-c.sem }()
		}
		start := time.Now()
		res, err := c.invoke(ctx, req)

		c.inflightMu.Lock()
		_, stillTracked := c.inflight[key]
		delete(c.inflight, key)
		c.inflightMu.Unlock()
		if !stillTracked {
			// Cancelled by the peer, which expects no response.
			c.eng.log.DebugContext(ctx, "engine.rpc.inbound.cancelled")
			c.deliver(slot, nil)
			return
		}

		var resp *jsonrpc.Response
		if err != nil {
			rpcErr := mcpservice.RPCError(err)
			if rpcErr.Code == jsonrpc.ErrorCodeInternalError {
				c.eng.log.ErrorContext(ctx, "engine.rpc.inbound.fail", slog.String("err", err.Error()))
			}
			resp = &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: req.ID}
		} else if resp, err = jsonrpc.NewResultResponse(req.ID, res); err != nil {
			c.eng.log.ErrorContext(ctx, "engine.rpc.result.marshal.fail", slog.String("err", err.Error()))
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		c.deliver(slot, resp)
		c.eng.log.DebugContext(ctx, "engine.rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
	}()
}

func (c *Conn) invoke(ctx context.Context, req *jsonrpc.Request) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.eng.log.ErrorContext(ctx, "engine.handler.panic", slog.Any("panic", r))
			res, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.eng.handler.Handle(ctx, req, c)
}

func (c *Conn) handleNotification(req *jsonrpc.Request) {
	switch req.Method {
	case correlator.CancelledNotificationMethod:
		var p correlator.CancelledParams
		if err := json.Unmarshal(req.Params, &p); err == nil && !p.RequestID.IsNil() {
			key := p.RequestID.String()
			c.inflightMu.Lock()
			cancel, ok := c.inflight[key]
			delete(c.inflight, key)
			c.inflightMu.Unlock()
			if ok {
				cancel()
				return
			}
		}
		c.corr.HandleCancelled(req.Params)
		return
	case InitializedNotificationMethod:
		c.eng.log.DebugContext(c.logContext(), "engine.session.initialized")
		return
	}

	if c.State() != StateReady {
		c.eng.log.DebugContext(c.logContext(), "engine.notification.drop", slog.String("method", req.Method))
		return
	}
	select {
	case c.notes <- req:
	case <-c.ctx.Done():
	}
}

// runNotifications hands application notifications to the handler one at a
// time, in receipt order, off the receive loop, so a handler may call back
// into the peer. When the backlog is full the receive loop waits.
func (c *Conn) runNotifications() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.notes:
			ctx := logctx.WithRPCMessage(c.logContext(), &logctx.RPCMessage{Method: req.Method, Type: "notification"})
			if _, err := c.invoke(ctx, req); err != nil {
				c.eng.log.WarnContext(ctx, "engine.notification.fail", slog.String("err", err.Error()))
			}
		}
	}
}

func (c *Conn) handleInitialize(req *jsonrpc.Request) {
	if c.role != roleServer || c.State() != StateUninitialized {
		_ = c.send(c.ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "unexpected initialize", nil))
		return
	}
	var p InitializeParams
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &p) != nil {
		_ = c.send(c.ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil))
		return
	}
	c.setState(StateInitializing, nil)

	requested := p.peerVersions()
	version, ok := negotiateVersion(c.eng.versions, requested)
	if !ok {
		err := fmt.Errorf("%w: supported %v, requested %v", ErrVersionMismatch, c.eng.versions, requested)
		c.eng.log.WarnContext(c.logContext(), "engine.handshake.version_mismatch", slog.Any("requested", requested))
		_ = c.send(c.ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unsupported protocol version",
			VersionMismatchData{Supported: c.eng.Versions(), Requested: requested}))
		c.teardown(err)
		return
	}

	caps := sessions.CapabilitySet{Local: c.eng.capabilities, Peer: p.Capabilities}
	if err := c.register(version, caps, p.ClientInfo); err != nil {
		c.eng.log.ErrorContext(c.logContext(), "engine.session.create.fail", slog.String("err", err.Error()))
		_ = c.send(c.ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to create session", nil))
		c.teardown(err)
		return
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, InitializeResult{
		ProtocolVersion: version,
		Capabilities:    nonNilCaps(c.eng.capabilities),
		ServerInfo:      c.eng.info,
		Instructions:    c.eng.instructions,
	})
	if err != nil {
		c.teardown(err)
		return
	}
	if !c.becomeReady() {
		c.eng.log.InfoContext(c.logContext(), "engine.handshake.abort")
		return
	}
	if err := c.send(c.ctx, resp); err != nil {
		c.eng.log.WarnContext(c.logContext(), "engine.handshake.reply.fail", slog.String("err", err.Error()))
		return
	}
	c.startKeepAlive()
}

// closedErr is the reason the connection is going away.
func (c *Conn) closedErr() error {
	if err := context.Cause(c.ctx); err != nil {
		return err
	}
	return ErrConnClosed
}

// initialize runs the initiating side of the handshake.
func (c *Conn) initialize(ctx context.Context) error {
	c.setState(StateInitializing, nil)

	resp, err := c.corr.Call(ctx, InitializeMethod, InitializeParams{
		ProtocolVersion:   c.eng.versions[0],
		SupportedVersions: c.eng.Versions(),
		Capabilities:      nonNilCaps(c.eng.capabilities),
		ClientInfo:        c.eng.info,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		if resp.Error.Code == jsonrpc.ErrorCodeInvalidParams {
			var data VersionMismatchData
			if b, err := json.Marshal(resp.Error.Data); err == nil && json.Unmarshal(b, &data) == nil && len(data.Supported) > 0 {
				return fmt.Errorf("%w: peer supports %v, offered %v", ErrVersionMismatch, data.Supported, c.eng.versions)
			}
		}
		return fmt.Errorf("initialize: %w", resp.Error)
	}

	var res InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return fmt.Errorf("initialize: decode result: %w", err)
	}
	if !slices.Contains(c.eng.versions, res.ProtocolVersion) {
		return fmt.Errorf("%w: peer chose %q, offered %v", ErrVersionMismatch, res.ProtocolVersion, c.eng.versions)
	}

	caps := sessions.CapabilitySet{Local: c.eng.capabilities, Peer: res.Capabilities}
	if err := c.register(res.ProtocolVersion, caps, res.ServerInfo); err != nil {
		return err
	}
	if !c.becomeReady() {
		return fmt.Errorf("initialize: %w", c.closedErr())
	}
	if err := c.Notify(ctx, InitializedNotificationMethod, nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	c.startKeepAlive()
	return nil
}

func (c *Conn) register(version string, caps sessions.CapabilitySet, peer Implementation) error {
	c.mu.Lock()
	presetID := c.id
	c.mu.Unlock()

	s, err := c.eng.registry.Create(c.ctx, sessions.CreateOptions{
		ID:              presetID,
		ProtocolVersion: version,
		Capabilities:    caps,
		UserID:          c.userID,
		Client:          sessions.ClientInfo{Name: peer.Name, Version: peer.Version},
		Transport:       c.t,
		OnEvict:         func(reason error) { c.teardown(reason) },
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.id = s.ID()
	c.version = version
	c.caps = s.Capabilities()
	c.peer = peer
	c.registered = true
	c.mu.Unlock()
	return nil
}

// becomeReady moves an initializing connection to Ready. It reports false
// when teardown already started, in which case the connection never becomes
// Ready.
func (c *Conn) becomeReady() bool {
	c.mu.Lock()
	if c.tearingDown.Load() || !c.state.CompareAndSwap(int32(StateInitializing), int32(StateReady)) {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	c.notifyStatus(StateReady, nil)
	c.eng.log.InfoContext(c.logContext(), "engine.session.ready")
	return true
}

func (c *Conn) startKeepAlive() {
	if c.eng.keepAliveInterval <= 0 {
		return
	}
	sup := keepalive.Start(c.ctx, keepalive.Config{
		Interval:    c.eng.keepAliveInterval,
		MaxFailures: c.eng.keepAliveFailures,
		OnDead: func(err error) {
			c.teardown(fmt.Errorf("%w: %w", ErrKeepAliveFailed, err))
		},
		Logger: c.eng.log,
	}, func(ctx context.Context) error {
		_, err := c.corr.Call(ctx, PingMethod, nil)
		return err
	})

	c.mu.Lock()
	if c.tearingDown.Load() {
		c.mu.Unlock()
		sup.Stop()
		return
	}
	c.ka = sup
	c.mu.Unlock()
}

// teardown drives the connection to StateClosed. It runs once; later calls
// return immediately. Pending outbound requests are cancelled before the
// keep-alive loop is stopped so that no ping can be sent afterward.
func (c *Conn) teardown(cause error) {
	if !c.tearingDown.CompareAndSwap(false, true) {
		return
	}
	ctx := c.logContext()
	c.mu.Lock()
	wasReady := c.state.CompareAndSwap(int32(StateReady), int32(StateShuttingDown))
	c.mu.Unlock()
	if wasReady {
		c.notifyStatus(StateShuttingDown, cause)
	}

	if cause != nil {
		c.cancel(cause)
	} else {
		c.cancel(ErrConnClosed)
	}
	c.corr.Close(cause)

	c.mu.Lock()
	ka, id, registered := c.ka, c.id, c.registered
	c.mu.Unlock()
	if ka != nil {
		ka.Stop()
	}
	if registered {
		if err := c.eng.registry.Evict(context.WithoutCancel(ctx), id, cause); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
			c.eng.log.WarnContext(ctx, "engine.session.evict.fail", slog.String("err", err.Error()))
		}
	}
	if err := c.t.Close(); err != nil {
		c.eng.log.DebugContext(ctx, "engine.transport.close.fail", slog.String("err", err.Error()))
	}
	c.eng.untrack(c)

	c.err = cause
	c.setState(StateClosed, cause)
	close(c.done)

	if cause != nil {
		c.eng.log.InfoContext(ctx, "engine.session.close", slog.String("reason", cause.Error()))
	} else {
		c.eng.log.InfoContext(ctx, "engine.session.close")
	}
}

// corrTransport sends the correlator's traffic through the connection.
type corrTransport struct{ c *Conn }

func (t corrTransport) SendRequest(ctx context.Context, req *jsonrpc.Request) error {
	return t.c.send(ctx, req)
}

func (t corrTransport) SendCancelled(ctx context.Context, id *jsonrpc.RequestID, reason string) error {
	req, err := jsonrpc.NewRequest(nil, correlator.CancelledNotificationMethod, correlator.CancelledParams{RequestID: id, Reason: reason})
	if err != nil {
		return err
	}
	return t.c.send(ctx, req)
}
