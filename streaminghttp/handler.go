package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-runtime-go/auth"
	"github.com/ggoodman/mcp-runtime-go/engine"
	"github.com/ggoodman/mcp-runtime-go/eventstore"
	"github.com/ggoodman/mcp-runtime-go/internal/httpx"
	"github.com/ggoodman/mcp-runtime-go/internal/logctx"
	"github.com/ggoodman/mcp-runtime-go/internal/outbox"
	"github.com/ggoodman/mcp-runtime-go/internal/ssewire"
	"github.com/ggoodman/mcp-runtime-go/internal/wellknown"
	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/sessions"
	"github.com/ggoodman/mcp-runtime-go/transport"
)

// ErrSessionDeleted is the eviction reason for sessions the client ended
// with DELETE.
var ErrSessionDeleted = errors.New("streaminghttp: session deleted by client")

const (
	DefaultPath = "/mcp"

	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	transportName = "streamable-http"
)

var _ http.Handler = (*Handler)(nil)

// Handler serves the streamable HTTP transport on a single endpoint: POST
// carries client messages and their replies, GET opens the standalone stream
// for server-initiated messages, and DELETE ends the session.
type Handler struct {
	eng          *engine.Engine
	log          *slog.Logger
	store        eventstore.Store
	guard        *auth.Guard
	path         string
	publicURL    string
	endpoint     *url.URL
	jsonResponse bool
	mux          *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. It defaults to the engine's.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithEventStore makes the standalone GET stream resumable with
// Last-Event-ID.
func WithEventStore(s eventstore.Store) Option {
	return func(h *Handler) { h.store = s }
}

// WithJSONResponse answers POSTed requests with a plain JSON body even when
// the client accepts an event stream.
func WithJSONResponse(enabled bool) Option {
	return func(h *Handler) { h.jsonResponse = enabled }
}

// WithAuthenticator requires a bearer token on every request. When a also
// describes its authorization server and a public endpoint is configured, the
// handler serves the matching protected resource metadata document.
func WithAuthenticator(a auth.Authenticator, opts ...auth.MiddlewareOption) Option {
	return func(h *Handler) {
		g := &auth.Guard{Authenticator: a}
		for _, o := range opts {
			o(g)
		}
		h.guard = g
	}
}

// WithPath sets where the handler mounts when no public endpoint is
// configured. It defaults to DefaultPath.
func WithPath(p string) Option {
	return func(h *Handler) { h.path = p }
}

// WithPublicEndpoint sets the externally visible URL of the endpoint, for
// example "https://api.example.com/mcp". Its path is where the handler mounts.
func WithPublicEndpoint(u string) Option {
	return func(h *Handler) { h.publicURL = u }
}

type metadataProvider interface {
	Metadata() auth.Metadata
}

// New returns a Handler that accepts sessions into eng.
func New(eng *engine.Engine, opts ...Option) (*Handler, error) {
	h := &Handler{eng: eng, log: eng.Logger(), path: DefaultPath}
	for _, o := range opts {
		o(h)
	}
	if h.publicURL != "" {
		u, err := url.Parse(h.publicURL)
		if err != nil {
			return nil, fmt.Errorf("streaminghttp: invalid public endpoint %q: %w", h.publicURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("streaminghttp: public endpoint must use http or https, got %q", u.Scheme)
		}
		h.endpoint = u
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	path := h.path
	if h.endpoint != nil && h.endpoint.Path != "" {
		path = h.endpoint.Path
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+path, h.handlePost)
	mux.HandleFunc("GET "+path, h.handleGet)
	mux.HandleFunc("DELETE "+path, h.handleDelete)

	if h.guard != nil {
		if h.guard.Logger == nil {
			h.guard.Logger = h.log
		}
		if mp, ok := h.guard.Authenticator.(metadataProvider); ok && h.endpoint != nil {
			md := mp.Metadata()
			doc := wellknown.ProtectedResourceMetadata{
				Resource:               h.endpoint.String(),
				AuthorizationServers:   []string{md.Issuer},
				JwksURI:                md.JWKSURL,
				ScopesSupported:        md.ScopesSupported,
				BearerMethodsSupported: []string{"header"},
			}
			prm := wellknown.Handler(doc)
			mux.Handle("GET "+wellknown.Path(h.endpoint), prm)
			mux.Handle("OPTIONS "+wellknown.Path(h.endpoint), prm)
			if h.guard.ResourceMetadataURL == "" {
				h.guard.ResourceMetadataURL = wellknown.URL(h.endpoint)
			}
		}
	}
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, httpx.WithRequestData(r))
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (userID string, ok bool) {
	if h.guard == nil {
		return "", true
	}
	u := h.guard.Check(w, r)
	if u == nil {
		return "", false
	}
	return u.UserID(), true
}

// load resolves the session named by the request header. It writes the
// rejection itself and returns ok=false when the request cannot proceed.
func (h *Handler) load(ctx context.Context, w http.ResponseWriter, r *http.Request, userID string) (*sessions.Session, *httpSession, bool) {
	id := r.Header.Get(mcpSessionIDHeader)
	if id == "" {
		httpx.WriteJSONError(w, http.StatusBadRequest, "missing Mcp-Session-Id header")
		h.log.WarnContext(ctx, "session.id.missing")
		return nil, nil, false
	}
	sess, err := h.eng.Registry().Lookup(id)
	if err != nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return nil, nil, false
	}
	t, ok := sess.Transport().(*httpSession)
	if !ok || sess.UserID() != userID {
		httpx.WriteJSONError(w, http.StatusNotFound, "session not found")
		h.log.WarnContext(ctx, "session.load.foreign")
		return nil, nil, false
	}
	return sess, t, true
}

func versionMatches(r *http.Request, sess *sessions.Session) bool {
	pv := r.Header.Get(mcpProtocolVersionHeader)
	return pv == "" || sess.ProtocolVersion() == "" || pv == sess.ProtocolVersion()
}

func acceptable(r *http.Request, mt contenttype.MediaType) bool {
	_, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{mt})
	return err == nil
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	mt, err := contenttype.GetMediaType(r)
	if err != nil || !mt.Matches(httpx.JSONMediaType) {
		httpx.WriteJSONError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}
	userID, ok := h.authenticate(w, r)
	if !ok {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httpx.MaxBodyBytes))
	if err != nil {
		httpx.WriteJSONError(w, http.StatusRequestEntityTooLarge, "message body too large")
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return
	}
	frame := jsonrpc.DecodeFrame(body)

	if r.Header.Get(mcpSessionIDHeader) == "" {
		h.initialize(ctx, w, frame, userID, start)
		return
	}

	sess, t, ok := h.load(ctx, w, r, userID)
	if !ok {
		return
	}
	if !versionMatches(r, sess) {
		httpx.WriteJSONError(w, http.StatusBadRequest, "unsupported protocol version")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", r.Header.Get(mcpProtocolVersionHeader)))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		UserID:          userID,
		ProtocolVersion: sess.ProtocolVersion(),
		Transport:       transportName,
	})
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())

	if !frame.Batch && len(frame.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, mustMarshal(frame.Invalid[0].Response()))
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", frame.Invalid[0].Err.Message))
		return
	}

	if !frame.HasRequests() {
		h.deliver(ctx, w, t, frame, start)
		return
	}

	useSSE, ok := h.negotiate(r)
	if !ok {
		httpx.WriteJSONError(w, http.StatusNotAcceptable, "client must accept application/json or text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	ex := newExchange()
	if err := t.expect(ex, frame.RequestIDs()); err != nil {
		if errors.Is(err, errDuplicateRequestID) {
			httpx.WriteJSONError(w, http.StatusBadRequest, "request id already in flight")
		} else {
			httpx.WriteJSONError(w, http.StatusNotFound, "session not found")
		}
		h.log.WarnContext(ctx, "rpc.inbound.reject", slog.String("err", err.Error()))
		return
	}
	if err := t.q.Push(ctx, frame); err != nil {
		t.abandon(ctx, ex)
		httpx.WriteJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.closed")
		return
	}

	if !useSSE {
		reply, err := t.await(ctx, ex)
		if err != nil {
			h.replyFailed(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	stream, err := ssewire.Open(w, r)
	if err != nil {
		t.abandon(ctx, ex)
		h.log.ErrorContext(ctx, "sse.open.fail", slog.String("err", err.Error()))
		return
	}
	reply, err := t.await(ctx, ex)
	if err != nil {
		h.log.InfoContext(ctx, "rpc.inbound.abandon", slog.String("err", err.Error()))
		return
	}
	// Replies on a POST stream are never replayed, so they carry no event id.
	if err := stream.Message("", reply); err != nil {
		h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// negotiate picks how replies to POSTed requests are written. A missing
// Accept header gets JSON.
func (h *Handler) negotiate(r *http.Request) (useSSE, ok bool) {
	if r.Header.Get("Accept") == "" {
		return false, true
	}
	jsonOK := acceptable(r, httpx.JSONMediaType)
	sseOK := acceptable(r, httpx.EventStreamMediaType)
	switch {
	case sseOK && (!h.jsonResponse || !jsonOK):
		return true, true
	case jsonOK:
		return false, true
	default:
		return false, false
	}
}

// deliver queues a body that expects no reply. Undecodable batch entries are
// answered right away; the rest is still delivered.
func (h *Handler) deliver(ctx context.Context, w http.ResponseWriter, t *httpSession, frame jsonrpc.Frame, start time.Time) {
	invalid := frame.Invalid
	if len(frame.Messages) > 0 {
		if err := t.q.Push(ctx, jsonrpc.Frame{Messages: frame.Messages, Batch: frame.Batch}); err != nil {
			httpx.WriteJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.closed")
			return
		}
	}
	if len(invalid) > 0 {
		resps := make([]*jsonrpc.Response, len(invalid))
		for i, inv := range invalid {
			resps[i] = inv.Response()
		}
		writeJSON(w, http.StatusBadRequest, mustMarshal(resps))
		h.log.WarnContext(ctx, "jsonrpc.batch.invalid", slog.Int("count", len(invalid)))
		return
	}
	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// initialize handles a POST without a session header, which must carry a
// lone initialize request. The session is created only if it succeeds.
func (h *Handler) initialize(ctx context.Context, w http.ResponseWriter, frame jsonrpc.Frame, userID string, start time.Time) {
	if !frame.Batch && len(frame.Invalid) == 1 {
		writeJSON(w, http.StatusBadRequest, mustMarshal(frame.Invalid[0].Response()))
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", frame.Invalid[0].Err.Message))
		return
	}
	if frame.Batch || len(frame.Messages) != 1 || frame.Messages[0].Type() != "request" || frame.Messages[0].Method != "initialize" {
		httpx.WriteJSONError(w, http.StatusBadRequest, "missing Mcp-Session-Id header; only initialize may open a session")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	reg := h.eng.Registry()
	id := reg.NewID()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, UserID: userID, Transport: transportName})

	ob := outbox.New(h.store, id, outbox.WithLogger(h.log))
	t := newHTTPSession(id, userID, ob, h.log)
	ex := newExchange()
	if err := t.expect(ex, frame.RequestIDs()); err != nil {
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to open session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	conn, err := h.eng.Accept(t, engine.AcceptOptions{SessionID: id, UserID: userID, Transport: transportName})
	if err != nil {
		_ = t.Close()
		httpx.WriteJSONError(w, http.StatusServiceUnavailable, "failed to open session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	if err := t.q.Push(ctx, frame); err != nil {
		_ = conn.Close()
		httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to open session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}

	reply, err := t.await(ctx, ex)
	if err != nil {
		_ = conn.Close()
		h.replyFailed(ctx, w, err)
		return
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(reply, &resp); err != nil || resp.Error != nil {
		_ = conn.Close()
		writeJSON(w, http.StatusBadRequest, reply)
		h.log.InfoContext(ctx, "session.initialize.reject")
		return
	}

	w.Header().Set(mcpSessionIDHeader, id)
	if sess, err := reg.Lookup(id); err == nil && sess.ProtocolVersion() != "" {
		w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	}
	writeJSON(w, http.StatusOK, reply)
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// await blocks until the exchange is answered. When the request goes away
// first, any late reply is rerouted to the standalone stream.
func (s *httpSession) await(ctx context.Context, ex *exchange) (jsonrpc.Message, error) {
	select {
	case msg := <-ex.reply:
		return msg, nil
	case <-s.closed:
		select {
		case msg := <-ex.reply:
			return msg, nil
		default:
		}
		return nil, transport.ErrTransportClosed
	case <-ctx.Done():
		s.abandon(context.WithoutCancel(ctx), ex)
		return nil, ctx.Err()
	}
}

func (h *Handler) replyFailed(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, transport.ErrTransportClosed) {
		httpx.WriteJSONError(w, http.StatusNotFound, "session closed")
		h.log.InfoContext(ctx, "session.closed")
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.abandon", slog.String("err", err.Error()))
}

// handleGet opens the standalone stream for server-initiated messages. A
// client reconnecting with Last-Event-ID resumes after that event when the
// handler has an event store.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if r.Header.Get("Accept") == "" || !acceptable(r, httpx.EventStreamMediaType) {
		httpx.WriteJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}
	userID, ok := h.authenticate(w, r)
	if !ok {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}
	sess, t, ok := h.load(ctx, w, r, userID)
	if !ok {
		return
	}
	if !versionMatches(r, sess) {
		w.WriteHeader(http.StatusPreconditionFailed)
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", r.Header.Get(mcpProtocolVersionHeader)))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		UserID:          userID,
		ProtocolVersion: sess.ProtocolVersion(),
		Transport:       transportName,
	})

	var cursor *uint64
	if seq, ok := eventstore.ParseEventID(r.Header.Get(lastEventIDHeader)); ok {
		cursor = &seq
	}
	sub, err := t.ob.Attach(ctx, cursor)
	if err != nil {
		if errors.Is(err, outbox.ErrClosed) {
			httpx.WriteJSONError(w, http.StatusNotFound, "session not found")
		} else {
			httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to open stream")
		}
		h.log.WarnContext(ctx, "sse.attach.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	stream, err := ssewire.Open(w, r)
	if err != nil {
		sub.Detach()
		h.log.ErrorContext(ctx, "sse.open.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start", slog.Bool("resumed", cursor != nil))

	err = sub.Run(ctx, func(d outbox.Delivery) error {
		return stream.Message(d.EventID(), d.Payload)
	})
	switch {
	case errors.Is(err, outbox.ErrReplaced):
		h.log.InfoContext(ctx, "sse.stream.replaced")
	case errors.Is(err, outbox.ErrClosed):
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	case err != nil && !errors.Is(err, context.Canceled):
		h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	default:
		h.log.InfoContext(ctx, "sse.stream.disconnect", slog.Duration("dur", time.Since(start)))
	}
}

// handleDelete ends the session named by the request.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	userID, ok := h.authenticate(w, r)
	if !ok {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}
	sess, _, ok := h.load(ctx, w, r, userID)
	if !ok {
		return
	}
	if !versionMatches(r, sess) {
		w.WriteHeader(http.StatusPreconditionFailed)
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", r.Header.Get(mcpProtocolVersionHeader)))
		return
	}
	if err := h.eng.Registry().Evict(ctx, sess.ID(), ErrSessionDeleted); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			w.WriteHeader(http.StatusNotFound)
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", httpx.JSONMediaType.String())
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
