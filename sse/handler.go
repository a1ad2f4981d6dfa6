package sse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ggoodman/mcp-runtime-go/auth"
	"github.com/ggoodman/mcp-runtime-go/engine"
	"github.com/ggoodman/mcp-runtime-go/eventstore"
	"github.com/ggoodman/mcp-runtime-go/internal/httpx"
	"github.com/ggoodman/mcp-runtime-go/internal/logctx"
	"github.com/ggoodman/mcp-runtime-go/internal/outbox"
	"github.com/ggoodman/mcp-runtime-go/internal/ssewire"
	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/transport"
)

const (
	DefaultStreamPath   = "/sse"
	DefaultMessagesPath = "/messages"

	// EndpointEvent is the first event on every stream; its data is the URL
	// the client must POST its messages to.
	EndpointEvent = "endpoint"

	sessionIDParam    = "sessionId"
	lastEventIDHeader = "Last-Event-ID"
)

var _ http.Handler = (*Handler)(nil)

// Handler serves the legacy HTTP+SSE transport: a long-lived GET event
// stream carrying server messages, and a POST endpoint for client messages.
type Handler struct {
	eng          *engine.Engine
	log          *slog.Logger
	store        eventstore.Store
	guard        *auth.Guard
	streamPath   string
	messagesPath string
	mux          *http.ServeMux

	mu       sync.Mutex
	sessions map[string]*session
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

// WithEventStore makes streams resumable: outbound messages are recorded and
// a client reconnecting with Last-Event-ID gets what it missed. Without a
// store a session ends when its stream disconnects.
func WithEventStore(s eventstore.Store) Option {
	return func(h *Handler) { h.store = s }
}

// WithAuthenticator requires a bearer token on every request. The session is
// bound to the authenticated user.
func WithAuthenticator(a auth.Authenticator, opts ...auth.MiddlewareOption) Option {
	return func(h *Handler) {
		g := &auth.Guard{Authenticator: a}
		for _, o := range opts {
			o(g)
		}
		h.guard = g
	}
}

// WithPaths overrides DefaultStreamPath and DefaultMessagesPath.
func WithPaths(stream, messages string) Option {
	return func(h *Handler) {
		if stream != "" {
			h.streamPath = stream
		}
		if messages != "" {
			h.messagesPath = messages
		}
	}
}

// New returns a Handler that accepts connections into eng.
func New(eng *engine.Engine, opts ...Option) *Handler {
	h := &Handler{
		eng:          eng,
		log:          eng.Logger(),
		streamPath:   DefaultStreamPath,
		messagesPath: DefaultMessagesPath,
		sessions:     make(map[string]*session),
	}
	for _, o := range opts {
		o(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	if h.guard != nil && h.guard.Logger == nil {
		h.guard.Logger = h.log
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+h.streamPath, h.handleStream)
	mux.HandleFunc("POST "+h.messagesPath, h.handleMessage)
	h.mux = mux
	return h
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

func (h *Handler) lookup(id, userID string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.sessions[id]
	if s == nil || s.userID != userID {
		return nil
	}
	return s
}

func (h *Handler) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// handleStream opens a new session, or resumes an existing one when the
// request names it with the sessionId parameter.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !httpx.AcceptsEventStream(r) {
		httpx.WriteJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var (
		s      *session
		cursor *uint64
		fresh  bool
	)
	if id := r.URL.Query().Get(sessionIDParam); id != "" {
		if s = h.lookup(id, userID); s == nil {
			httpx.WriteJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		if seq, ok := eventstore.ParseEventID(r.Header.Get(lastEventIDHeader)); ok {
			cursor = &seq
		}
	} else {
		var err error
		if s, err = h.open(userID); err != nil {
			httpx.WriteJSONError(w, http.StatusInternalServerError, "failed to open session")
			h.log.ErrorContext(ctx, "session.open.fail", slog.String("err", err.Error()))
			return
		}
		fresh = true
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: s.id, UserID: userID, Transport: "sse"})

	sub, err := s.ob.Attach(ctx, cursor)
	if err != nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "sse.attach.fail", slog.String("err", err.Error()))
		return
	}

	stream, err := ssewire.Open(w, r)
	if err != nil {
		sub.Detach()
		h.log.ErrorContext(ctx, "sse.open.fail", slog.String("err", err.Error()))
		if fresh {
			_ = s.closeConn()
		}
		return
	}

	endpoint := h.messagesPath + "?" + url.Values{sessionIDParam: {s.id}}.Encode()
	if err := stream.Send(EndpointEvent, "", []byte(endpoint)); err != nil {
		sub.Detach()
		h.log.WarnContext(ctx, "sse.endpoint.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start", slog.Bool("resumed", !fresh))

	err = sub.Run(ctx, func(d outbox.Delivery) error {
		return stream.Message(d.EventID(), d.Payload)
	})

	switch {
	case errors.Is(err, outbox.ErrReplaced):
		h.log.InfoContext(ctx, "sse.stream.replaced")
	case errors.Is(err, outbox.ErrClosed):
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	default:
		if err != nil && !errors.Is(err, context.Canceled) {
			h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		}
		if !s.ob.Resumable() {
			// Nothing can be replayed to a later stream, so the session ends with this one.
			_ = s.closeConn()
		}
		h.log.InfoContext(ctx, "sse.stream.disconnect", slog.Duration("dur", time.Since(start)))
	}
}

func (h *Handler) open(userID string) (*session, error) {
	id := h.eng.Registry().NewID()
	s := &session{
		h:      h,
		id:     id,
		userID: userID,
		q:      transport.NewQueue(0),
		ob:     outbox.New(h.store, id, outbox.WithLogger(h.log)),
	}
	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()

	conn, err := h.eng.Accept(s, engine.AcceptOptions{SessionID: id, UserID: userID, Transport: "sse"})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return s, nil
}

// handleMessage delivers a client message to its session. Replies travel on
// the event stream; the POST itself is answered with 202.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	id := r.URL.Query().Get(sessionIDParam)
	if id == "" {
		httpx.WriteJSONError(w, http.StatusBadRequest, "missing sessionId query parameter")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	s := h.lookup(id, userID)
	if s == nil {
		httpx.WriteJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, UserID: userID, Transport: "sse"})

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httpx.MaxBodyBytes))
	if err != nil {
		httpx.WriteJSONError(w, http.StatusRequestEntityTooLarge, "message body too large")
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return
	}

	// Malformed payloads are still queued: the engine answers them on the
	// stream with a protocol error.
	if err := s.q.Push(ctx, jsonrpc.DecodeFrame(body)); err != nil {
		if errors.Is(err, transport.ErrTransportClosed) {
			httpx.WriteJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.closed")
			return
		}
		h.log.WarnContext(ctx, "session.push.fail", slog.String("err", err.Error()))
		return
	}
	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}
