// Package httpx holds the HTTP plumbing shared by the SSE and streamable
// HTTP transports.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-runtime-go/internal/logctx"
	"github.com/google/uuid"
)

var (
	JSONMediaType         = contenttype.NewMediaType("application/json")
	EventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	EventStreamMediaTypes = []contenttype.MediaType{EventStreamMediaType}
)

// MaxBodyBytes bounds inbound message bodies.
const MaxBodyBytes = 4 << 20

// WriteJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. Shape: {"error":{"code":<status>,"message":"<reason>"}}.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == JSONMediaType.String() {
		w.Header().Set("Content-Type", JSONMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// WithRequestData returns r with request-scoped log attributes attached.
func WithRequestData(r *http.Request) *http.Request {
	return r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	}))
}

// AcceptsEventStream reports whether the request's Accept header admits
// text/event-stream. A missing Accept header admits anything.
func AcceptsEventStream(r *http.Request) bool {
	if r.Header.Get("Accept") == "" {
		return true
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, EventStreamMediaTypes)
	return err == nil
}
