package streaminghttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-runtime-go/engine"
	"github.com/ggoodman/mcp-runtime-go/eventstore/memorystore"
	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/mcpservice"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	gosse "github.com/tmaxmax/go-sse"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *engine.Engine) {
	t.Helper()
	mux := mcpservice.NewMux()
	mux.RegisterFunc("echo", func(_ context.Context, req *jsonrpc.Request, _ mcpservice.Session) (any, error) {
		return req.Params, nil
	})
	mux.RegisterFunc("shout", func(ctx context.Context, req *jsonrpc.Request, s mcpservice.Session) (any, error) {
		if err := s.Notify(ctx, "notifications/message", req.Params); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	})
	eng := engine.New(mux)
	h, err := New(eng, opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})
	return srv, eng
}

type reply struct {
	status int
	header http.Header
	body   []byte
}

func send(t *testing.T, method, url string, header http.Header, body string) reply {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return reply{status: res.StatusCode, header: res.Header, body: b}
}

// openSession initializes a session and returns the headers later requests
// must carry.
func openSession(t *testing.T, url string) http.Header {
	t.Helper()
	res := send(t, http.MethodPost, url, nil, initializeBody)
	if res.status != http.StatusOK {
		t.Fatalf("initialize: want 200, got %d: %s", res.status, res.body)
	}
	id := res.header.Get(mcpSessionIDHeader)
	if id == "" {
		t.Fatalf("initialize reply carries no session id")
	}
	if pv := res.header.Get(mcpProtocolVersionHeader); pv != "2025-03-26" {
		t.Fatalf("want negotiated version 2025-03-26, got %q", pv)
	}
	h := http.Header{}
	h.Set(mcpSessionIDHeader, id)
	h.Set(mcpProtocolVersionHeader, "2025-03-26")

	if res := send(t, http.MethodPost, url, h, `{"jsonrpc":"2.0","method":"notifications/initialized"}`); res.status != http.StatusAccepted {
		t.Fatalf("initialized notification: want 202, got %d", res.status)
	}
	return h
}

func withHeader(h http.Header, k, v string) http.Header {
	c := h.Clone()
	c.Set(k, v)
	return c
}

func TestHandler_JSONReplies(t *testing.T) {
	t.Parallel()

	srv, eng := newTestServer(t)
	url := srv.URL + DefaultPath
	h := openSession(t, url)
	if n := eng.Registry().Len(); n != 1 {
		t.Fatalf("want 1 session, got %d", n)
	}

	res := send(t, http.MethodPost, url, withHeader(h, "Accept", "application/json"), `{"jsonrpc":"2.0","id":2,"method":"echo","params":{"n":2}}`)
	if res.status != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", res.status, res.body)
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(res.body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID.String() != "2" || string(resp.Result) != `{"n":2}` {
		t.Fatalf("unexpected reply %s", res.body)
	}

	t.Run("batch", func(t *testing.T) {
		res := send(t, http.MethodPost, url, h, `[{"jsonrpc":"2.0","id":"a","method":"echo","params":1},{"jsonrpc":"2.0","id":"b","method":"nope"}]`)
		if res.status != http.StatusOK {
			t.Fatalf("want 200, got %d: %s", res.status, res.body)
		}
		var resps []jsonrpc.Response
		if err := json.Unmarshal(res.body, &resps); err != nil {
			t.Fatalf("batch reply must be an array: %v (%s)", err, res.body)
		}
		byID := map[string]jsonrpc.Response{}
		for _, r := range resps {
			byID[r.ID.String()] = r
		}
		if string(byID["a"].Result) != "1" {
			t.Fatalf("unexpected echo in batch: %s", res.body)
		}
		if byID["b"].Error == nil || byID["b"].Error.Code != jsonrpc.ErrorCodeMethodNotFound {
			t.Fatalf("want method not found for b: %s", res.body)
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		res := send(t, http.MethodPost, url, h, `{oops`)
		if res.status != http.StatusBadRequest {
			t.Fatalf("want 400, got %d", res.status)
		}
		var resp jsonrpc.Response
		if err := json.Unmarshal(res.body, &resp); err != nil || resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeParseError {
			t.Fatalf("want parse error body, got %s", res.body)
		}
	})
}

func TestHandler_StreamedReplies(t *testing.T) {
	t.Parallel()

	body := `{"jsonrpc":"2.0","id":7,"method":"echo","params":"hi"}`
	accept := "application/json, text/event-stream"

	t.Run("event stream", func(t *testing.T) {
		t.Parallel()
		srv, _ := newTestServer(t)
		url := srv.URL + DefaultPath
		res := send(t, http.MethodPost, url, withHeader(openSession(t, url), "Accept", accept), body)
		if ct := res.header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
			t.Fatalf("want an event stream, got %q", ct)
		}
		var events []gosse.Event
		for ev, err := range gosse.Read(strings.NewReader(string(res.body)), nil) {
			if err != nil {
				t.Fatalf("read events: %v", err)
			}
			events = append(events, ev)
		}
		if len(events) != 1 {
			t.Fatalf("want 1 event, got %d", len(events))
		}
		if events[0].LastEventID != "" {
			t.Fatalf("POST stream events carry no id, got %q", events[0].LastEventID)
		}
		var resp jsonrpc.Response
		if err := json.Unmarshal([]byte(events[0].Data), &resp); err != nil || string(resp.Result) != `"hi"` {
			t.Fatalf("unexpected event data %q", events[0].Data)
		}
	})

	t.Run("json forced", func(t *testing.T) {
		t.Parallel()
		srv, _ := newTestServer(t, WithJSONResponse(true))
		url := srv.URL + DefaultPath
		res := send(t, http.MethodPost, url, withHeader(openSession(t, url), "Accept", accept), body)
		if ct := res.header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("want json, got %q", ct)
		}
	})
}

func TestHandler_Rejections(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	url := srv.URL + DefaultPath
	h := openSession(t, url)

	tests := []struct {
		name   string
		method string
		header http.Header
		body   string
		status int
	}{
		{"request before initialize", http.MethodPost, nil, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, http.StatusBadRequest},
		{"initialize in a batch", http.MethodPost, nil, "[" + initializeBody + "]", http.StatusBadRequest},
		{"malformed initialize", http.MethodPost, nil, `{`, http.StatusBadRequest},
		{"unknown session", http.MethodPost, http.Header{mcpSessionIDHeader: {"nope"}}, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, http.StatusNotFound},
		{"wrong protocol version", http.MethodPost, withHeader(h, mcpProtocolVersionHeader, "1999-01-01"), `{"jsonrpc":"2.0","id":1,"method":"ping"}`, http.StatusBadRequest},
		{"get without session", http.MethodGet, http.Header{"Accept": {"text/event-stream"}}, "", http.StatusBadRequest},
		{"get wrong protocol version", http.MethodGet, withHeader(withHeader(h, "Accept", "text/event-stream"), mcpProtocolVersionHeader, "1999-01-01"), "", http.StatusPreconditionFailed},
		{"get not accepting events", http.MethodGet, withHeader(h, "Accept", "application/json"), "", http.StatusNotAcceptable},
		{"delete unknown session", http.MethodDelete, http.Header{mcpSessionIDHeader: {"nope"}}, "", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if res := send(t, tc.method, url, tc.header, tc.body); res.status != tc.status {
				t.Fatalf("want %d, got %d: %s", tc.status, res.status, res.body)
			}
		})
	}

	t.Run("wrong content type", func(t *testing.T) {
		res, err := http.Post(url, "text/plain", strings.NewReader(initializeBody))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		_ = res.Body.Close()
		if res.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("want 415, got %d", res.StatusCode)
		}
	})
}

func TestHandler_DeleteEndsSession(t *testing.T) {
	t.Parallel()

	srv, eng := newTestServer(t)
	url := srv.URL + DefaultPath
	h := openSession(t, url)

	if res := send(t, http.MethodDelete, url, h, ""); res.status != http.StatusNoContent {
		t.Fatalf("want 204, got %d", res.status)
	}
	if n := eng.Registry().Len(); n != 0 {
		t.Fatalf("want registry empty, got %d", n)
	}
	if res := send(t, http.MethodPost, url, h, `{"jsonrpc":"2.0","id":3,"method":"ping"}`); res.status != http.StatusNotFound {
		t.Fatalf("deleted session: want 404, got %d", res.status)
	}
}

func TestHandler_StandaloneStreamResumes(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, WithEventStore(memorystore.New()))
	url := srv.URL + DefaultPath
	h := openSession(t, url)

	for _, word := range []string{"one", "two"} {
		if res := send(t, http.MethodPost, url, h, `{"jsonrpc":"2.0","id":"`+word+`","method":"shout","params":"`+word+`"}`); res.status != http.StatusOK {
			t.Fatalf("shout: want 200, got %d", res.status)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header = withHeader(h, "Accept", "text/event-stream")
	req.Header.Set(lastEventIDHeader, "1")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", res.StatusCode)
	}

	events := make(chan gosse.Event, 4)
	go func() {
		defer close(events)
		for ev, err := range gosse.Read(res.Body, nil) {
			if err != nil {
				return
			}
			events <- ev
		}
	}()

	select {
	case ev := <-events:
		var note jsonrpc.Request
		if err := json.Unmarshal([]byte(ev.Data), &note); err != nil {
			t.Fatalf("decode %q: %v", ev.Data, err)
		}
		if ev.LastEventID != "2" || note.Method != "notifications/message" || string(note.Params) != `"two"` {
			t.Fatalf("want the second notification with id 2, got %q %s", ev.LastEventID, ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the replayed notification")
	}
}

func TestHandler_GoSDKClient(t *testing.T) {
	t.Parallel()

	srv, eng := newTestServer(t, WithEventStore(memorystore.New()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := sdk.NewClient(&sdk.Implementation{Name: "sdk-client", Version: "0.0.0"}, &sdk.ClientOptions{})
	cs, err := client.Connect(ctx, &sdk.StreamableClientTransport{
		Endpoint:   srv.URL + DefaultPath,
		HTTPClient: srv.Client(),
	}, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := cs.Ping(ctx, nil); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if n := eng.Registry().Len(); n != 1 {
		t.Fatalf("want 1 session, got %d", n)
	}
	if err := cs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
