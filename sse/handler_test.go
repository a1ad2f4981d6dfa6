package sse

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-runtime-go/auth"
	"github.com/ggoodman/mcp-runtime-go/engine"
	"github.com/ggoodman/mcp-runtime-go/eventstore/memorystore"
	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/mcpservice"
	gosse "github.com/tmaxmax/go-sse"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"legacy","version":"1"}}}`

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *engine.Engine) {
	t.Helper()
	mux := mcpservice.NewMux()
	mux.RegisterFunc("echo", func(_ context.Context, req *jsonrpc.Request, _ mcpservice.Session) (any, error) {
		return req.Params, nil
	})
	eng := engine.New(mux)
	srv := httptest.NewServer(New(eng, opts...))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})
	return srv, eng
}

type eventStream struct {
	t      *testing.T
	events chan gosse.Event
	cancel context.CancelFunc
}

func openStream(t *testing.T, url string, header http.Header) *eventStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("get: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("want 200, got %d", res.StatusCode)
	}
	s := &eventStream{t: t, events: make(chan gosse.Event, 16), cancel: cancel}
	go func() {
		defer close(s.events)
		defer res.Body.Close()
		for ev, err := range gosse.Read(res.Body, nil) {
			if err != nil {
				return
			}
			s.events <- ev
		}
	}()
	t.Cleanup(cancel)
	return s
}

func (s *eventStream) next() gosse.Event {
	s.t.Helper()
	select {
	case ev, ok := <-s.events:
		if !ok {
			s.t.Fatalf("stream ended")
		}
		return ev
	case <-time.After(2 * time.Second):
		s.t.Fatalf("timed out waiting for an event")
	}
	return gosse.Event{}
}

func (s *eventStream) nextResponse() (*jsonrpc.Response, string) {
	s.t.Helper()
	ev := s.next()
	if ev.Type != "message" {
		s.t.Fatalf("want message event, got %q", ev.Type)
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal([]byte(ev.Data), &resp); err != nil {
		s.t.Fatalf("decode %s: %v", ev.Data, err)
	}
	return &resp, ev.LastEventID
}

func post(t *testing.T, url, body string) int {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = res.Body.Close()
	return res.StatusCode
}

func TestHandler_EndpointThenResponsesOnStream(t *testing.T) {
	t.Parallel()

	srv, eng := newTestServer(t, WithEventStore(memorystore.New()))
	stream := openStream(t, srv.URL+"/sse", nil)

	ev := stream.next()
	if ev.Type != EndpointEvent || !strings.HasPrefix(ev.Data, "/messages?sessionId=") {
		t.Fatalf("first event must be the endpoint, got %q %q", ev.Type, ev.Data)
	}
	endpoint := srv.URL + ev.Data

	if code := post(t, endpoint, initializeBody); code != http.StatusAccepted {
		t.Fatalf("want 202, got %d", code)
	}
	resp, id := stream.nextResponse()
	if resp.Error != nil || resp.ID.String() != "1" {
		t.Fatalf("unexpected initialize response %+v", resp)
	}
	if id != "1" {
		t.Fatalf("want event id 1, got %q", id)
	}
	var init engine.InitializeResult
	if err := json.Unmarshal(resp.Result, &init); err != nil || init.ProtocolVersion != "2024-11-05" {
		t.Fatalf("unexpected initialize result %s", resp.Result)
	}

	_ = post(t, endpoint, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	_ = post(t, endpoint, `{"jsonrpc":"2.0","id":2,"method":"echo","params":{"n":2}}`)
	resp, id = stream.nextResponse()
	if string(resp.Result) != `{"n":2}` || id != "2" {
		t.Fatalf("unexpected echo response %+v (id %q)", resp, id)
	}

	// Malformed bodies are answered on the stream.
	_ = post(t, endpoint, `{not json`)
	resp, _ = stream.nextResponse()
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("want parse error, got %+v", resp)
	}

	if n := eng.Registry().Len(); n != 1 {
		t.Fatalf("want 1 registered session, got %d", n)
	}
}

func TestHandler_ResumeWithLastEventID(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, WithEventStore(memorystore.New()))
	first := openStream(t, srv.URL+"/sse", nil)
	ev := first.next()
	endpoint := srv.URL + ev.Data
	sessionQuery := ev.Data[strings.Index(ev.Data, "?"):]

	_ = post(t, endpoint, initializeBody)
	first.nextResponse()
	_ = post(t, endpoint, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	_ = post(t, endpoint, `{"jsonrpc":"2.0","id":"a","method":"echo","params":"a"}`)
	if _, id := first.nextResponse(); id != "2" {
		t.Fatalf("want event id 2, got %q", id)
	}

	first.cancel()
	_ = post(t, endpoint, `{"jsonrpc":"2.0","id":"b","method":"echo","params":"b"}`)

	second := openStream(t, srv.URL+"/sse"+sessionQuery, http.Header{"Last-Event-Id": {"1"}})
	if ev := second.next(); ev.Type != EndpointEvent {
		t.Fatalf("resumed stream must start with the endpoint, got %q", ev.Type)
	}
	for _, want := range []struct{ reqID, eventID string }{{"a", "2"}, {"b", "3"}} {
		resp, id := second.nextResponse()
		if resp.ID.String() != want.reqID || id != want.eventID {
			t.Fatalf("want response %s with event id %s, got %s / %s", want.reqID, want.eventID, resp.ID, id)
		}
	}
}

func TestHandler_DisconnectEndsSessionWithoutStore(t *testing.T) {
	t.Parallel()

	srv, eng := newTestServer(t)
	stream := openStream(t, srv.URL+"/sse", nil)
	ev := stream.next()
	endpoint := srv.URL + ev.Data

	_ = post(t, endpoint, initializeBody)
	if _, id := stream.nextResponse(); id != "" {
		t.Fatalf("non-resumable streams carry no event ids, got %q", id)
	}

	stream.cancel()
	deadline := time.Now().Add(2 * time.Second)
	for post(t, endpoint, `{"jsonrpc":"2.0","id":9,"method":"ping"}`) != http.StatusNotFound {
		if time.Now().After(deadline) {
			t.Fatalf("session still reachable after its stream disconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := eng.Registry().Len(); n != 0 {
		t.Fatalf("want registry empty, got %d", n)
	}
}

func TestHandler_MessageErrors(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	if code := post(t, srv.URL+"/messages", initializeBody); code != http.StatusBadRequest {
		t.Fatalf("missing session id: want 400, got %d", code)
	}
	if code := post(t, srv.URL+"/messages?sessionId=nope", initializeBody); code != http.StatusNotFound {
		t.Fatalf("unknown session: want 404, got %d", code)
	}
}

func TestHandler_Authentication(t *testing.T) {
	t.Parallel()

	authn := auth.AuthenticatorFunc(func(_ context.Context, tok string) (auth.UserInfo, error) {
		if tok == "alice" || tok == "bob" {
			return auth.NewUserInfo(tok, nil), nil
		}
		return nil, errors.Join(auth.ErrUnauthorized, errors.New("unknown token"))
	})
	srv, _ := newTestServer(t, WithAuthenticator(authn))

	res, err := http.Get(srv.URL + "/sse")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized || res.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("want 401 with challenge, got %d", res.StatusCode)
	}

	stream := openStream(t, srv.URL+"/sse", http.Header{"Authorization": {"Bearer alice"}})
	endpoint := srv.URL + stream.next().Data

	// Another user cannot post into alice's session.
	req, _ := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(initializeBody))
	req.Header.Set("Authorization", "Bearer bob")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404 for a foreign session, got %d", res.StatusCode)
	}
}
