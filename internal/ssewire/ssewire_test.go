package ssewire

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tmaxmax/go-sse"
)

func TestStream_WritesEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := Open(w, r)
		if err != nil {
			t.Errorf("open: %v", err)
			return
		}
		_ = s.Send("endpoint", "", []byte("/messages?sessionId=abc"))
		var wg sync.WaitGroup
		for _, id := range []string{"1", "2", "3"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.Message(id, []byte(`{"jsonrpc":"2.0","method":"ping","id":`+id+`}`))
			}()
		}
		wg.Wait()
	}))
	defer srv.Close()

	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if res.Header.Get("X-Accel-Buffering") != "no" {
		t.Fatalf("missing X-Accel-Buffering header")
	}

	var types []string
	ids := map[string]bool{}
	for ev, err := range sse.Read(res.Body, nil) {
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		types = append(types, ev.Type)
		if ev.Type == MessageEvent {
			if !strings.Contains(ev.Data, `"id":`+ev.LastEventID+`}`) {
				t.Fatalf("event id %q does not match payload %s", ev.LastEventID, ev.Data)
			}
			ids[ev.LastEventID] = true
		}
	}
	if len(types) != 4 || types[0] != "endpoint" {
		t.Fatalf("unexpected event types: %v", types)
	}
	if len(ids) != 3 {
		t.Fatalf("want 3 distinct ids, got %v", ids)
	}
}
