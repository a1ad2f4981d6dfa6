package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandler_AddsContextGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "POST", Path: "/mcp"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1", ProtocolVersion: "2025-06-18", Transport: "streamable-http"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "ping", ID: "7", Type: "request"})
	log.With("component", "test").InfoContext(ctx, "engine.test")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	req, _ := rec["req"].(map[string]any)
	if req["id"] != "r1" || req["path"] != "/mcp" {
		t.Fatalf("unexpected req group: %v", rec["req"])
	}
	sess, _ := rec["sess"].(map[string]any)
	if sess["id"] != "s1" || sess["transport"] != "streamable-http" {
		t.Fatalf("unexpected sess group: %v", rec["sess"])
	}
	rpc, _ := rec["rpc"].(map[string]any)
	if rpc["method"] != "ping" || rpc["id"] != "7" {
		t.Fatalf("unexpected rpc group: %v", rec["rpc"])
	}
	if rec["component"] != "test" {
		t.Fatalf("WithAttrs dropped the decorating handler: %v", rec)
	}
}
