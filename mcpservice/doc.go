// Package mcpservice is the boundary between the protocol runtime and the
// application. The engine hands every inbound request and notification to a
// single Handler together with a Session view of the connection it arrived
// on, and forwards the outcome to the peer as the response.
//
// Quick start:
//
//	mux := mcpservice.NewMux()
//	mux.Register("tools/call", mcpservice.Typed(func(ctx context.Context, s mcpservice.Session, p CallParams) (*CallResult, error) {
//	    return &CallResult{Text: "you said: " + p.Message}, nil
//	}))
//	eng := engine.New(mux, engine.WithCapabilities(map[string]json.RawMessage{"tools": json.RawMessage(`{}`)}))
//
// Handlers may call back to the peer through Session.Call while they run;
// the engine dispatches each request on its own goroutine so this never
// blocks the connection's receive loop.
package mcpservice
