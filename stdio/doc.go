// Package stdio carries MCP traffic over a pair of byte streams using
// newline-delimited JSON. It covers both sides of a local integration:
//
//	Serve   : run an engine connection over os.Stdin / os.Stdout
//	Spawn   : start a server child process and talk to it over its pipes
//	Dial    : Spawn plus the initiating handshake
//
// Characteristics
//
//	Connection model : 1 process <-> 1 peer
//	Auth             : OS user (lightweight implicit principal)
//	Framing          : one JSON-RPC message or batch per line
//
// Example:
//
//	eng := engine.New(mux, engine.WithImplementation(engine.Implementation{Name: "echo", Version: "0.1.0"}))
//	if err := stdio.Serve(ctx, eng, os.Stdin, os.Stdout); err != nil {
//	    log.Fatal(err)
//	}
package stdio
