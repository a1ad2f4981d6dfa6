// Package sse implements the legacy HTTP+SSE MCP transport.
//
// A client opens GET /sse and receives an "endpoint" event whose data is the
// URL to POST its messages to (/messages?sessionId=...). Every server message
// then arrives on the stream as a "message" event. With an event store
// configured each message carries an id, and a client that reconnects with
// the sessionId parameter and a Last-Event-ID header gets the messages it
// missed before live delivery resumes.
//
// Example:
//
//	h := sse.New(eng, sse.WithEventStore(memorystore.New()))
//	http.ListenAndServe(":8080", h)
package sse
