// Package sessions holds the registry every live connection is registered in.
//
// A Session records what was negotiated at handshake time (protocol version,
// capabilities), the transport it exclusively owns, activity timestamps and a
// resumption cursor per outbound stream. The Registry is the single shared,
// synchronized map of sessions keyed by id; everything else in the runtime
// refers to a session by id and looks it up here rather than holding a
// pointer back to the connection that owns it.
//
// A session's mutable fields are only written by the connection task that
// owns it. LastActivity is stored atomically so that the idle reaper may read
// it from its own goroutine.
package sessions
