// Package streaminghttp implements the MCP streamable HTTP transport as a
// net/http handler mounted on a single endpoint.
//
// A session starts with a POST carrying a lone initialize request and no
// Mcp-Session-Id header. The reply carries the new session id, and every
// later request must echo it along with the negotiated Mcp-Protocol-Version.
//
// POSTed requests are answered on the same HTTP exchange, either as a JSON
// body or as a short event stream, depending on the Accept header and
// WithJSONResponse. Bodies holding only notifications or responses get 202.
// Server-initiated messages, and replies whose POST went away before they
// were ready, are delivered on the standalone GET stream. With an event store
// that stream is resumable through Last-Event-ID.
//
// DELETE ends the session.
//
// Example:
//
//	eng := engine.New(mux)
//	h, err := streaminghttp.New(eng,
//	    streaminghttp.WithPublicEndpoint("https://api.example.com/mcp"),
//	    streaminghttp.WithAuthenticator(authenticator),
//	)
//	if err != nil {
//	    return err
//	}
//	http.ListenAndServe(":8080", h)
//
// When the authenticator exposes its authorization server metadata (as
// auth.JWTAuthenticator does) the handler also serves the OAuth protected
// resource metadata document under /.well-known/oauth-protected-resource.
package streaminghttp
