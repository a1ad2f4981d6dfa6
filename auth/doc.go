// Package auth provides bearer-token authentication for the HTTP transports.
// It targets MCP servers that delegate authorization to an external OAuth 2.0
// / OIDC authorization server and verify RFC 9068 JWT access tokens.
//
// An Authenticator validates a token string and returns a UserInfo. Two
// constructors are provided:
//
//   - NewStatic validates against a fixed issuer and JWKS URL.
//   - NewFromDiscovery learns the JWKS URL through OpenID Connect discovery.
//
// Middleware and Guard extract the token from the Authorization header and
// map failures onto RFC 6750 challenges: 401 for a missing or invalid token,
// 400 for a malformed header, 403 for insufficient scope.
//
// Example:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://mcp.example/mcp",
//	    auth.WithRequiredScopes("mcp:read", "mcp:write"),
//	)
//	if err != nil { log.Fatal(err) }
//	http.Handle("/mcp", auth.Middleware(authn)(next))
//
// # Scopes
//
// WithRequiredScopes enforces that all provided scopes are present in the
// token's space-delimited scope claim; WithAnyRequiredScope relaxes this so
// at least one matches. The last one applied wins.
//
// # Algorithms & Clock Skew
//
// By default only RS256 is accepted. Use WithAllowedAlgs to broaden the set.
// WithLeeway adds tolerance for clock skew when validating exp/iat/nbf.
package auth
