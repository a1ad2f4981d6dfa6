package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// Guard checks bearer tokens on HTTP requests and answers failures with an
// RFC 6750 challenge.
type Guard struct {
	Authenticator Authenticator
	// Realm is included in challenges when non-empty.
	Realm string
	// ResourceMetadataURL points clients at the protected resource metadata
	// document, when one is served.
	ResourceMetadataURL string
	Logger              *slog.Logger
}

// Check authenticates r. On failure it writes the challenge response and
// returns nil; the caller must not write anything further.
func (g *Guard) Check(w http.ResponseWriter, r *http.Request) UserInfo {
	ctx := r.Context()
	log := g.Logger
	if log == nil {
		log = slog.Default()
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		// RFC 6750 §3.1: no error code when no credentials were supplied.
		log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, BearerChallenge(g.Realm, g.ResourceMetadataURL, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	const bearerPrefix = "Bearer "
	if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, BearerChallenge(g.Realm, g.ResourceMetadataURL, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, BearerChallenge(g.Realm, g.ResourceMetadataURL, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	user, err := g.Authenticator.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
		return user
	case errors.Is(err, ErrInsufficientScope):
		log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, BearerChallenge(g.Realm, g.ResourceMetadataURL, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, ErrUnauthorized):
		log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, BearerChallenge(g.Realm, g.ResourceMetadataURL, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
		w.WriteHeader(http.StatusUnauthorized)
	default:
		log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
	return nil
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*Guard)

// WithRealm sets the realm advertised in challenges.
func WithRealm(realm string) MiddlewareOption {
	return func(g *Guard) { g.Realm = strings.TrimSpace(realm) }
}

// WithResourceMetadataURL advertises the protected resource metadata URL in challenges.
func WithResourceMetadataURL(u string) MiddlewareOption {
	return func(g *Guard) { g.ResourceMetadataURL = u }
}

// WithLogger sets the logger used for authentication outcomes.
func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(g *Guard) { g.Logger = l }
}

// Middleware rejects requests without a valid bearer token and stores the
// authenticated user in the request context (see UserFromContext).
func Middleware(a Authenticator, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	g := &Guard{Authenticator: a}
	for _, o := range opts {
		o(g)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := g.Check(w, r)
			if user == nil {
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// BearerChallenge builds a WWW-Authenticate header value:
//
//	Bearer realm="<realm>", resource_metadata="<url>", error="...", error_description="..."
//
// Empty attributes are omitted. error, error_description and scope come
// first, in that order.
func BearerChallenge(realm, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
