package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testAudience = "https://api.example.com/mcp"

type mockOIDC struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string
}

func newMockOIDC(t *testing.T, keysJSON []byte) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys"}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
			"scopes_supported":         []string{"mcp:read", "mcp:write"},
		})
	})
	mux.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, headerTyp string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if headerTyp != "" {
		tok.Header["typ"] = headerTyp
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseClaims(issuer string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user-123",
		"aud":   testAudience,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "mcp:read mcp:write",
	}
}

func TestFromDiscovery_HappyPath(t *testing.T) {
	t.Parallel()

	pk, kid, jwks := genRSA(t)
	idp := newMockOIDC(t, jwks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, idp.issuer, testAudience, WithLeeway(0))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if md := a.Metadata(); md.JWKSURL != idp.issuer+"/keys" || md.TokenEndpoint != idp.issuer+"/oauth2/token" {
		t.Fatalf("unexpected discovery metadata %+v", md)
	}

	ui, err := a.CheckAuthentication(ctx, signToken(t, pk, kid, "at+jwt", baseClaims(idp.issuer)))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("want sub user-123, got %s", ui.UserID())
	}
	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Scope != "mcp:read mcp:write" {
		t.Fatalf("scope roundtrip mismatch: %q", out.Scope)
	}
}

func TestStatic_Rejections(t *testing.T) {
	t.Parallel()

	pk, kid, jwks := genRSA(t)
	idp := newMockOIDC(t, jwks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewStatic(ctx, idp.issuer, testAudience, idp.issuer+"/keys",
		WithRequiredScopes("mcp:write", "mcp:admin"),
		WithAdditionalAudiences("http://localhost:8080/mcp"),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tests := []struct {
		name   string
		typ    string
		mutate func(jwt.MapClaims)
		want   error
	}{
		{"bad audience", "at+jwt", func(c jwt.MapClaims) { c["aud"] = "https://unknown" }, ErrUnauthorized},
		{"missing scope", "at+jwt", func(c jwt.MapClaims) { c["scope"] = "mcp:write" }, ErrInsufficientScope},
		{"wrong typ", "JWT", func(c jwt.MapClaims) { c["scope"] = "mcp:write mcp:admin" }, ErrUnauthorized},
		{"expired", "at+jwt", func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }, ErrUnauthorized},
		{"wrong issuer", "at+jwt", func(c jwt.MapClaims) { c["iss"] = "https://evil.example" }, ErrUnauthorized},
		{"additional audience", "at+jwt", func(c jwt.MapClaims) {
			c["aud"] = []string{"http://localhost:8080/mcp"}
			c["scope"] = "mcp:write mcp:admin"
		}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claims := baseClaims(idp.issuer)
			tc.mutate(claims)
			_, err := a.CheckAuthentication(ctx, signToken(t, pk, kid, tc.typ, claims))
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestAnyRequiredScope(t *testing.T) {
	t.Parallel()

	pk, kid, jwks := genRSA(t)
	idp := newMockOIDC(t, jwks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewStatic(ctx, idp.issuer, testAudience, idp.issuer+"/keys", WithAnyRequiredScope("mcp:admin", "mcp:read"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := a.CheckAuthentication(ctx, signToken(t, pk, kid, "at+jwt", baseClaims(idp.issuer))); err != nil {
		t.Fatalf("one matching scope should suffice: %v", err)
	}
}

func TestMiddleware_Statuses(t *testing.T) {
	t.Parallel()

	authn := AuthenticatorFunc(func(_ context.Context, tok string) (UserInfo, error) {
		switch tok {
		case "good":
			return NewUserInfo("alice", map[string]any{"sub": "alice"}), nil
		case "narrow":
			return nil, ErrInsufficientScope
		case "boom":
			return nil, errors.New("jwks unavailable")
		default:
			return nil, ErrUnauthorized
		}
	})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		if !ok {
			t.Errorf("user missing from context")
		}
		_, _ = w.Write([]byte(u.UserID()))
	})
	h := Middleware(authn, WithRealm("mcp"), WithResourceMetadataURL("https://mcp.example/.well-known/oauth-protected-resource"))(next)

	tests := []struct {
		name      string
		header    string
		status    int
		challenge string
	}{
		{"missing", "", http.StatusUnauthorized, `Bearer realm="mcp", resource_metadata="https://mcp.example/.well-known/oauth-protected-resource"`},
		{"malformed", "Basic Zm9vOmJhcg==", http.StatusBadRequest, `error="invalid_request"`},
		{"invalid token", "Bearer nope", http.StatusUnauthorized, `error="invalid_token"`},
		{"insufficient scope", "Bearer narrow", http.StatusForbidden, `error="insufficient_scope"`},
		{"authenticator failure", "Bearer boom", http.StatusInternalServerError, ""},
		{"ok", "Bearer good", http.StatusOK, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("want status %d, got %d", tc.status, rec.Code)
			}
			got := rec.Header().Get("WWW-Authenticate")
			if tc.challenge == "" {
				if tc.status == http.StatusOK && rec.Body.String() != "alice" {
					t.Fatalf("want body alice, got %q", rec.Body.String())
				}
				return
			}
			if !strings.Contains(got, tc.challenge) {
				t.Fatalf("challenge %q does not contain %q", got, tc.challenge)
			}
		})
	}
}

func TestBearerChallenge(t *testing.T) {
	t.Parallel()

	if got := BearerChallenge("", "", nil); got != "Bearer" {
		t.Fatalf("bare challenge: %q", got)
	}
	got := BearerChallenge(`my "realm"`, "", map[string]string{"error_description": "d", "error": "e", "scope": "a b"})
	want := `Bearer realm="my \"realm\"", error="e", error_description="d", scope="a b"`
	if got != want {
		t.Fatalf("want %s, got %s", want, got)
	}
}
