package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls access token validation.
type Config struct {
	Issuer string
	// Audiences holds the primary audience first, followed by any additional
	// accepted audiences (typically local or test endpoints).
	Audiences      []string
	RequiredScopes []string
	// ScopeModeAny makes any one of RequiredScopes sufficient.
	ScopeModeAny bool
	AllowedAlgs  []string
	Leeway       time.Duration
}

func defaultConfig() Config {
	return Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// Option configures the JWT authenticators.
type Option func(*Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) Option {
	return func(c *Config) {
		c.RequiredScopes = slices.Clone(scopes)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) Option {
	return func(c *Config) {
		c.RequiredScopes = slices.Clone(scopes)
		c.ScopeModeAny = true
	}
}

// WithAdditionalAudiences accepts tokens minted for other audiences too.
func WithAdditionalAudiences(aud ...string) Option {
	return func(c *Config) { c.Audiences = append(c.Audiences, aud...) }
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) Option {
	return func(c *Config) {
		c.AllowedAlgs = slices.DeleteFunc(slices.Clone(algs), func(a string) bool { return a == "none" })
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *Config) { c.Leeway = d }
}

// JWTAuthenticator validates RFC 9068 JWT access tokens.
type JWTAuthenticator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
	meta    Metadata
}

// Metadata is what the authenticator knows about its authorization server.
// The HTTP transports advertise it as protected resource metadata.
type Metadata struct {
	Issuer                string
	JWKSURL               string
	AuthorizationEndpoint string
	TokenEndpoint         string
	ScopesSupported       []string
}

// NewStatic returns an authenticator for tokens issued by issuer for
// audience, verified against the keys published at jwksURL. Keys are
// refreshed in the background until ctx ends.
func NewStatic(ctx context.Context, issuer, audience, jwksURL string, opts ...Option) (*JWTAuthenticator, error) {
	if jwksURL == "" {
		return nil, errors.New("auth: jwks url is required")
	}
	cfg, err := buildConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	return newJWTAuthenticator(ctx, cfg, Metadata{Issuer: issuer, JWKSURL: jwksURL})
}

// NewFromDiscovery performs OIDC discovery against issuer to find its
// jwks_uri and returns an authenticator for tokens issued for audience.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...Option) (*JWTAuthenticator, error) {
	cfg, err := buildConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer        string   `json:"issuer"`
		JwksURI       string   `json:"jwks_uri"`
		Authorization string   `json:"authorization_endpoint"`
		Token         string   `json:"token_endpoint"`
		Scopes        []string `json:"scopes_supported"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("auth: invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("auth: discovery incomplete: missing jwks_uri")
	}

	return newJWTAuthenticator(ctx, cfg, Metadata{
		Issuer:                meta.Issuer,
		JWKSURL:               meta.JwksURI,
		AuthorizationEndpoint: meta.Authorization,
		TokenEndpoint:         meta.Token,
		ScopesSupported:       meta.Scopes,
	})
}

func buildConfig(issuer, audience string, opts []Option) (Config, error) {
	cfg := defaultConfig()
	cfg.Issuer = issuer
	if audience != "" {
		cfg.Audiences = []string{audience}
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Issuer == "" {
		return cfg, errors.New("auth: issuer is required")
	}
	if len(cfg.Audiences) == 0 {
		return cfg, errors.New("auth: audience is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	return cfg, nil
}

func newJWTAuthenticator(ctx context.Context, cfg Config, meta Metadata) (*JWTAuthenticator, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JWKSURL})
	if err != nil {
		return nil, fmt.Errorf("auth: jwks init failed: %w", err)
	}
	return &JWTAuthenticator{
		cfg:  cfg,
		meta: meta,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// Metadata returns the authorization server details learned at construction.
func (a *JWTAuthenticator) Metadata() Metadata {
	m := a.meta
	m.ScopesSupported = slices.Clone(a.meta.ScopesSupported)
	return m
}

// CheckAuthentication verifies tok and returns the subject it was issued to.
func (a *JWTAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if len(a.cfg.Audiences) == 1 {
		opts = append(opts, jwt.WithAudience(a.cfg.Audiences[0]))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if typ, _ := parsed.Header["typ"].(string); !strings.EqualFold(typ, "at+jwt") && !strings.EqualFold(typ, "application/at+jwt") {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], a.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		if time.Unix(int64(iatf), 0).After(time.Now().Add(a.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}
	if !a.scopesSatisfied(claims) {
		return nil, ErrInsufficientScope
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func (a *JWTAuthenticator) scopesSatisfied(claims jwt.MapClaims) bool {
	if len(a.cfg.RequiredScopes) == 0 {
		return true
	}
	scopeStr, _ := claims["scope"].(string)
	have := strings.Fields(scopeStr)
	if a.cfg.ScopeModeAny {
		return slices.ContainsFunc(a.cfg.RequiredScopes, func(s string) bool { return slices.Contains(have, s) })
	}
	for _, want := range a.cfg.RequiredScopes {
		if !slices.Contains(have, want) {
			return false
		}
	}
	return true
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}

var _ Authenticator = (*JWTAuthenticator)(nil)
