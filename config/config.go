// Package config loads the settings of an MCP host process: defaults, then
// an optional TOML file, then MCP_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ggoodman/mcp-runtime-go/auth"
	"github.com/ggoodman/mcp-runtime-go/engine"
	"github.com/ggoodman/mcp-runtime-go/eventstore"
	"github.com/ggoodman/mcp-runtime-go/eventstore/memorystore"
	"github.com/ggoodman/mcp-runtime-go/eventstore/redisstore"
	"github.com/ggoodman/mcp-runtime-go/idgen"
	"github.com/ggoodman/mcp-runtime-go/sessions"
	"github.com/joeshaw/envdecode"
)

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"

	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNone   = "none"
)

type Config struct {
	// Transport is TransportStdio or TransportHTTP.
	Transport string `toml:"transport" env:"MCP_TRANSPORT"`
	// RequestTimeout bounds outbound requests without an earlier deadline.
	RequestTimeout time.Duration `toml:"request_timeout" env:"MCP_REQUEST_TIMEOUT"`
	// Versions lists the supported protocol versions, most preferred first.
	// MCP_PROTOCOL_VERSIONS takes a comma separated list.
	Versions []string `toml:"protocol_versions"`
	// MaxInFlight bounds concurrently handled requests per connection.
	MaxInFlight int `toml:"max_in_flight" env:"MCP_MAX_IN_FLIGHT"`

	KeepAlive  KeepAlive  `toml:"keepalive"`
	Sessions   Sessions   `toml:"sessions"`
	EventStore EventStore `toml:"event_store"`
	HTTP       HTTP       `toml:"http"`
	Auth       Auth       `toml:"auth"`
}

type KeepAlive struct {
	// Interval between pings; zero disables keep-alive.
	Interval    time.Duration `toml:"interval" env:"MCP_KEEPALIVE_INTERVAL"`
	MaxFailures int           `toml:"max_failures" env:"MCP_KEEPALIVE_MAX_FAILURES"`
}

type Sessions struct {
	// IdleTTL evicts sessions without inbound traffic; zero keeps them.
	IdleTTL      time.Duration `toml:"idle_ttl" env:"MCP_SESSION_IDLE_TTL"`
	ReapInterval time.Duration `toml:"reap_interval" env:"MCP_SESSION_REAP_INTERVAL"`
	// IDGenerator is an idgen.Kind.
	IDGenerator   string `toml:"id_generator" env:"MCP_SESSION_ID_GENERATOR"`
	SnowflakeNode int64  `toml:"snowflake_node" env:"MCP_SNOWFLAKE_NODE"`
}

type EventStore struct {
	Backend            string        `toml:"backend" env:"MCP_EVENTSTORE_BACKEND"`
	MaxEventsPerStream int           `toml:"max_events_per_stream" env:"MCP_EVENTSTORE_MAX_EVENTS"`
	RedisAddr          string        `toml:"redis_addr" env:"MCP_REDIS_ADDR"`
	RedisKeyPrefix     string        `toml:"redis_key_prefix" env:"MCP_REDIS_KEY_PREFIX"`
	StreamTTL          time.Duration `toml:"stream_ttl" env:"MCP_EVENTSTORE_STREAM_TTL"`
}

type HTTP struct {
	Addr string `toml:"addr" env:"MCP_HTTP_ADDR"`
	// PublicURL is the externally visible streamable endpoint. Its path
	// overrides Path.
	PublicURL    string `toml:"public_url" env:"MCP_HTTP_PUBLIC_URL"`
	Path         string `toml:"path" env:"MCP_HTTP_PATH"`
	JSONResponse bool   `toml:"json_response" env:"MCP_HTTP_JSON_RESPONSE"`
	// LegacySSE also serves the HTTP+SSE transport on SSEPath and
	// MessagesPath.
	LegacySSE    bool          `toml:"legacy_sse" env:"MCP_HTTP_LEGACY_SSE"`
	SSEPath      string        `toml:"sse_path" env:"MCP_HTTP_SSE_PATH"`
	MessagesPath string        `toml:"messages_path" env:"MCP_HTTP_MESSAGES_PATH"`
	ShutdownWait time.Duration `toml:"shutdown_wait" env:"MCP_HTTP_SHUTDOWN_WAIT"`
}

// Auth configures bearer token verification. It is off while Issuer is
// empty. Without JWKSURL the key set is found through OIDC discovery.
type Auth struct {
	Issuer         string   `toml:"issuer" env:"MCP_AUTH_ISSUER"`
	Audience       string   `toml:"audience" env:"MCP_AUTH_AUDIENCE"`
	JWKSURL        string   `toml:"jwks_url" env:"MCP_AUTH_JWKS_URL"`
	// RequiredScopes is set from MCP_AUTH_REQUIRED_SCOPES as a comma
	// separated list.
	RequiredScopes []string `toml:"required_scopes"`
	Realm          string   `toml:"realm" env:"MCP_AUTH_REALM"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Transport:      TransportStdio,
		RequestTimeout: 30 * time.Second,
		Versions:       slices.Clone(engine.DefaultVersions),
		KeepAlive:      KeepAlive{Interval: 30 * time.Second, MaxFailures: 3},
		Sessions: Sessions{
			IdleTTL:     30 * time.Minute,
			IDGenerator: string(idgen.KindUUID),
		},
		EventStore: EventStore{
			Backend:            BackendMemory,
			MaxEventsPerStream: memorystore.DefaultMaxEventsPerStream,
			RedisAddr:          "localhost:6379",
			RedisKeyPrefix:     "mcp:events:",
			StreamTTL:          24 * time.Hour,
		},
		HTTP: HTTP{
			Addr:         ":8080",
			Path:         "/mcp",
			LegacySSE:    true,
			SSEPath:      "/sse",
			MessagesPath: "/messages",
			ShutdownWait: 10 * time.Second,
		},
	}
}

// Load layers the file at path, when path is not empty, and then the
// environment over Default, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		if keys := meta.Undecoded(); len(keys) > 0 {
			names := make([]string, len(keys))
			for i, k := range keys {
				names[i] = k.String()
			}
			return Config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(names, ", "))
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode config from environment: %w", err)
	}
	// envdecode splits slices on ';', so the list variables are read here.
	if v, ok := envList("MCP_PROTOCOL_VERSIONS"); ok {
		cfg.Versions = v
	}
	if v, ok := envList("MCP_AUTH_REQUIRED_SCOPES"); ok {
		cfg.Auth.RequiredScopes = v
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envList reads a comma separated environment variable. Blank entries are
// dropped.
func envList(name string) ([]string, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return nil, false
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, true
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("config: transport must be %q or %q, got %q", TransportStdio, TransportHTTP, c.Transport)
	}
	if len(c.Versions) == 0 {
		return errors.New("config: at least one protocol version is required")
	}
	for name, d := range map[string]time.Duration{
		"request_timeout":        c.RequestTimeout,
		"keepalive.interval":     c.KeepAlive.Interval,
		"sessions.idle_ttl":      c.Sessions.IdleTTL,
		"sessions.reap_interval": c.Sessions.ReapInterval,
		"event_store.stream_ttl": c.EventStore.StreamTTL,
		"http.shutdown_wait":     c.HTTP.ShutdownWait,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	if c.KeepAlive.MaxFailures < 0 || c.MaxInFlight < 0 {
		return errors.New("config: keepalive.max_failures and max_in_flight must not be negative")
	}
	if _, err := idgen.New(idgen.Kind(c.Sessions.IDGenerator), c.Sessions.SnowflakeNode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.EventStore.Backend {
	case BackendMemory, BackendNone:
	case BackendRedis:
		if c.EventStore.RedisAddr == "" {
			return errors.New("config: event_store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown event store backend %q", c.EventStore.Backend)
	}
	if c.Transport == TransportHTTP {
		for _, p := range []string{c.HTTP.Path, c.HTTP.SSEPath, c.HTTP.MessagesPath} {
			if !strings.HasPrefix(p, "/") {
				return fmt.Errorf("config: http path %q must start with /", p)
			}
		}
	}
	if c.Auth.Issuer != "" && c.Auth.Audience == "" {
		return errors.New("config: auth.audience is required when auth.issuer is set")
	}
	return nil
}

// IDGenerator builds the session id generator.
func (c Config) IDGenerator() (idgen.Generator, error) {
	return idgen.New(idgen.Kind(c.Sessions.IDGenerator), c.Sessions.SnowflakeNode)
}

// NewEventStore builds the configured store. It returns nil for the none
// backend. A Redis store must be closed by the caller.
func (c Config) NewEventStore(ctx context.Context) (eventstore.Store, error) {
	switch c.EventStore.Backend {
	case BackendNone:
		return nil, nil
	case BackendRedis:
		s, err := redisstore.New(ctx, redisstore.Config{
			RedisAddr:          c.EventStore.RedisAddr,
			KeyPrefix:          c.EventStore.RedisKeyPrefix,
			MaxEventsPerStream: c.EventStore.MaxEventsPerStream,
			StreamTTL:          c.EventStore.StreamTTL,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return memorystore.New(memorystore.WithMaxEventsPerStream(c.EventStore.MaxEventsPerStream)), nil
	}
}

// NewRegistry builds a session registry minting ids with the configured
// generator.
func (c Config) NewRegistry(opts ...sessions.RegistryOption) (*sessions.Registry, error) {
	gen, err := c.IDGenerator()
	if err != nil {
		return nil, err
	}
	return sessions.NewRegistry(append([]sessions.RegistryOption{sessions.WithIDGenerator(gen)}, opts...)...), nil
}

// EngineOptions translates the runtime settings into engine options.
func (c Config) EngineOptions() []engine.Option {
	opts := []engine.Option{
		engine.WithVersions(c.Versions...),
		engine.WithRequestTimeout(c.RequestTimeout),
		engine.WithMaxInFlight(c.MaxInFlight),
	}
	if c.KeepAlive.Interval > 0 {
		opts = append(opts, engine.WithKeepAlive(c.KeepAlive.Interval, c.KeepAlive.MaxFailures))
	}
	if c.Sessions.IdleTTL > 0 {
		opts = append(opts, engine.WithSessionIdleTTL(c.Sessions.IdleTTL, c.Sessions.ReapInterval))
	}
	return opts
}

// NewAuthenticator builds the bearer token verifier, or returns nil when
// auth is off.
func (c Config) NewAuthenticator(ctx context.Context) (*auth.JWTAuthenticator, error) {
	a := c.Auth
	if a.Issuer == "" {
		return nil, nil
	}
	var opts []auth.Option
	if len(a.RequiredScopes) > 0 {
		opts = append(opts, auth.WithRequiredScopes(a.RequiredScopes...))
	}
	if a.JWKSURL != "" {
		return auth.NewStatic(ctx, a.Issuer, a.Audience, a.JWKSURL, opts...)
	}
	return auth.NewFromDiscovery(ctx, a.Issuer, a.Audience, opts...)
}
