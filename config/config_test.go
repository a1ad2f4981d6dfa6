package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-runtime-go/eventstore/memorystore"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "mcp.toml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("want defaults, got %+v", cfg)
	}
	if cfg.KeepAlive.MaxFailures != 3 {
		t.Fatalf("want 3 keep-alive failures by default, got %d", cfg.KeepAlive.MaxFailures)
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, `
transport = "http"
protocol_versions = ["2025-03-26"]

[keepalive]
interval = "5s"

[event_store]
backend = "none"

[http]
path = "/rpc"
`)
	t.Setenv("MCP_KEEPALIVE_INTERVAL", "7s")
	t.Setenv("MCP_AUTH_ISSUER", "https://issuer.example")
	t.Setenv("MCP_AUTH_AUDIENCE", "https://api.example/rpc")
	t.Setenv("MCP_AUTH_REQUIRED_SCOPES", "mcp:read,mcp:write")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport != TransportHTTP || cfg.HTTP.Path != "/rpc" || cfg.EventStore.Backend != BackendNone {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Versions, []string{"2025-03-26"}) {
		t.Fatalf("want versions from file, got %v", cfg.Versions)
	}
	if cfg.KeepAlive.Interval != 7*time.Second {
		t.Fatalf("env must win over file, got %s", cfg.KeepAlive.Interval)
	}
	if cfg.KeepAlive.MaxFailures != 3 || cfg.HTTP.SSEPath != "/sse" {
		t.Fatalf("unset values must keep their defaults: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Auth.RequiredScopes, []string{"mcp:read", "mcp:write"}) {
		t.Fatalf("unexpected scopes %v", cfg.Auth.RequiredScopes)
	}
}

func TestLoad_EnvironmentListsAreCommaSeparated(t *testing.T) {
	t.Setenv("MCP_PROTOCOL_VERSIONS", "2025-06-18, 2025-03-26")
	t.Setenv("MCP_AUTH_ISSUER", "https://issuer.example")
	t.Setenv("MCP_AUTH_AUDIENCE", "https://api.example/mcp")
	t.Setenv("MCP_AUTH_REQUIRED_SCOPES", "mcp:read,,mcp:write")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(cfg.Versions, []string{"2025-06-18", "2025-03-26"}) {
		t.Fatalf("unexpected versions %q", cfg.Versions)
	}
	if !reflect.DeepEqual(cfg.Auth.RequiredScopes, []string{"mcp:read", "mcp:write"}) {
		t.Fatalf("unexpected scopes %q", cfg.Auth.RequiredScopes)
	}
}

func TestLoad_Rejects(t *testing.T) {
	t.Run("unknown key", func(t *testing.T) {
		_, err := Load(writeFile(t, "tranport = \"http\"\n"))
		if err == nil || !strings.Contains(err.Error(), "tranport") {
			t.Fatalf("want unknown key error, got %v", err)
		}
	})
	t.Run("invalid env", func(t *testing.T) {
		t.Setenv("MCP_EVENTSTORE_BACKEND", "postgres")
		if _, err := Load(""); err == nil {
			t.Fatalf("want validation error")
		}
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"transport", func(c *Config) { c.Transport = "carrier-pigeon" }, "transport"},
		{"no versions", func(c *Config) { c.Versions = nil }, "protocol version"},
		{"negative duration", func(c *Config) { c.Sessions.IdleTTL = -time.Second }, "sessions.idle_ttl"},
		{"negative failures", func(c *Config) { c.KeepAlive.MaxFailures = -1 }, "max_failures"},
		{"id generator", func(c *Config) { c.Sessions.IDGenerator = "dice" }, "dice"},
		{"snowflake node", func(c *Config) { c.Sessions.IDGenerator = "snowflake"; c.Sessions.SnowflakeNode = 5000 }, "snowflake"},
		{"backend", func(c *Config) { c.EventStore.Backend = "s3" }, "s3"},
		{"redis address", func(c *Config) { c.EventStore.Backend = BackendRedis; c.EventStore.RedisAddr = "" }, "redis_addr"},
		{"http path", func(c *Config) { c.Transport = TransportHTTP; c.HTTP.Path = "mcp" }, "must start with /"},
		{"audience", func(c *Config) { c.Auth.Issuer = "https://issuer.example" }, "audience"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestBuilders(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Sessions.IDGenerator = "counter"
	reg, err := cfg.NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if a, b := reg.NewID(), reg.NewID(); a != "1" || b != "2" {
		t.Fatalf("want counter ids, got %q %q", a, b)
	}

	store, err := cfg.NewEventStore(t.Context())
	if err != nil {
		t.Fatalf("event store: %v", err)
	}
	if _, ok := store.(*memorystore.Store); !ok {
		t.Fatalf("want memory store, got %T", store)
	}
	cfg.EventStore.Backend = BackendNone
	if store, _ := cfg.NewEventStore(t.Context()); store != nil {
		t.Fatalf("want no store, got %T", store)
	}

	if a, err := cfg.NewAuthenticator(t.Context()); a != nil || err != nil {
		t.Fatalf("auth must be off without an issuer")
	}
	if n := len(cfg.EngineOptions()); n != 5 {
		t.Fatalf("want 5 engine options with keep-alive and idle ttl, got %d", n)
	}
}
