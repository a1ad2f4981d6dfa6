// Package wellknown serves the OAuth 2.0 Protected Resource Metadata
// document (RFC 9728) that points MCP clients at their authorization server.
package wellknown

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// Path returns the well-known location for a resource served at resource:
// the well-known prefix followed by the resource's path.
func Path(resource *url.URL) string {
	return "/.well-known/oauth-protected-resource" + strings.TrimSuffix(resource.Path, "/")
}

// URL returns the absolute metadata URL for resource.
func URL(resource *url.URL) string {
	u := url.URL{Scheme: resource.Scheme, Host: resource.Host, Path: Path(resource)}
	return u.String()
}

// Handler serves doc with permissive CORS, answering preflight requests too.
func Handler(doc ProtectedResourceMetadata) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			http.Error(w, "failed to encode protected resource metadata", http.StatusInternalServerError)
		}
	})
}
