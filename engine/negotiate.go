package engine

import (
	"encoding/json"
	"slices"
)

// Lifecycle methods owned by the engine.
const (
	InitializeMethod              = "initialize"
	InitializedNotificationMethod = "notifications/initialized"
	PingMethod                    = "ping"
)

// Implementation identifies one side of a connection.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the payload of the initialize request. SupportedVersions
// lists every version the initiator accepts, in preference order; peers that
// omit it are taken to accept only ProtocolVersion.
type InitializeParams struct {
	ProtocolVersion   string                     `json:"protocolVersion"`
	SupportedVersions []string                   `json:"supportedVersions,omitempty"`
	Capabilities      map[string]json.RawMessage `json:"capabilities"`
	ClientInfo        Implementation             `json:"clientInfo"`
}

// InitializeResult is the payload of a successful initialize response.
type InitializeResult struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ServerInfo      Implementation             `json:"serverInfo"`
	Instructions    string                     `json:"instructions,omitempty"`
}

// VersionMismatchData is attached to the error response sent when no
// protocol version is acceptable to both sides.
type VersionMismatchData struct {
	Supported []string `json:"supported"`
	Requested []string `json:"requested"`
}

// peerVersions returns the set of versions the initiator advertised.
func (p InitializeParams) peerVersions() []string {
	if len(p.SupportedVersions) > 0 {
		return p.SupportedVersions
	}
	if p.ProtocolVersion != "" {
		return []string{p.ProtocolVersion}
	}
	return nil
}

// negotiateVersion picks the first locally preferred version the peer also
// supports. ok is false when the two sets do not intersect.
func negotiateVersion(local, peer []string) (string, bool) {
	for _, v := range local {
		if slices.Contains(peer, v) {
			return v, true
		}
	}
	return "", false
}

func nonNilCaps(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return map[string]json.RawMessage{}
	}
	return m
}
