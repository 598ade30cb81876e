package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ConnectionKey identifies one physical streaming destination: a server, the
// credential used against it and the logical endpoint. Equality is structural.
type ConnectionKey struct {
	Server   string
	Token    string
	Endpoint Endpoint
}

// NewConnectionKey builds a normalized key. The server may be a bare host
// ("mastodon.social") or a URL with an http/https scheme.
func NewConnectionKey(server, token string, endpoint Endpoint) ConnectionKey {
	return ConnectionKey{
		Server:   normalizeServer(server),
		Token:    token,
		Endpoint: endpoint,
	}
}

// Normalized returns k with its server in canonical form, so keys built as
// struct literals compare equal to those from NewConnectionKey.
func (k ConnectionKey) Normalized() ConnectionKey {
	k.Server = normalizeServer(k.Server)
	return k
}

func normalizeServer(server string) string {
	s := strings.TrimSpace(server)
	s = strings.TrimRight(s, "/")
	switch {
	case strings.HasPrefix(s, "https://"):
		s = strings.ToLower(strings.TrimPrefix(s, "https://"))
	case strings.HasPrefix(s, "http://"):
		s = "http://" + strings.ToLower(strings.TrimPrefix(s, "http://"))
	default:
		s = strings.ToLower(s)
	}
	return s
}

// Validate checks the key is usable for dialing.
func (k ConnectionKey) Validate() error {
	if k.Server == "" {
		return NewValidationError("server", "server is required")
	}
	if k.Token == "" {
		return NewValidationError("token", "access token is required")
	}
	return k.Endpoint.Validate()
}

// BaseURL returns the server's base URL. Bare hosts default to https.
func (k ConnectionKey) BaseURL() string {
	if strings.HasPrefix(k.Server, "http://") {
		return k.Server
	}
	return "https://" + k.Server
}

// Host returns the server host without scheme.
func (k ConnectionKey) Host() string {
	return strings.TrimPrefix(k.Server, "http://")
}

// StreamURL returns the full event-stream URL for the key.
func (k ConnectionKey) StreamURL() string {
	return k.BaseURL() + k.Endpoint.Path()
}

// TokenFingerprint returns a short, non-reversible identifier for the token.
func (k ConnectionKey) TokenFingerprint() string {
	sum := sha256.Sum256([]byte(k.Token))
	return hex.EncodeToString(sum[:4])
}

// String renders the key without the secret token.
func (k ConnectionKey) String() string {
	return k.Host() + "/" + k.Endpoint.String() + " [" + k.TokenFingerprint() + "]"
}
