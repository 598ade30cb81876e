package security

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// AccessTokenPrefix marks relay access tokens so they are not confused with
// upstream account tokens.
const AccessTokenPrefix = "mstream_r_"

// Common errors
var (
	ErrMissingToken = errors.New("access token required")
	ErrInvalidToken = errors.New("invalid access token")
)

// GenerateAccessToken returns a new random relay access token.
func GenerateAccessToken() (string, error) {
	s, err := generateRandomString(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate access token: %w", err)
	}
	return AccessTokenPrefix + s, nil
}

// RequestToken extracts the token a client presented, from an
// "Authorization: Bearer" header or, for browsers that cannot set headers on
// WebSocket requests, the access_token query parameter.
func RequestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("access_token")
}

// VerifyRequest checks the request carries expected. An empty expected
// token disables the check.
func VerifyRequest(r *http.Request, expected string) error {
	if expected == "" {
		return nil
	}
	presented := RequestToken(r)
	if presented == "" {
		return ErrMissingToken
	}
	if !hmac.Equal([]byte(presented), []byte(expected)) {
		return ErrInvalidToken
	}
	return nil
}

func generateRandomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
