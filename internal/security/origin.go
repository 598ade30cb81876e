// Package security holds the request checks applied by the relay server.
package security

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may open relay sockets.
type OriginPolicy struct {
	allowed      []string
	loopbackOnly bool
}

// NewOriginPolicy creates an origin policy. Loopback origins are always
// allowed. With no allowed origins configured, every origin is allowed
// unless loopbackOnly is set.
func NewOriginPolicy(allowed []string, loopbackOnly bool) *OriginPolicy {
	return &OriginPolicy{
		allowed:      allowed,
		loopbackOnly: loopbackOnly,
	}
}

// Allow reports whether origin may connect. An empty origin comes from a
// non-browser client and is allowed.
func (p *OriginPolicy) Allow(origin string) bool {
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}

	if IsLoopbackHost(u.Hostname()) {
		return true
	}

	for _, allowed := range p.allowed {
		if matchOrigin(u, allowed) {
			return true
		}
	}

	return len(p.allowed) == 0 && !p.loopbackOnly
}

// CheckOrigin validates the Origin header of r. It is suitable for
// websocket.Upgrader.CheckOrigin.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	return p.Allow(r.Header.Get("Origin"))
}

// IsLoopbackHost reports whether host names the local machine.
func IsLoopbackHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// matchOrigin supports "*", exact scheme://host[:port] and wildcard
// subdomains (*.example.com).
func matchOrigin(u *url.URL, allowed string) bool {
	allowed = strings.TrimRight(strings.TrimSpace(allowed), "/")
	if allowed == "*" {
		return true
	}
	if strings.HasPrefix(allowed, "*.") {
		return strings.HasSuffix(strings.ToLower(u.Hostname()), strings.ToLower(allowed[1:]))
	}
	return strings.EqualFold(u.Scheme+"://"+u.Host, allowed)
}
