package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy matches request Origin headers against a compiled allow-list.
//
// Entries may be:
//   - full Origin values with scheme, e.g. "https://example.com:5173"
//   - hostnames, e.g. "example.com" (any port)
//   - host:port pairs, e.g. "example.com:5173"
//   - wildcard hostnames, e.g. "*.example.com" (subdomains only)
//   - exact non-standard values, e.g. "null"
//
// Hostname comparison is case-insensitive. Requests without an Origin header
// (non-browser peers, which is the common case for mud servers) are governed
// by allowNoOrigin.
type OriginPolicy struct {
	exact     map[string]struct{} // Full origin values and non-standard tokens.
	hosts     map[string]struct{} // Hostname entries, lowercased.
	hostPorts map[string]struct{} // host:port entries, lowercased.
	wildcards []string            // Base domains from "*." entries, lowercased.

	allowNoOrigin bool
}

// NewOriginPolicy compiles the allow-list. Blank entries are ignored.
func NewOriginPolicy(allowed []string, allowNoOrigin bool) *OriginPolicy {
	p := &OriginPolicy{
		exact:         make(map[string]struct{}),
		hosts:         make(map[string]struct{}),
		hostPorts:     make(map[string]struct{}),
		allowNoOrigin: allowNoOrigin,
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case strings.Contains(entry, "://"):
			p.exact[entry] = struct{}{}
		case strings.HasPrefix(entry, "*."):
			if base := strings.ToLower(strings.TrimPrefix(entry, "*.")); base != "" {
				p.wildcards = append(p.wildcards, base)
			}
		default:
			if _, _, err := net.SplitHostPort(entry); err == nil {
				p.hostPorts[strings.ToLower(entry)] = struct{}{}
			} else {
				p.hosts[strings.ToLower(entry)] = struct{}{}
			}
			// Keep the raw form too so values like "null" still match.
			p.exact[entry] = struct{}{}
		}
	}
	return p
}

// Allow reports whether the request's Origin header passes the policy.
func (p *OriginPolicy) Allow(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return p.allowNoOrigin
	}
	if _, ok := p.exact[origin]; ok {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Host)
	hostname := strings.ToLower(parsed.Hostname())
	if _, ok := p.hostPorts[host]; ok && host != "" {
		return true
	}
	if _, ok := p.hosts[hostname]; ok && hostname != "" {
		return true
	}
	for _, base := range p.wildcards {
		if strings.HasSuffix(hostname, "."+base) {
			return true
		}
	}
	return false
}

// CheckOrigin adapts the policy to the websocket upgrader's callback shape.
func (p *OriginPolicy) CheckOrigin() func(r *http.Request) bool {
	return p.Allow
}
