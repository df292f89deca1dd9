// Package origin decides which browser origins may open signaling
// connections.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin value and returns it as
// scheme://host[:port] with the default port dropped, plus the host[:port]
// part on its own for same-host comparisons.
func Normalize(raw string) (origin, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return "", "", false
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// normalizeHost lower-cases an authority and strips the scheme's default
// port. IPv6 literals keep their brackets.
func normalizeHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	hostname, port := authority, ""

	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", false
		}
		hostname = authority[:end+1]
		rest := authority[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return "", false
			}
			port = rest[1:]
		}
	} else if i := strings.IndexByte(authority, ':'); i >= 0 {
		if strings.Count(authority, ":") > 1 {
			return "", false
		}
		hostname, port = authority[:i], authority[i+1:]
	}
	if hostname == "" || hostname == "[]" {
		return "", false
	}

	if port == "" {
		return hostname, true
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return "", false
	}
	if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
		return hostname, true
	}
	return hostname + ":" + strconv.FormatUint(n, 10), true
}

// Policy is an origin allowlist. An empty list means same host only; "*"
// allows any origin.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

func NewPolicy(allowed []string) (*Policy, error) {
	p := &Policy{allowed: make(map[string]struct{}, len(allowed))}
	for _, entry := range allowed {
		if entry == "*" {
			p.any = true
			continue
		}
		normalized, _, ok := Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid allowed origin %q", entry)
		}
		p.allowed[normalized] = struct{}{}
	}
	return p, nil
}

// Check reports whether r may be upgraded. Requests without an Origin header
// come from non-browser clients and are always allowed.
func (p *Policy) Check(r *http.Request) bool {
	values := r.Header.Values("Origin")
	if len(values) == 0 {
		return true
	}
	if len(values) > 1 {
		return false
	}
	if p.any {
		return true
	}

	normalized, host, ok := Normalize(values[0])
	if !ok {
		return false
	}
	if len(p.allowed) > 0 {
		_, found := p.allowed[normalized]
		return found
	}

	// Same host. Scheme is ignored since TLS may terminate in front of us.
	scheme, _, _ := strings.Cut(normalized, "://")
	requestHost, ok := normalizeHost(r.Host, scheme)
	return ok && requestHost == host
}
