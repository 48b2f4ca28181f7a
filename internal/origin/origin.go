// Package origin normalizes browser Origin headers and matches them against
// the configured ALLOWED_ORIGINS list.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header and returns it as
// scheme://host[:port] with default ports removed. The special value "null"
// is returned as-is.
func NormalizeHeader(originHeader string) (string, bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	rawHostname, rawPort, ok := splitHostPort(u.Host)
	if !ok {
		return "", false
	}
	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return scheme + "://" + host, true
}

// Policy is an allow list of normalized origins. A "*" entry allows every
// well-formed origin.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

// NewPolicy normalizes each entry. Entries that are not valid origins are
// ignored.
func NewPolicy(allowed []string) Policy {
	p := Policy{allowed: make(map[string]struct{}, len(allowed))}
	for _, raw := range allowed {
		if strings.TrimSpace(raw) == "*" {
			p.any = true
			continue
		}
		if normalized, ok := NormalizeHeader(raw); ok {
			p.allowed[normalized] = struct{}{}
		}
	}
	return p
}

// AllowsAny reports whether the policy contains a wildcard.
func (p Policy) AllowsAny() bool { return p.any }

// Allows reports whether a raw Origin header value passes the policy.
func (p Policy) Allows(originHeader string) bool {
	normalized, ok := NormalizeHeader(originHeader)
	if !ok {
		return false
	}
	if p.any {
		return true
	}
	_, ok = p.allowed[normalized]
	return ok
}

// splitHostPort splits an authority host[:port] string. IPv6 hostnames are
// returned without brackets; the port is not validated.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ = strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid in an authority.
		return "", "", false
	}
}
