package webhook

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrURLNotAllowed  = errors.New("url not in provider allowlist")
	ErrURLMalformed   = errors.New("malformed url")
	ErrURLNotHTTPS    = errors.New("url must be https")
	ErrURLHasUserinfo = errors.New("url must not carry userinfo")
	ErrURLPrivateHost = errors.New("url resolves to a private or loopback host")
)

type allowEntry struct {
	host       string
	pathPrefix string
}

// URLAllowlist is the outbound SSRF guard: a user-configured webhook URL is
// only POSTed to when it matches an allow-listed domain (exact host or true
// subdomain) and path prefix for that provider. Look-alike domains
// ("evilresend.com" vs "resend.com") never match the dot-boundary check.
type URLAllowlist struct {
	entries map[string][]allowEntry
}

// NewURLAllowlist parses per-provider allowed URL prefixes, e.g.
// {"resend": ["https://api.resend.com/"], "slack": ["https://hooks.slack.com/services/"]}.
func NewURLAllowlist(prefixes map[string][]string) (*URLAllowlist, error) {
	a := &URLAllowlist{entries: make(map[string][]allowEntry, len(prefixes))}
	for provider, list := range prefixes {
		for _, raw := range list {
			u, err := url.Parse(raw)
			if err != nil || u.Scheme != "https" || u.Host == "" {
				return nil, fmt.Errorf("allowlist entry %q for %s: must be an absolute https URL", raw, provider)
			}
			a.entries[provider] = append(a.entries[provider], allowEntry{
				host:       strings.ToLower(u.Hostname()),
				pathPrefix: u.Path,
			})
		}
	}
	return a, nil
}

// Validate checks a target URL for the given provider. It rejects rather
// than silently drops: every failure has a distinct error.
func (a *URLAllowlist) Validate(provider, rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ErrURLMalformed
	}
	if u.Scheme != "https" {
		return ErrURLNotHTTPS
	}
	if u.User != nil {
		return ErrURLHasUserinfo
	}

	host := strings.ToLower(u.Hostname())
	if ip := net.ParseIP(host); ip != nil {
		// IP literals are never allow-listed, and private ranges doubly so.
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return ErrURLPrivateHost
		}
		return ErrURLNotAllowed
	}
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return ErrURLPrivateHost
	}

	for _, e := range a.entries[provider] {
		if !hostMatches(host, e.host) {
			continue
		}
		if e.pathPrefix == "" || e.pathPrefix == "/" || pathMatches(u.Path, e.pathPrefix) {
			return nil
		}
	}
	return ErrURLNotAllowed
}

// hostMatches accepts the exact host or a dot-separated subdomain of it.
func hostMatches(host, allowed string) bool {
	return host == allowed || strings.HasSuffix(host, "."+allowed)
}

// pathMatches requires the prefix to end at a segment boundary, so
// "/services" does not admit "/servicesevil".
func pathMatches(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if strings.HasSuffix(prefix, "/") {
		return true
	}
	rest := path[len(prefix):]
	return rest == "" || strings.HasPrefix(rest, "/")
}
