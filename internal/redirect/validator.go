package redirect

import (
	"net/url"
	"strings"
)

const authPathSegment = "/auth/"

// Validator decides whether a post-login destination is safe to redirect to.
type Validator struct {
	allowedHosts []string
}

// NewValidator constructs a Validator for the supplied allow-list entries.
// Entries may be exact hosts, "*.domain", ".domain", or "*".
func NewValidator(allowedHosts []string) Validator {
	normalized := make([]string, 0, len(allowedHosts))
	for _, entry := range allowedHosts {
		trimmed := strings.ToLower(strings.TrimSpace(entry))
		if trimmed == "" {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	return Validator{allowedHosts: normalized}
}

// AllowedHosts returns a copy of the normalized allow-list.
func (validator Validator) AllowedHosts() []string {
	clone := make([]string, len(validator.allowedHosts))
	copy(clone, validator.allowedHosts)
	return clone
}

// Allowed reports whether candidate may be used as a redirect target.
func (validator Validator) Allowed(candidate string) bool {
	return IsAllowedTarget(candidate, validator.allowedHosts)
}

// IsAllowedTarget accepts same-origin relative paths and absolute http(s) URLs whose
// host matches the allow-list. Any path containing "/auth/" is refused.
func IsAllowedTarget(candidate string, allowedHosts []string) bool {
	if candidate == "" || containsControlCharacter(candidate) {
		return false
	}

	if isRelativePath(candidate) {
		return !strings.Contains(candidate, authPathSegment)
	}

	parsed, parseErr := url.Parse(candidate)
	if parseErr != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if strings.Contains(parsed.Path, authPathSegment) {
		return false
	}

	for _, allowed := range allowedHosts {
		trimmed := strings.TrimSpace(allowed)
		if trimmed == "" {
			continue
		}
		if HostMatches(host, trimmed) {
			return true
		}
	}
	return false
}

// HostMatches applies the exact / wildcard-subdomain / global-wildcard rules.
func HostMatches(host string, allowed string) bool {
	host = strings.ToLower(host)
	allowed = strings.ToLower(allowed)

	if allowed == "*" {
		return true
	}

	switch {
	case strings.HasPrefix(allowed, "*."):
		return hostMatchesBase(host, strings.TrimPrefix(allowed, "*."))
	case strings.HasPrefix(allowed, "."):
		return hostMatchesBase(host, strings.TrimLeft(allowed, "."))
	}

	return host == allowed
}

func hostMatchesBase(host string, base string) bool {
	if base == "" {
		return false
	}
	if host == base {
		return true
	}
	return strings.HasSuffix(host, "."+base)
}

// isRelativePath is true for "/path" but not for protocol-relative "//host" or "/\host",
// which browsers resolve against another origin.
func isRelativePath(candidate string) bool {
	if !strings.HasPrefix(candidate, "/") {
		return false
	}
	if len(candidate) > 1 && (candidate[1] == '/' || candidate[1] == '\\') {
		return false
	}
	return true
}

func containsControlCharacter(candidate string) bool {
	for _, character := range candidate {
		if character < 0x20 || character == 0x7f {
			return true
		}
	}
	return false
}
