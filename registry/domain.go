package registry

import "strings"

// NormalizeDomain lower-cases d and strips the scheme, a leading "www.",
// any path and trailing slashes.
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return strings.TrimRight(d, "/")
}

// IsDomainAllowed reports whether requested may use a license restricted to
// allowed. An empty list allows any domain. Entries match when equal after
// normalization or when either contains the other, so subdomains and
// staging hosts of a customer pass.
func IsDomainAllowed(allowed []string, requested string) bool {
	if len(allowed) == 0 {
		return true
	}

	req := NormalizeDomain(requested)
	if req == "" {
		return false
	}

	for _, entry := range allowed {
		a := NormalizeDomain(entry)
		if a == "" {
			continue
		}
		if a == req || strings.Contains(req, a) || strings.Contains(a, req) {
			return true
		}
	}
	return false
}
