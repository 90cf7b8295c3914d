// Package server enforces the configured origin policy for WebSocket upgrade
// requests.
package server

import (
	"log"
	"net/http"
	"net/url"
	"strings"
)

// normalizeOrigins canonicalizes the configured origin list, reporting
// whether a wildcard entry allows all origins. Blank entries are skipped and
// invalid ones are logged and dropped.
func normalizeOrigins(origins []string) ([]string, bool) {
	var normalized []string
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
		case trimmed == "*":
			allowAll = true
		default:
			canonical, ok := normalizeOrigin(trimmed)
			if !ok {
				log.Printf("Ignoring invalid origin in configuration: %q", origin)
				continue
			}
			normalized = append(normalized, canonical)
		}
	}

	return normalized, allowAll
}

// normalizeOrigin reduces an origin to lowercase scheme://host form so
// header values and configured entries compare equal regardless of case.
func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// originAllowed decides whether the request's Origin header passes the given
// allow-set. Requests without a parseable origin are rejected.
func originAllowed(r *http.Request, allowed map[string]struct{}, allowAll bool) bool {
	origin, ok := normalizeOrigin(r.Header.Get("Origin"))
	if !ok {
		return false
	}
	if allowAll {
		return true
	}
	_, exists := allowed[origin]
	return exists
}

// checkOrigin is the upgrader's CheckOrigin hook. It takes one snapshot of
// the active policy per upgrade request.
func checkOrigin(r *http.Request) bool {
	allowed, allowAll := currentOriginPolicy()
	if originAllowed(r, allowed, allowAll) {
		return true
	}

	log.Printf("Blocked WebSocket upgrade from disallowed origin %q", r.Header.Get("Origin"))
	return false
}
