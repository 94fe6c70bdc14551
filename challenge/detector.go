// Package challenge handles Cloudflare anti-bot challenges: detecting them in
// responses, obtaining fresh clearance credentials from an external solving
// service and sharing those credentials across all outbound request paths.
package challenge

import (
	"fmt"
	"strings"

	http "github.com/bogdanfinn/fhttp"
)

// Interstitial page markers. These are signature matches, not a protocol
// parse; a false negative costs one failed request, a false positive costs
// one speculative solver call.
const (
	markerMitigated = "cf-mitigated"
	markerTitle     = "Just a moment"
	markerPlatform  = "challenge-platform"
)

// IsChallenge reports whether a response is a Cloudflare challenge. Only 429
// and 403 responses are considered; legitimate rate limits without challenge
// markers pass through as ordinary errors.
func IsChallenge(statusCode int, headers http.Header, body string) bool {
	if statusCode != http.StatusTooManyRequests && statusCode != http.StatusForbidden {
		return false
	}
	// Header names arrive canonicalized, so match case-insensitively against
	// the flattened header text.
	if strings.Contains(strings.ToLower(fmt.Sprint(headers)), markerMitigated) {
		return true
	}
	return strings.Contains(body, markerTitle) || strings.Contains(body, markerPlatform)
}
