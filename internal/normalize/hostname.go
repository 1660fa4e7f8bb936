// Package normalize canonicalizes hostnames, paths and URLs before they
// reach the asset store, so equality checks and unique constraints see one
// spelling per logical asset.
package normalize

import (
	"net/netip"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// hostnameRE accepts registrable DNS names: at least one dotted label plus
// an alphabetic TLD of two or more characters.
var hostnameRE = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)

// Hostname canonicalizes a hostname: trims whitespace, lowercases, strips
// one trailing dot, and converts unicode names to punycode. The second
// return is false when the result is not a valid DNS name; callers drop
// such values rather than treating them as errors.
func Hostname(raw string) (string, bool) {
	h := strings.ToLower(strings.TrimSpace(raw))
	h = strings.TrimSuffix(h, ".")
	if h == "" {
		return "", false
	}
	if ascii, err := idna.Lookup.ToASCII(h); err == nil {
		h = ascii
	}
	if !hostnameRE.MatchString(h) {
		return "", false
	}
	return h, true
}

// IPVersion classifies an address literal as "v4" or "v6".
// The second return is false for anything that does not parse.
func IPVersion(raw string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	if addr.Is4() || addr.Is4In6() {
		return "v4", true
	}
	return "v6", true
}
