// Package referer reduces raw Referer headers to the domain dimension used by
// the visit rollups.
package referer

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// Sentinel domains. They are part of the summary primary key and are filtered
// out of top-referer listings, so their spelling must never change.
const (
	DirectOrUnknown = "Direct/Unknown"
	InvalidReferer  = "Invalid Referer"
)

// directValues are referers recorded for visits that had no usable origin.
var directValues = map[string]struct{}{
	"":            {},
	"直接访问":        {},
	"未知":          {},
	"unknown":     {},
	"direct":      {},
	"(direct)":    {},
	"none":        {},
	"null":        {},
	"-":           {},
	"about:blank": {},
}

// Normalize returns the host a referer points at, or one of the sentinels.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if _, ok := directValues[strings.ToLower(raw)]; ok {
		return DirectOrUnknown
	}

	candidate := raw
	schemeless := !strings.Contains(candidate, "://")
	if schemeless {
		candidate = "http://" + strings.TrimPrefix(candidate, "//")
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return InvalidReferer
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if net.ParseIP(host) != nil {
		return host
	}
	// Bare words such as "garbage" are not hosts without a scheme.
	if schemeless && !strings.Contains(host, ".") {
		return InvalidReferer
	}
	if !validHostname(host) {
		return InvalidReferer
	}
	return host
}

var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// validHostname reports whether host is a DNS name, after IDNA conversion for
// internationalized labels.
func validHostname(host string) bool {
	if host == "" {
		return false
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || len(ascii) > 253 {
		return false
	}
	for _, label := range strings.Split(ascii, ".") {
		if len(label) > 63 || !labelPattern.MatchString(label) {
			return false
		}
	}
	return true
}

// IsSentinel reports whether domain is one of the reserved referer values.
func IsSentinel(domain string) bool {
	return domain == DirectOrUnknown || domain == InvalidReferer
}
