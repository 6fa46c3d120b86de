package vcs

import (
	"regexp"
	"strings"
)

var markerPattern = regexp.MustCompile(`<!--\s*steward:([A-Za-z0-9_-]+)\s*-->`)

// Marker returns the hidden HTML comment that tags a published body with its
// idempotency key.
func Marker(key string) string {
	return "<!-- steward:" + key + " -->"
}

// WithMarker appends the marker for key to body unless it is already there.
func WithMarker(body, key string) string {
	m := Marker(key)
	if strings.Contains(body, m) {
		return body
	}
	if body == "" {
		return m
	}
	return strings.TrimRight(body, "\n") + "\n\n" + m + "\n"
}

// MarkerKey extracts the idempotency key from body.
func MarkerKey(body string) (string, bool) {
	m := markerPattern.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}
