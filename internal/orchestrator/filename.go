package orchestrator

import (
	"net/url"
	"path"
	"strings"
)

// fallbackName is used when a URL offers nothing usable.
const fallbackName = "download"

// deriveFileName extracts a local filename from a source URL. The
// last path segment wins; query strings and fragments are dropped and
// path separators in the decoded segment are flattened.
func deriveFileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallbackName
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return fallbackName
	}
	base = strings.ReplaceAll(base, "/", "_")
	base = strings.ReplaceAll(base, "\\", "_")
	// A bare hostname request ends up with the path "/", handled
	// above; an encoded segment can still decode to something odd.
	if decoded, err := url.PathUnescape(base); err == nil && decoded != "" {
		base = strings.ReplaceAll(decoded, "/", "_")
	}
	if base == "" {
		return fallbackName
	}
	return base
}
