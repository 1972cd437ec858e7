// Package safeurl guards the two places the merge engine turns untrusted
// strings into a filesystem path or an outbound request: the feed filename
// a caller selects (feedcache.Cache.Get) and the upstream URL built from it.
package safeurl

import (
	"net/url"
	"path/filepath"
	"strings"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes that could lead to SSRF
// or local file access.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := parsed.Scheme
	return s == "http" || s == "https"
}

// CleanFilename rejects a feed filename that could escape the cache
// directory it's joined against (path separators, "..", or a leading dot
// that would resolve outside CacheDir). It does not alter the string: a
// filename either passes through unchanged or is rejected.
func CleanFilename(name string) bool {
	if name == "" || name != filepath.Base(name) {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return true
}
