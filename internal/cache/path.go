// Package cache builds the on-disk path a cached feed file lives at,
// namespaced by upstream folder so the same filename served under two
// different (timeframe, feed_type) folders never collides on disk.
package cache

import (
	"path/filepath"
	"strings"
)

// FeedPath returns the local cache path for filename under folder (e.g.
// "3day/iptv"), rooted at cacheDir.
func FeedPath(cacheDir, folder, filename string) string {
	return filepath.Join(cacheDir, sanitizeSegment(folder), filename)
}

// sanitizeSegment strips characters that would otherwise let a folder
// segment escape cacheDir or collide across platforms; "/" is preserved
// since folder is intentionally a multi-segment path (e.g. "7day/iptv").
func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "_")
	if s == "" {
		s = "unknown"
	}
	return s
}
