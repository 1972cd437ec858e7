// Package feedcache produces a local path to the latest bytes of a named
// upstream EPG feed, minimising wire I/O via HEAD-based change detection
// and a 24h TTL. Built directly on internal/httpclient's retry/backoff and
// per-host semaphore, and on the HEAD-probe-then-conditional-GET shape of
// internal/indexer/fetch/condget.go, generalised here from ETag/Last-
// Modified comparison to Content-Length comparison (this upstream serves
// neither ETag nor Last-Modified reliably).
package feedcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jesmann/epgmerge/internal/cache"
	"github.com/jesmann/epgmerge/internal/httpclient"
	"github.com/jesmann/epgmerge/internal/mergeerr"
	"github.com/jesmann/epgmerge/internal/safeurl"
)

// UPSTREAM is the fixed upstream origin this engine fetches from.
const UPSTREAM = "https://share.jesmann.com/"

// TTL is the cache-freshness window; within it, a HEAD probe suffices
// unless Content-Length has changed.
const TTL = 24 * time.Hour

// Status reports which branch of the get() algorithm a call took.
type Status string

const (
	StatusHit          Status = "HIT"
	StatusStaleRefetch Status = "STALE_REFETCH"
	StatusMiss         Status = "MISS"
	StatusChanged      Status = "CHANGED"
	StatusUnchanged    Status = "UNCHANGED"
)

// folderMap resolves (timeframe, feed_type) to the upstream folder
// segment. Timeframe 14 is only defined for "iptv" (spec I5).
var folderMap = map[string]map[string]string{
	"3":  {"iptv": "3day/iptv", "gracenote": "3day/gracenote"},
	"7":  {"iptv": "7day/iptv", "gracenote": "7day/gracenote"},
	"14": {"iptv": "14day/iptv"},
}

// Folder returns the upstream folder segment for (timeframe, feedType), or
// mergeerr.ConfigurationError if the pair is undefined (spec I5, B4).
func Folder(timeframe, feedType string) (string, error) {
	byFeed, ok := folderMap[timeframe]
	if !ok {
		return "", fmt.Errorf("%w: unknown timeframe %q", mergeerr.ConfigurationError, timeframe)
	}
	folder, ok := byFeed[feedType]
	if !ok {
		return "", fmt.Errorf("%w: timeframe %q has no %q feed", mergeerr.ConfigurationError, timeframe, feedType)
	}
	return folder, nil
}

// Cache fetches and caches upstream feed files under CacheDir.
type Cache struct {
	CacheDir string
	Client   *http.Client
	Policy   httpclient.RetryPolicy

	locks sync.Map // local cache path -> *sync.Mutex, serialises concurrent fetches of the same file
}

// New constructs a Cache rooted at cacheDir using the package's default
// retry-aware HTTP client.
func New(cacheDir string) *Cache {
	return &Cache{
		CacheDir: cacheDir,
		Client:   httpclient.Default(),
		Policy:   httpclient.DefaultRetryPolicy,
	}
}

func (c *Cache) lockFor(filename string) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(filename, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Get implements the cache-aware fetch algorithm of spec §4.B. It returns
// the local path to the latest bytes and the status taken.
func (c *Cache) Get(ctx context.Context, filename, timeframe, feedType string, timeout time.Duration) (string, Status, error) {
	folder, err := Folder(timeframe, feedType)
	if err != nil {
		return "", "", err
	}
	if !safeurl.CleanFilename(filename) {
		return "", "", fmt.Errorf("%w: unsafe filename %q", mergeerr.ConfigurationError, filename)
	}
	url := UPSTREAM + folder + "/" + filename
	if !safeurl.IsHTTPOrHTTPS(url) {
		return "", "", fmt.Errorf("%w: refusing non-HTTP upstream %q", mergeerr.ConfigurationError, url)
	}
	localPath := cache.FeedPath(c.CacheDir, folder, filename)

	mu := c.lockFor(localPath)
	mu.Lock()
	defer mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := os.Stat(localPath)
	switch {
	case os.IsNotExist(err):
		if err := c.fetch(fetchCtx, url, localPath); err != nil {
			return "", "", err
		}
		return localPath, StatusMiss, nil
	case err != nil:
		return "", "", fmt.Errorf("%w: stat %s: %v", mergeerr.UpstreamUnavailable, localPath, err)
	}

	age := time.Since(info.ModTime())
	if age <= TTL {
		remoteLen, headErr := c.headContentLength(fetchCtx, url)
		if headErr != nil {
			// HEAD failing outright is an upstream problem, not malformed;
			// surface it so the caller can fail the merge rather than
			// silently serve stale bytes past TTL.
			return "", "", headErr
		}
		if remoteLen < 0 {
			// UpstreamMalformed: no Content-Length — downgrade to GET.
			if err := c.fetch(fetchCtx, url, localPath); err != nil {
				return "", "", err
			}
			return localPath, StatusChanged, nil
		}
		if remoteLen == info.Size() {
			return localPath, StatusHit, nil
		}
		if err := c.fetch(fetchCtx, url, localPath); err != nil {
			return "", "", err
		}
		return localPath, StatusChanged, nil
	}

	// TTL expired: unconditional refetch.
	if err := c.fetch(fetchCtx, url, localPath); err != nil {
		return "", "", err
	}
	return localPath, StatusStaleRefetch, nil
}

// headContentLength issues HEAD and returns Content-Length, or -1 if the
// header is absent (UpstreamMalformed condition, handled by the caller).
func (c *Cache) headContentLength(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", mergeerr.UpstreamUnavailable, err)
	}
	resp, err := httpclient.DoWithRetry(ctx, c.Client, req, c.Policy)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", mergeerr.UpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: HEAD %s returned %d", mergeerr.UpstreamUnavailable, url, resp.StatusCode)
	}
	cl := resp.Header.Get("Content-Length")
	if cl == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil {
		return -1, nil
	}
	return n, nil
}

// fetch streams the URL to a temp file in CacheDir and atomically renames
// it over localPath, matching the teacher's temp-then-rename discipline
// (internal/indexer/fetch/state.go saveLocked, internal/dvbdb Save).
func (c *Cache) fetch(ctx context.Context, url, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", mergeerr.UpstreamUnavailable, err)
	}
	resp, err := httpclient.DoWithRetry(ctx, c.Client, req, c.Policy)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", mergeerr.DownloadTimeout, err)
		}
		return fmt.Errorf("%w: %v", mergeerr.UpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s returned %d", mergeerr.UpstreamUnavailable, url, resp.StatusCode)
	}

	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", mergeerr.UpstreamUnavailable, err)
	}
	tmp, err := os.CreateTemp(dir, ".feedcache-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", mergeerr.UpstreamUnavailable, err)
	}
	tmpName := tmp.Name()
	_, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: interrupted during download", mergeerr.DownloadTimeout)
		}
		return fmt.Errorf("%w: write temp: %v", mergeerr.UpstreamUnavailable, firstNonNil(copyErr, closeErr))
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename temp: %v", mergeerr.UpstreamUnavailable, err)
	}
	return nil
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
