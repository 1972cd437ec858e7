// Package health adapts the teacher's provider-reachability probe
// (CheckProvider) to the merge engine's one upstream origin, for an
// operator-facing /healthz endpoint.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CheckUpstream issues a GET against upstreamURL and returns nil if it
// responds with any status below 500; the feed origin has no dedicated
// health path, so reachability (not a specific 200) is what's being
// verified here. A 4xx still proves the host answers HTTP.
func CheckUpstream(ctx context.Context, client *http.Client, upstreamURL string) error {
	if upstreamURL == "" {
		return fmt.Errorf("no upstream URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		return err
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
	}
	return nil
}
