package container

import (
	"context"
	"net/http"
	"time"
)

// WaitFor polls check every interval until it returns true or timeout elapses.
// A timeout or a cancelled context return false, it is not an error.
func WaitFor(ctx context.Context, timeout, interval time.Duration, check func(ctx context.Context) bool) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if check(ctx) {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// HTTPDoer is the part of http.Client the readiness probe uses.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WaitHTTPReady polls url until it answers 200 or timeout elapses.
func WaitHTTPReady(ctx context.Context, cli HTTPDoer, url string, timeout, interval time.Duration) bool {
	if cli == nil {
		cli = &http.Client{Timeout: 5 * time.Second}
	}

	return WaitFor(ctx, timeout, interval, func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := cli.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	})
}
