package httpclient

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"streamrelay/pkg/errdefs"
	"streamrelay/pkg/metrics"
)

// DoWithRetry issues a request and retries transient failures with
// exponential backoff. Transient means a transport error, a 5xx or a 429.
// Any other status is returned to the caller on the first attempt.
func (c *Client) DoWithRetry(ctx context.Context, method, urlStr string, headers map[string]string) (*http.Response, error) {
	attempts := c.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	var lastStatus int

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.UpstreamRetries.Inc()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoffDelay(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrUpstreamFetch, err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			lastStatus = 0
			c.log.Debug("upstream request failed", "url", urlStr, "attempt", attempt+1, "error", err)
			continue
		}

		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		lastErr = nil
		lastStatus = resp.StatusCode
		resp.Body.Close()
		c.log.Debug("upstream returned retryable status", "url", urlStr, "attempt", attempt+1, "status", resp.StatusCode)
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s after %d attempts: %v", errdefs.ErrUpstreamFetch, urlStr, attempts, lastErr)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: status %d", errdefs.ErrUpstreamFetch, urlStr, attempts, lastStatus)
}

// retryableStatus reports whether a status code is worth another attempt.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// backoffDelay computes the wait before the given attempt, doubling from the
// base delay up to the configured ceiling, with jitter to avoid thundering
// herds against a recovering upstream.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.cfg.RetryBaseDelay << (attempt - 1)
	if delay > c.cfg.RetryMaxDelay || delay <= 0 {
		delay = c.cfg.RetryMaxDelay
	}
	// rand.Int64N panics on a non-positive bound, reachable when the
	// configured delays round half down to zero.
	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + time.Duration(rand.Int64N(int64(half)))
}
