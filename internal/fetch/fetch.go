// Package fetch performs individual link-to-disk transfers.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrLinkExpired marks a link the CDN will no longer serve, either
// announced by the server or read off the presigned expiry stamp.
var ErrLinkExpired = errors.New("download link expired")

// Outcome classifies a single transfer attempt.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeNetworkFailure Outcome = "network_failure"
	OutcomeExpiredLink    Outcome = "expired_link"
	OutcomeTimeout        Outcome = "timeout"
)

// Result describes one completed attempt.
type Result struct {
	Outcome Outcome
	Bytes   int64
	Err     error
}

// The CDN rejects requests without a browser user agent.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Client downloads links to local files. Safe for concurrent use.
type Client struct {
	http      *http.Client
	userAgent string
	timeout   time.Duration
	now       func() time.Time
}

// NewClient returns a client that bounds every attempt by timeout.
// An empty userAgent selects the browser default.
func NewClient(timeout time.Duration, userAgent string) *Client {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		http:      &http.Client{},
		userAgent: userAgent,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Download fetches rawURL into destPath, creating parent directories as
// needed. A partial file never survives a failed attempt. Links whose
// embedded expiry stamp has passed are refused without a request.
func (c *Client) Download(ctx context.Context, rawURL, destPath string) Result {
	if expired, err := linkExpired(rawURL, c.now()); err == nil && expired {
		return Result{Outcome: OutcomeExpiredLink, Err: fmt.Errorf("%w: past its embedded expiry stamp", ErrLinkExpired)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{Outcome: OutcomeNetworkFailure, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Outcome: classifyTransport(err), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Payload follows.
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusGone:
		return Result{Outcome: OutcomeExpiredLink, Err: fmt.Errorf("%w: server answered %s", ErrLinkExpired, resp.Status)}
	default:
		return Result{Outcome: OutcomeNetworkFailure, Err: fmt.Errorf("unexpected status: %s", resp.Status)}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return Result{Outcome: OutcomeNetworkFailure, Err: fmt.Errorf("create staging dir: %w", err)}
	}
	out, err := os.Create(destPath)
	if err != nil {
		return Result{Outcome: OutcomeNetworkFailure, Err: fmt.Errorf("create staging file: %w", err)}
	}

	n, copyErr := io.Copy(out, resp.Body)
	if closeErr := out.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(destPath)
		return Result{Outcome: classifyTransport(copyErr), Bytes: n, Err: fmt.Errorf("copy body: %w", copyErr)}
	}

	return Result{Outcome: OutcomeSuccess, Bytes: n}
}

// classifyTransport separates deadline hits from other transport errors.
func classifyTransport(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeNetworkFailure
}

// linkExpired checks the expiry stamp presigned links carry in their query,
// either a bare Unix timestamp or the AWS v4 date-plus-TTL pair.
func linkExpired(rawURL string, now time.Time) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, err
	}
	q := u.Query()

	for _, key := range []string{"Expires", "expires"} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		return now.After(time.Unix(secs, 0)), nil
	}

	if dateStr := q.Get("X-Amz-Date"); dateStr != "" {
		ttl, err := strconv.ParseInt(q.Get("X-Amz-Expires"), 10, 64)
		if err == nil {
			signed, err := time.Parse("20060102T150405Z", dateStr)
			if err == nil {
				return now.After(signed.Add(time.Duration(ttl) * time.Second)), nil
			}
		}
	}

	return false, nil
}
