package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	downloadAttempts    = 3
	downloadTimeout     = 30 * time.Second
	downloadBaseBackoff = 1 * time.Second
)

// Downloader fetches remote generator artifacts to local files with bounded
// per-attempt timeouts and linear backoff between attempts.
type Downloader struct {
	client   *http.Client
	attempts int
	timeout  time.Duration
	backoff  time.Duration
	sleep    func(time.Duration)
}

// DownloadOption customizes the downloader.
type DownloadOption func(*Downloader)

// WithDownloadHTTPClient overrides the default HTTP client.
func WithDownloadHTTPClient(client *http.Client) DownloadOption {
	return func(d *Downloader) {
		if client != nil {
			d.client = client
		}
	}
}

// WithDownloadBackoff overrides the per-attempt backoff unit (useful for tests).
func WithDownloadBackoff(backoff time.Duration) DownloadOption {
	return func(d *Downloader) {
		d.backoff = backoff
	}
}

// WithDownloadTimeout overrides the per-attempt timeout.
func WithDownloadTimeout(timeout time.Duration) DownloadOption {
	return func(d *Downloader) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDownloader constructs a downloader with production defaults.
func NewDownloader(opts ...DownloadOption) *Downloader {
	d := &Downloader{
		client:   &http.Client{},
		attempts: downloadAttempts,
		timeout:  downloadTimeout,
		backoff:  downloadBaseBackoff,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch downloads url into dest, replacing any existing file. It returns the
// number of bytes written. Attempts back off linearly (backoff × attempt);
// context cancellation stops retrying immediately.
func (d *Downloader) Fetch(ctx context.Context, url, dest string) (int64, error) {
	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		written, err := d.fetchOnce(ctx, url, dest)
		if err == nil {
			return written, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < d.attempts {
			d.sleep(d.backoff * time.Duration(attempt))
		}
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return 0, Wrap(ErrTimeout, "download", "fetch", url, lastErr)
	}
	return 0, Wrap(ErrTransient, "download", "fetch", url, lastErr)
}

func (d *Downloader) fetchOnce(ctx context.Context, url, dest string) (int64, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return 0, fmt.Errorf("http %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	written, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return 0, fmt.Errorf("write %s: %w", dest, err)
	}
	return written, nil
}
