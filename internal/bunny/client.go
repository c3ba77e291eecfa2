// Package bunny is a thin client for Bunny-style CDN storage zones:
// HTTP PUT uploads authenticated with an AccessKey header, plus
// best-effort HEAD existence checks used as an idempotency oracle.
package bunny

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/joshuahamsa/ipfs-to-cdn/internal/config"
)

const (
	defaultRegionHost = "storage.bunnycdn.com"

	// Transport retry policy: bounded attempts with exponential backoff,
	// retrying the same status set the original jobs retried.
	retryAttempts = 5
	retryWaitMin  = 600 * time.Millisecond
	retryWaitMax  = 30 * time.Second

	existsTimeout = 10 * time.Second
	maxErrBody    = 200
)

// UploadError is a non-2xx response from the storage API after the
// transport retry policy is exhausted. Body is truncated for diagnostics.
type UploadError struct {
	Status int
	Body   string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("bunny upload failed (HTTP %d): %s", e.Status, e.Body)
}

// Key derives a destination key from prefix, id, and extension. It is a
// pure function: key(p, n, e) = p + n + "." + e.
func Key(prefix string, n int, ext string) string {
	return prefix + strconv.Itoa(n) + "." + ext
}

// ParseKeyID recovers the numeric id from a key produced by Key.
func ParseKeyID(key, prefix, ext string) (int, bool) {
	s := strings.TrimPrefix(key, prefix)
	s = strings.TrimSuffix(s, "."+ext)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Client talks to one storage zone. Safe for concurrent use.
type Client struct {
	cfg   config.Bunny
	http  *retryablehttp.Client
	plain *http.Client // existence checks: no retries, short timeout
	log   *zap.SugaredLogger
}

func New(cfg config.Bunny, timeout time.Duration, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = retryAttempts - 1
	rc.RetryWaitMin = retryWaitMin
	rc.RetryWaitMax = retryWaitMax
	rc.Logger = nil
	rc.CheckRetry = checkRetry
	rc.HTTPClient = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		cfg:   cfg,
		http:  rc,
		plain: &http.Client{Timeout: existsTimeout},
		log:   log,
	}
}

// checkRetry retries connection errors and the storage API's transient
// statuses; everything else (404s included) is final.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

func (c *Client) storageURL(key string) string {
	host := strings.TrimSpace(c.cfg.RegionHost)
	if host == "" {
		host = defaultRegionHost
	}
	return baseURL(host) + "/" + url.PathEscape(strings.TrimSpace(c.cfg.StorageZone)) + "/" + key
}

// baseURL accepts either a bare host or a full URL (tests and
// region-specific endpoints pass the latter).
func baseURL(host string) string {
	if strings.Contains(host, "://") {
		return strings.TrimRight(host, "/")
	}
	return "https://" + host
}

// Put uploads body to key. 200/201 are success; any other final status
// becomes an *UploadError.
func (c *Client) Put(ctx context.Context, key, contentType string, body io.ReadSeeker) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, c.storageURL(key), body)
	if err != nil {
		return err
	}
	req.Header.Set("AccessKey", strings.TrimSpace(c.cfg.AccessKey))
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	return &UploadError{Status: resp.StatusCode, Body: string(b)}
}

// PutBytes uploads an in-memory payload.
func (c *Client) PutBytes(ctx context.Context, key, contentType string, data []byte) error {
	return c.Put(ctx, key, contentType, bytes.NewReader(data))
}

// PutFile uploads a staged local file as application/octet-stream.
func (c *Client) PutFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.Put(ctx, key, "application/octet-stream", f)
}

// Exists reports whether key is already present. When a public pull-zone
// host is configured it is checked unauthenticated; otherwise the storage
// API path is HEADed with the AccessKey. Any failure reads as absent so a
// broken oracle only costs a redundant re-upload.
func (c *Client) Exists(ctx context.Context, key string) bool {
	var u string
	auth := false
	if h := strings.TrimSpace(c.cfg.PublicHost); h != "" {
		u = baseURL(h) + "/" + key
	} else {
		u = c.storageURL(key)
		auth = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false
	}
	if auth {
		req.Header.Set("AccessKey", strings.TrimSpace(c.cfg.AccessKey))
	}
	resp, err := c.plain.Do(req)
	if err != nil {
		c.log.Warnw("existence check failed", "key", key, "err", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// ScanOptions tunes the pre-flight existence scan.
type ScanOptions struct {
	BatchSize  int           // ids per batch; default 100
	BatchPause time.Duration // delay between batches; default 100ms
}

// ScanExisting HEADs every candidate key in [start, end] and returns the
// set of ids already present. Batched with a fixed pause to bound request
// rate against the CDN.
func (c *Client) ScanExisting(ctx context.Context, prefix, ext string, start, end int, opts ScanOptions) map[int]struct{} {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchPause <= 0 {
		opts.BatchPause = 100 * time.Millisecond
	}

	existing := make(map[int]struct{})
	total := end - start + 1
	checked := 0
	c.log.Infow("checking CDN for existing files", "total", total)

	for bs := start; bs <= end; bs += opts.BatchSize {
		be := bs + opts.BatchSize - 1
		if be > end {
			be = end
		}
		for n := bs; n <= be; n++ {
			if ctx.Err() != nil {
				return existing
			}
			if c.Exists(ctx, Key(prefix, n, ext)) {
				existing[n] = struct{}{}
			}
			checked++
			if checked%50 == 0 {
				c.log.Infow("existence scan progress", "checked", checked, "total", total, "existing", len(existing))
			}
		}
		if be < end {
			select {
			case <-time.After(opts.BatchPause):
			case <-ctx.Done():
				return existing
			}
		}
	}
	c.log.Infow("existence scan complete", "existing", len(existing), "checked", checked)
	return existing
}
