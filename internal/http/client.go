package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// ErrReadTimeout is returned by Response.Body when a single read stalls
// longer than the configured per-read timeout.
var ErrReadTimeout = errors.New("http: body read timed out")

// StatusError reports a non-success HTTP status. RetryAfter carries the
// parsed Retry-After header when the server supplied one.
type StatusError struct {
	Code       int
	Status     string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http: unexpected status %s", e.Status)
}

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 32
	MaxIdleConnsPerHost int

	// HeaderTimeout bounds the wait for response headers.
	// Default: 30s
	HeaderTimeout time.Duration

	// ReadTimeout bounds each individual body read.
	// Default: 60s
	ReadTimeout time.Duration

	// UserAgents is a rotation pool. The agent for a request is
	// selected by attempt number, so a retry after a header-rotation
	// decision presents a different identity.
	UserAgents []string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 32,
		HeaderTimeout:       30 * time.Second,
		ReadTimeout:         60 * time.Second,
		UserAgents:          []string{"snag/1.0"},
	}
}

// Response is a successful GET response. RangeStart is the byte offset
// the body starts at: the requested offset when the server honored the
// Range header, 0 when it sent the whole resource. Total is the full
// resource size, or -1 when unknown.
type Response struct {
	Body       io.ReadCloser
	StatusCode int
	RangeStart int64
	Total      int64
	ETag       string

	cancel context.CancelFunc
}

// Close releases the response body and aborts the underlying request.
func (r *Response) Close() error {
	err := r.Body.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

// Client is an HTTP client optimized for long streaming downloads.
// It performs no retries itself; failure policy belongs to the caller.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.MaxIdleConnsPerHost == 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if opts.HeaderTimeout == 0 {
		opts.HeaderTimeout = def.HeaderTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if len(opts.UserAgents) == 0 {
		opts.UserAgents = def.UserAgents
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.HeaderTimeout,
		DisableCompression:    true, // We want raw bytes for range requests
	}

	return &Client{
		// No overall timeout: transfers are long-lived. Stalls are
		// caught by the per-read timeout instead.
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Get issues a GET request. When offset > 0 a Range header is sent;
// callers must inspect RangeStart to learn whether the server honored
// it (a 200 with RangeStart 0 means the partial file must be
// discarded). attempt selects the User-Agent from the rotation pool.
func (c *Client) Get(ctx context.Context, url string, offset int64, attempt int) (*Response, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", c.opts.UserAgents[attempt%len(c.opts.UserAgents)])
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		se := &StatusError{
			Code:       resp.StatusCode,
			Status:     resp.Status,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		resp.Body.Close()
		cancel()
		return nil, se
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Total:      resp.ContentLength,
		ETag:       cleanETag(resp.Header.Get("ETag")),
		cancel:     cancel,
	}

	if resp.StatusCode == http.StatusPartialContent {
		start, _, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("parse Content-Range: %w", err)
		}
		out.RangeStart = start
		out.Total = total
	}

	out.Body = &timeoutBody{
		body:    resp.Body,
		timeout: c.opts.ReadTimeout,
		cancel:  cancel,
	}

	return out, nil
}

// timeoutBody aborts the request when a single read takes longer than
// the configured timeout, and maps the resulting error to
// ErrReadTimeout so callers can tell a stall from a user cancel.
type timeoutBody struct {
	body     io.ReadCloser
	timeout  time.Duration
	cancel   context.CancelFunc
	timedOut atomic.Bool
}

func (b *timeoutBody) Read(p []byte) (int, error) {
	if b.timeout > 0 {
		timer := time.AfterFunc(b.timeout, func() {
			b.timedOut.Store(true)
			b.cancel()
		})
		defer timer.Stop()
	}

	n, err := b.body.Read(p)
	if err != nil && err != io.EOF && b.timedOut.Load() {
		err = ErrReadTimeout
	}
	return n, err
}

func (b *timeoutBody) Close() error {
	return b.body.Close()
}

// parseRetryAfter handles the delay-seconds form of the header. The
// HTTP-date form is rare on rate limiters and is treated as absent.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// cleanETag removes quotes from an ETag value.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return etag
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	return start, end, total, nil
}
