// Package testutils provides shared test infrastructure.
package testutils

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
)

// GenerateTestData generates test data of the given size.
// For files <= 10MB, uses a deterministic pattern. For larger files,
// uses random data.
func GenerateTestData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte(i % 256)
		}
	} else {
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("generate random data: %v", err)
		}
	}
	return data
}

// RangeServerOptions controls the behavior of a test range server.
type RangeServerOptions struct {
	// IgnoreRanges makes the server answer every request with a full
	// 200 response, like a server without Range support.
	IgnoreRanges bool

	// TruncateAfter, when > 0, closes the connection after sending
	// that many body bytes of the first TruncateCount requests.
	TruncateAfter int64
	TruncateCount int32

	// FailStatus, when > 0, answers the first FailCount requests with
	// that status code instead of content.
	FailStatus int
	FailCount  int32

	// RetryAfter is sent with FailStatus responses when non-zero.
	RetryAfter string

	// ETag overrides the default ETag value.
	ETag string
}

// RangeServer is an httptest server with byte-range support and
// programmable failure behavior.
type RangeServer struct {
	*httptest.Server

	Requests  atomic.Int32
	failures  atomic.Int32
	truncates atomic.Int32
}

// NewRangeServer starts a server that serves data with Range support
// and the failure behavior described by opts.
func NewRangeServer(t *testing.T, data []byte, opts RangeServerOptions) *RangeServer {
	t.Helper()

	etag := opts.ETag
	if etag == "" {
		etag = "test-etag"
	}

	rs := &RangeServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.Requests.Add(1)

		if opts.FailStatus > 0 && rs.failures.Add(1) <= opts.FailCount {
			if opts.RetryAfter != "" {
				w.Header().Set("Retry-After", opts.RetryAfter)
			}
			w.WriteHeader(opts.FailStatus)
			return
		}

		size := int64(len(data))
		start, end := int64(0), size-1

		rangeHeader := r.Header.Get("Range")
		ranged := rangeHeader != "" && !opts.IgnoreRanges
		if ranged {
			// Parse "bytes=start-" or "bytes=start-end".
			spec := strings.TrimPrefix(rangeHeader, "bytes=")
			parts := strings.SplitN(spec, "-", 2)
			start, _ = strconv.ParseInt(parts[0], 10, 64)
			if len(parts) == 2 && parts[1] != "" {
				end, _ = strconv.ParseInt(parts[1], 10, 64)
			}
			if end >= size {
				end = size - 1
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		}

		body := data[start : end+1]
		truncate := opts.TruncateAfter > 0 && rs.truncates.Add(1) <= opts.TruncateCount &&
			int64(len(body)) > opts.TruncateAfter

		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", fmt.Sprintf("%q", etag))
		if ranged {
			w.WriteHeader(http.StatusPartialContent)
		}

		if r.Method == http.MethodHead {
			return
		}

		if truncate {
			// Send a prefix of the advertised length, then drop the
			// connection so the client sees an interrupted stream.
			w.Write(body[:opts.TruncateAfter])
			w.(http.Flusher).Flush()
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
			}
			return
		}

		w.Write(body)
	}))

	t.Cleanup(rs.Server.Close)
	return rs
}
