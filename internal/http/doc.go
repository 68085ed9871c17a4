// Package http provides the HTTP client used by the transfer engine.
//
// This package handles:
//   - Connection pooling for concurrent transfers
//   - Range requests with offset resume
//   - Per-read stall detection
//   - Retry-After extraction for rate-limit handling
//   - ETag capture for source-change detection
//
// The client deliberately performs no retries of its own: every failure
// is surfaced to the caller so the healing controller can classify it
// and decide the remediation in one place.
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	resp, err := client.Get(ctx, url, resumeOffset, attempt)
//	if err != nil { ... }
//	defer resp.Close()
//	// resp.RangeStart tells whether the server honored the offset.
package http
