package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestGetFull(t *testing.T) {
	data := []byte("hello, world")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("ETag", `"abc123"`)
		w.Write(data)
	}))
	defer server.Close()

	client := NewClient(Options{})
	resp, err := client.Get(context.Background(), server.URL, 0, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Close()

	if resp.RangeStart != 0 {
		t.Errorf("RangeStart = %d, want 0", resp.RangeStart)
	}
	if resp.Total != int64(len(data)) {
		t.Errorf("Total = %d, want %d", resp.Total, len(data))
	}
	if resp.ETag != "abc123" {
		t.Errorf("ETag = %q, want abc123", resp.ETag)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != string(data) {
		t.Errorf("body = %q, want %q", body, data)
	}
}

func TestGetResume(t *testing.T) {
	data := []byte("0123456789")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=4-" {
			t.Errorf("Range header = %q, want bytes=4-", r.Header.Get("Range"))
		}
		w.Header().Set("Content-Range", "bytes 4-9/10")
		w.Header().Set("Content-Length", "6")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[4:])
	}))
	defer server.Close()

	client := NewClient(Options{})
	resp, err := client.Get(context.Background(), server.URL, 4, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Close()

	if resp.RangeStart != 4 {
		t.Errorf("RangeStart = %d, want 4", resp.RangeStart)
	}
	if resp.Total != 10 {
		t.Errorf("Total = %d, want 10", resp.Total)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "456789" {
		t.Errorf("body = %q, want 456789", body)
	}
}

func TestGetRangeIgnored(t *testing.T) {
	// A server that ignores the Range header and sends the whole
	// resource with a 200. RangeStart must report 0 so the caller
	// discards its partial file.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("full body"))
	}))
	defer server.Close()

	client := NewClient(Options{})
	resp, err := client.Get(context.Background(), server.URL, 4, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if resp.RangeStart != 0 {
		t.Errorf("RangeStart = %d, want 0", resp.RangeStart)
	}
}

func TestGetStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(Options{})
	_, err := client.Get(context.Background(), server.URL, 0, 0)
	if err == nil {
		t.Fatal("expected error")
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want *StatusError", err)
	}
	if se.Code != http.StatusTooManyRequests {
		t.Errorf("Code = %d, want 429", se.Code)
	}
	if se.RetryAfter != 2*time.Second {
		t.Errorf("RetryAfter = %v, want 2s", se.RetryAfter)
	}
}

func TestUserAgentRotation(t *testing.T) {
	var agents []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents = append(agents, r.Header.Get("User-Agent"))
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient(Options{UserAgents: []string{"agent-a", "agent-b"}})
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := client.Get(context.Background(), server.URL, 0, attempt)
		if err != nil {
			t.Fatalf("Get attempt %d: %v", attempt, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Close()
	}

	want := []string{"agent-a", "agent-b", "agent-a"}
	for i, ua := range want {
		if agents[i] != ua {
			t.Errorf("attempt %d user-agent = %q, want %q", i, agents[i], ua)
		}
	}
}

func TestReadTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4")
		w.(http.Flusher).Flush()
		<-release // stall without sending the body
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(Options{ReadTimeout: 50 * time.Millisecond})
	resp, err := client.Get(context.Background(), server.URL, 0, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Close()

	buf := make([]byte, 4)
	_, err = resp.Body.Read(buf)
	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("err = %v, want ErrReadTimeout", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("5"); d != 5*time.Second {
		t.Errorf("parseRetryAfter(5) = %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("parseRetryAfter(empty) = %v", d)
	}
	if d := parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"); d != 0 {
		t.Errorf("parseRetryAfter(date) = %v", d)
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header            string
		start, end, total int64
		wantErr           bool
	}{
		{"bytes 0-499/1000", 0, 499, 1000, false},
		{"bytes 500-999/1000", 500, 999, 1000, false},
		{"bytes 0-499/*", 0, 499, -1, false},
		{"invalid", 0, 0, 0, true},
		{"bytes abc-499/1000", 0, 0, 0, true},
	}

	for _, tt := range tests {
		start, end, total, err := ParseContentRange(tt.header)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseContentRange(%q): expected error", tt.header)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseContentRange(%q): %v", tt.header, err)
			continue
		}
		if start != tt.start || end != tt.end || total != tt.total {
			t.Errorf("ParseContentRange(%q) = %d, %d, %d; want %d, %d, %d",
				tt.header, start, end, total, tt.start, tt.end, tt.total)
		}
	}
}

func TestCleanETag(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"abc"`, "abc"},
		{`W/"abc"`, "abc"},
		{"abc", "abc"},
	}
	for _, tt := range tests {
		if got := cleanETag(tt.in); got != tt.want {
			t.Errorf("cleanETag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
