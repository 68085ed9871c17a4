package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/galion-studio/snag/internal/healing"
	snaghttp "github.com/galion-studio/snag/internal/http"
	"github.com/galion-studio/snag/internal/platform"
	"github.com/galion-studio/snag/internal/scheduler"
	"github.com/galion-studio/snag/internal/testutils"
	"github.com/galion-studio/snag/internal/transfer"
	"github.com/galion-studio/snag/pkg/partfile"
)

type harness struct {
	orch *Orchestrator
	pool *scheduler.Pool
	dir  string
}

// newHarness builds an orchestrator with a real pool and engine, a
// no-jitter healer and an instant retry sleep.
func newHarness(t *testing.T, registry *platform.Registry, directFallback bool) *harness {
	t.Helper()
	pool := scheduler.NewPool(scheduler.Options{Concurrency: 2, Logger: zerolog.Nop()})
	t.Cleanup(pool.Stop)

	healer := healing.NewController(healing.Policy{
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
		Jitter:    func() float64 { return 0 },
	}, healing.NewHealthStore(), zerolog.Nop(), nil)

	dir := t.TempDir()
	orch := New(Options{
		Registry: registry,
		Engine: transfer.NewEngine(transfer.Options{
			Client:    snaghttp.NewClient(snaghttp.Options{}),
			ChunkSize: 8 * 1024,
		}),
		Pool:             pool,
		Healer:           healer,
		DownloadDir:      dir,
		MaxAttempts:      6,
		DirectFallback:   directFallback,
		Logger:           zerolog.Nop(),
		ProgressInterval: time.Millisecond,
		sleep: func(ctx context.Context, d time.Duration) error {
			return ctx.Err()
		},
	})
	t.Cleanup(orch.Shutdown)
	return &harness{orch: orch, pool: pool, dir: dir}
}

func waitForTerminal(t *testing.T, o *Orchestrator, id string) Job {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		job, err := o.Job(id)
		if err != nil {
			t.Fatalf("Job(%s): %v", id, err)
		}
		if job.State.Terminal() {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s stuck in state %s", id, job.State)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func singleEndpointRegistry(t *testing.T, id, pattern string) *platform.Registry {
	t.Helper()
	r := platform.NewRegistry()
	err := r.Register(&platform.Descriptor{
		ID:        id,
		Patterns:  []platform.URLPattern{{Pattern: pattern, ContentType: platform.ContentGeneric}},
		Endpoints: []platform.Endpoint{{Template: ""}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSubmitDownloadsAndCompletes(t *testing.T) {
	data := testutils.GenerateTestData(t, 64*1024)
	srv := testutils.NewRangeServer(t, data, testutils.RangeServerOptions{})

	h := newHarness(t, singleEndpointRegistry(t, "test", `^`+srv.URL), false)

	events, cancel := h.orch.Subscribe("")
	defer cancel()

	job, err := h.orch.Submit(SubmitRequest{URL: srv.URL + "/files/video.bin"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.State != StateQueued {
		t.Fatalf("submitted job state = %s, want %s", job.State, StateQueued)
	}
	if job.PlatformID != "test" {
		t.Fatalf("platform = %q, want %q", job.PlatformID, "test")
	}
	if filepath.Base(job.Dest) != "video.bin" {
		t.Fatalf("dest = %q, want basename video.bin", job.Dest)
	}

	final := waitForTerminal(t, h.orch, job.ID)
	if final.State != StateCompleted {
		t.Fatalf("state = %s (%s), want %s", final.State, final.Error, StateCompleted)
	}

	sum := sha256.Sum256(data)
	if final.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum = %q, want %q", final.Checksum, hex.EncodeToString(sum[:]))
	}

	got, err := os.ReadFile(final.Dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatal("downloaded content differs from source")
	}
	if partfile.Exists(final.Dest) {
		t.Fatal("sidecar not cleaned up after completion")
	}

	// The stream must show the lifecycle in order.
	var states []JobState
	timeout := time.After(time.Second)
	for len(states) < 4 {
		select {
		case ev := <-events:
			if ev.Type == EventState && ev.JobID == job.ID {
				states = append(states, ev.State)
			}
		case <-timeout:
			t.Fatalf("event stream incomplete: %v", states)
		}
	}
	want := []JobState{StateQueued, StateDownloading, StateVerifying, StateCompleted}
	for i, s := range want {
		if states[i] != s {
			t.Fatalf("state events = %v, want %v", states, want)
		}
	}
}

func TestConcurrencyBoundAcrossJobs(t *testing.T) {
	data := testutils.GenerateTestData(t, 64*1024)
	srv := testutils.NewRangeServer(t, data, testutils.RangeServerOptions{})

	// The harness pool runs 2 slots.
	h := newHarness(t, singleEndpointRegistry(t, "test", `^`+srv.URL), false)

	events, cancel := h.orch.Subscribe("")
	defer cancel()

	var ids []string
	for i := 0; i < 5; i++ {
		job, err := h.orch.Submit(SubmitRequest{URL: srv.URL + "/file-" + string(rune('a'+i)) + ".bin"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, job.ID)
	}

	// Replay the event stream and track how many jobs are downloading
	// at once. A job leaves the downloading set on any later state.
	downloading := map[string]bool{}
	completed := map[string]bool{}
	peak := 0
	timeout := time.After(10 * time.Second)
	for len(completed) < 5 {
		select {
		case ev := <-events:
			if ev.Type != EventState {
				continue
			}
			switch ev.State {
			case StateDownloading:
				downloading[ev.JobID] = true
				if n := len(downloading); n > peak {
					peak = n
				}
			case StateVerifying, StateRetrying:
				delete(downloading, ev.JobID)
			case StateCompleted:
				delete(downloading, ev.JobID)
				completed[ev.JobID] = true
			case StateFailed, StateCancelled:
				t.Fatalf("job %s ended %s", ev.JobID, ev.State)
			}
		case <-timeout:
			t.Fatalf("only %d of 5 jobs completed", len(completed))
		}
	}
	if peak > 2 {
		t.Fatalf("%d jobs downloading at once, limit is 2", peak)
	}
	for _, id := range ids {
		if !completed[id] {
			t.Fatalf("job %s never completed", id)
		}
	}
}

func TestSubmitUnresolvedURL(t *testing.T) {
	h := newHarness(t, platform.NewRegistry(), false)

	_, err := h.orch.Submit(SubmitRequest{URL: "https://unknown.example/x"})
	if !errors.Is(err, ErrPlatformUnresolved) {
		t.Fatalf("err = %v, want ErrPlatformUnresolved", err)
	}
	if len(h.orch.Jobs()) != 0 {
		t.Fatal("unresolved submission left a job behind")
	}
}

func TestSubmitDirectFallback(t *testing.T) {
	data := testutils.GenerateTestData(t, 4*1024)
	srv := testutils.NewRangeServer(t, data, testutils.RangeServerOptions{})

	h := newHarness(t, platform.NewRegistry(), true)

	job, err := h.orch.Submit(SubmitRequest{URL: srv.URL + "/doc.pdf"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.PlatformID != "direct" {
		t.Fatalf("platform = %q, want direct", job.PlatformID)
	}

	final := waitForTerminal(t, h.orch, job.ID)
	if final.State != StateCompleted {
		t.Fatalf("state = %s (%s), want completed", final.State, final.Error)
	}
}

func TestRetryAfterTransientFailures(t *testing.T) {
	data := testutils.GenerateTestData(t, 16*1024)
	srv := testutils.NewRangeServer(t, data, testutils.RangeServerOptions{
		TruncateAfter: 4 * 1024,
		TruncateCount: 2,
	})

	h := newHarness(t, singleEndpointRegistry(t, "flaky", `^`+srv.URL), false)

	job, err := h.orch.Submit(SubmitRequest{URL: srv.URL + "/clip.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	final := waitForTerminal(t, h.orch, job.ID)
	if final.State != StateCompleted {
		t.Fatalf("state = %s (%s), want completed", final.State, final.Error)
	}
	if final.Attempt < 2 {
		t.Fatalf("attempt = %d, want at least 2", final.Attempt)
	}
	if final.ErrorClass != "" {
		t.Fatalf("completed job carries error class %q", final.ErrorClass)
	}

	got, err := os.ReadFile(final.Dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatal("resumed content differs from source")
	}
}

func TestRotatesToHealthyEndpoint(t *testing.T) {
	data := testutils.GenerateTestData(t, 8*1024)
	bad := testutils.NewRangeServer(t, nil, testutils.RangeServerOptions{
		FailStatus: http.StatusServiceUnavailable,
		FailCount:  100,
	})
	good := testutils.NewRangeServer(t, data, testutils.RangeServerOptions{})

	r := platform.NewRegistry()
	err := r.Register(&platform.Descriptor{
		ID:       "mirrored",
		Patterns: []platform.URLPattern{{Pattern: `^source://`, ContentType: platform.ContentVideo}},
		Endpoints: []platform.Endpoint{
			{Template: bad.URL + "/fetch?u={url}", Rank: 0},
			{Template: good.URL + "/fetch?u={url}", Rank: 1},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, r, false)
	job, err := h.orch.Submit(SubmitRequest{URL: "source://media/item42"})
	if err != nil {
		t.Fatal(err)
	}
	final := waitForTerminal(t, h.orch, job.ID)
	if final.State != StateCompleted {
		t.Fatalf("state = %s (%s), want completed", final.State, final.Error)
	}
	if final.EndpointIndex != 1 {
		t.Fatalf("endpoint = %d, want rotation to 1", final.EndpointIndex)
	}
	if final.ContentType != platform.ContentVideo {
		t.Fatalf("content type = %q, want video", final.ContentType)
	}
}

func TestAllEndpointsExhausted(t *testing.T) {
	bad := testutils.NewRangeServer(t, nil, testutils.RangeServerOptions{
		FailStatus: http.StatusBadGateway,
		FailCount:  100,
	})

	r := platform.NewRegistry()
	err := r.Register(&platform.Descriptor{
		ID:       "down",
		Patterns: []platform.URLPattern{{Pattern: `^source://`}},
		Endpoints: []platform.Endpoint{
			{Template: bad.URL + "/a?u={url}"},
			{Template: bad.URL + "/b?u={url}"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, r, false)
	job, err := h.orch.Submit(SubmitRequest{URL: "source://gone"})
	if err != nil {
		t.Fatal(err)
	}
	final := waitForTerminal(t, h.orch, job.ID)
	if final.State != StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if final.Error == "" {
		t.Fatal("failed job carries no error")
	}
	if final.ErrorClass != healing.ClassAllEndpointsExhausted {
		t.Fatalf("error class = %q, want %q", final.ErrorClass, healing.ClassAllEndpointsExhausted)
	}
}

func TestAuthWallFailsWithoutRetry(t *testing.T) {
	srv := testutils.NewRangeServer(t, nil, testutils.RangeServerOptions{
		FailStatus: http.StatusForbidden,
		FailCount:  100,
	})

	h := newHarness(t, singleEndpointRegistry(t, "walled", `^`+srv.URL), false)
	job, err := h.orch.Submit(SubmitRequest{URL: srv.URL + "/private"})
	if err != nil {
		t.Fatal(err)
	}
	final := waitForTerminal(t, h.orch, job.ID)
	if final.State != StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if final.Attempt != 0 {
		t.Fatalf("attempt = %d, auth failures must not retry", final.Attempt)
	}
	if final.ErrorClass != healing.ClassAuthRequired {
		t.Fatalf("error class = %q, want %q", final.ErrorClass, healing.ClassAuthRequired)
	}
	if srv.Requests.Load() != 1 {
		t.Fatalf("requests = %d, want exactly 1", srv.Requests.Load())
	}
}

func TestCancelQueuedJob(t *testing.T) {
	data := testutils.GenerateTestData(t, 4*1024)
	srv := testutils.NewRangeServer(t, data, testutils.RangeServerOptions{})

	// Concurrency 2; occupy both slots so the third job stays queued.
	h := newHarness(t, singleEndpointRegistry(t, "test", `^`+srv.URL), false)
	gate := make(chan struct{})
	for i := 0; i < 2; i++ {
		id := string(rune('a' + i))
		if err := h.pool.Submit("blocker-"+id, 100, func(ctx context.Context) { <-gate }); err != nil {
			t.Fatal(err)
		}
	}
	defer close(gate)

	job, err := h.orch.Submit(SubmitRequest{URL: srv.URL + "/queued.bin"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	final := waitForTerminal(t, h.orch, job.ID)
	if final.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", final.State)
	}
	if srv.Requests.Load() != 0 {
		t.Fatal("cancelled queued job issued a request")
	}
	if partfile.Exists(final.Dest) {
		t.Fatal("cancelled queued job left files behind")
	}
	if err := h.orch.Cancel(job.ID); !errors.Is(err, ErrJobDone) {
		t.Fatalf("second Cancel = %v, want ErrJobDone", err)
	}
}

func TestCancelRunningJobKeepsResumableState(t *testing.T) {
	data := testutils.GenerateTestData(t, 256*1024)
	srv := testutils.NewRangeServer(t, data, testutils.RangeServerOptions{})

	h := newHarness(t, singleEndpointRegistry(t, "test", `^`+srv.URL), false)
	// Throttle hard so the download is still in flight when we cancel.
	h.orch.opts.Engine = transfer.NewEngine(transfer.Options{
		Client:         snaghttp.NewClient(snaghttp.Options{}),
		ChunkSize:      4 * 1024,
		BandwidthLimit: 64 * 1024,
	})

	events, cancelSub := h.orch.Subscribe("")
	defer cancelSub()

	job, err := h.orch.Submit(SubmitRequest{URL: srv.URL + "/big.bin"})
	if err != nil {
		t.Fatal(err)
	}

	// Wait for first progress so some bytes are on disk.
	timeout := time.After(5 * time.Second)
	for progressed := false; !progressed; {
		select {
		case ev := <-events:
			progressed = ev.Type == EventProgress && ev.Downloaded > 0
		case <-timeout:
			t.Fatal("no progress before cancel")
		}
	}

	if err := h.orch.Cancel(job.ID); err != nil {
		t.Fatal(err)
	}
	final := waitForTerminal(t, h.orch, job.ID)
	if final.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled, never failed", final.State)
	}
	if !partfile.Exists(final.Dest) {
		t.Fatal("cancelled running job lost its resumable state")
	}

	st, err := partfile.LoadState(final.Dest)
	if err != nil {
		t.Fatal(err)
	}
	part, err := os.Stat(partfile.PartPath(final.Dest))
	if err != nil {
		t.Fatal(err)
	}
	if st.DownloadedBytes != part.Size() {
		t.Fatalf("sidecar records %d bytes, part file has %d", st.DownloadedBytes, part.Size())
	}
}

func TestRecoverResumesPartialDownload(t *testing.T) {
	data := testutils.GenerateTestData(t, 32*1024)
	srv := testutils.NewRangeServer(t, data, testutils.RangeServerOptions{})

	h := newHarness(t, singleEndpointRegistry(t, "test", `^`+srv.URL), false)

	// Fabricate an interrupted download: half the content plus a
	// matching sidecar, the way a crashed process leaves them.
	dest := filepath.Join(h.dir, "partial.bin")
	pf, err := partfile.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	pf.SetSource(srv.URL+"/partial.bin", "")
	pf.SetTotal(int64(len(data)))
	if _, err := pf.Write(data[:16*1024]); err != nil {
		t.Fatal(err)
	}
	if err := pf.Persist(); err != nil {
		t.Fatal(err)
	}
	if err := pf.Close(); err != nil {
		t.Fatal(err)
	}

	ids, err := h.orch.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("recovered %d jobs, want 1", len(ids))
	}

	final := waitForTerminal(t, h.orch, ids[0])
	if final.State != StateCompleted {
		t.Fatalf("state = %s (%s), want completed", final.State, final.Error)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatal("recovered download differs from source")
	}
}

func TestDestCollisionGetsUniquePath(t *testing.T) {
	data := testutils.GenerateTestData(t, 2*1024)
	srv := testutils.NewRangeServer(t, data, testutils.RangeServerOptions{})

	h := newHarness(t, singleEndpointRegistry(t, "test", `^`+srv.URL), false)

	// An existing file at the derived destination forces a new name.
	clash := filepath.Join(h.dir, "file.bin")
	if err := os.WriteFile(clash, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	job, err := h.orch.Submit(SubmitRequest{URL: srv.URL + "/file.bin"})
	if err != nil {
		t.Fatal(err)
	}
	if job.Dest == clash {
		t.Fatal("destination collides with existing file")
	}

	final := waitForTerminal(t, h.orch, job.ID)
	if final.State != StateCompleted {
		t.Fatalf("state = %s (%s), want completed", final.State, final.Error)
	}
	old, err := os.ReadFile(clash)
	if err != nil || string(old) != "old" {
		t.Fatal("pre-existing file was clobbered")
	}
}

func TestDeriveFileName(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/videos/clip.mp4", "clip.mp4"},
		{"https://example.com/videos/clip.mp4?token=abc", "clip.mp4"},
		{"https://example.com/", "download"},
		{"https://example.com", "download"},
		{"https://example.com/a%20b.txt", "a b.txt"},
		{"://bad", "download"},
	}
	for _, tt := range tests {
		if got := deriveFileName(tt.url); got != tt.want {
			t.Errorf("deriveFileName(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
