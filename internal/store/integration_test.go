//go:build integration

package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "gocloud.dev/blob/s3blob"

	"github.com/galion-studio/snag/internal/testutils"
)

// TestArchiveAgainstMinio promotes an artifact into a real S3 API
// (Minio in a container) and reads it back.
func TestArchiveAgainstMinio(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	env := testutils.StartMinioContainer(t, ctx, "snag-artifacts")
	defer env.Close(ctx)

	a, err := Open(ctx, env.BucketURL, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	src := filepath.Join(t.TempDir(), "artifact.bin")
	want := make([]byte, 1<<20)
	for i := range want {
		want[i] = byte(i)
	}
	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatal(err)
	}

	const key = "artifacts/job-1/artifact.bin"
	if err := a.Promote(ctx, src, key); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	ok, err := a.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true, nil", ok, err)
	}

	r, err := a.Reader(ctx, key)
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("archived %d bytes, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("archived content differs at byte %d", i)
		}
	}
}
