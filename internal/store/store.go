// Package store archives completed downloads into a blob bucket.
//
// The bucket is addressed by a gocloud.dev URL, so the archive can be
// a local directory (file://), an S3 bucket (s3://) or a GCS bucket
// (gs://) without code changes. Callers must blank-import the driver
// packages they want available.
package store

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"
)

// Archive wraps a blob bucket holding finished artifacts.
type Archive struct {
	bucket *blob.Bucket
	log    zerolog.Logger
}

// Open opens the bucket at urlstr.
func Open(ctx context.Context, urlstr string, log zerolog.Logger) (*Archive, error) {
	bucket, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("opening archive bucket %q: %w", urlstr, err)
	}
	return New(bucket, log), nil
}

// New wraps an already opened bucket. Useful for tests with memblob.
func New(bucket *blob.Bucket, log zerolog.Logger) *Archive {
	return &Archive{bucket: bucket, log: log}
}

// Promote copies the finished local file into the archive under key.
// The local file is left in place; cleanup is the caller's call.
func (a *Archive) Promote(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	w, err := a.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("creating archive writer for %q: %w", key, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("archiving %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing archive of %q: %w", key, err)
	}

	a.log.Info().Str("key", key).Str("source", localPath).Msg("artifact archived")
	return nil
}

// Exists reports whether key is already archived.
func (a *Archive) Exists(ctx context.Context, key string) (bool, error) {
	return a.bucket.Exists(ctx, key)
}

// Reader opens the archived artifact at key.
func (a *Archive) Reader(ctx context.Context, key string) (io.ReadCloser, error) {
	return a.bucket.NewReader(ctx, key, nil)
}

// Close releases the underlying bucket.
func (a *Archive) Close() error {
	return a.bucket.Close()
}
