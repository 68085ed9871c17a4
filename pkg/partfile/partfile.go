package partfile

import (
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ChecksumSHA256 is the only checksum algorithm currently written.
// The field exists in the sidecar so the format can evolve.
const ChecksumSHA256 = "sha256"

// ErrCorruptSidecar is returned when the sidecar cannot be decoded.
// Callers should discard the partial file and restart from zero.
var ErrCorruptSidecar = errors.New("partfile: corrupt sidecar")

// State is the persisted sidecar. The invariant maintained by File is
// that DownloadedBytes always equals the on-disk size of the partial
// file and Digest covers exactly those bytes.
type State struct {
	URL               string    `json:"url"`
	ETag              string    `json:"etag,omitempty"`
	TotalBytes        int64     `json:"total_bytes"` // -1 when unknown
	DownloadedBytes   int64     `json:"downloaded_bytes"`
	ChecksumAlgorithm string    `json:"checksum_algorithm"`
	DigestState       []byte    `json:"digest_state,omitempty"`
	Digest            string    `json:"digest"`
	EndpointIndex     int       `json:"endpoint_index"`
	Attempt           int       `json:"attempt"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PartPath returns the partial content path for a destination.
func PartPath(dest string) string {
	return dest + ".part"
}

// MetaPath returns the sidecar path for a destination.
func MetaPath(dest string) string {
	return dest + ".part.meta"
}

// Exists reports whether a resumable sidecar exists for dest.
func Exists(dest string) bool {
	_, err := os.Stat(MetaPath(dest))
	return err == nil
}

// File is an append-only partial download with a running SHA256 digest
// and a crash-safe sidecar. A File is owned by exactly one transfer at
// a time; it is not safe for concurrent use.
type File struct {
	dest  string
	f     *os.File
	h     hash.Hash
	state State
}

// Open creates or resumes the partial file for dest. When a sidecar
// exists its state is loaded and the running digest restored; a partial
// file that is ahead of the sidecar (crash after write, before persist)
// is truncated back to the last persisted offset.
func Open(dest string) (*File, error) {
	pf := &File{
		dest: dest,
		h:    sha256.New(),
		state: State{
			TotalBytes:        -1,
			ChecksumAlgorithm: ChecksumSHA256,
		},
	}

	meta, err := os.ReadFile(MetaPath(dest))
	switch {
	case err == nil:
		if jerr := json.Unmarshal(meta, &pf.state); jerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSidecar, jerr)
		}
	case os.IsNotExist(err):
		// Fresh transfer.
	default:
		return nil, fmt.Errorf("partfile: read sidecar: %w", err)
	}

	f, err := os.OpenFile(PartPath(dest), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("partfile: open part file: %w", err)
	}
	pf.f = f

	if err := pf.reconcile(); err != nil {
		f.Close()
		return nil, err
	}

	return pf, nil
}

// reconcile enforces the sidecar invariant against the actual file and
// restores the running digest.
func (pf *File) reconcile() error {
	fi, err := pf.f.Stat()
	if err != nil {
		return fmt.Errorf("partfile: stat part file: %w", err)
	}

	size := fi.Size()
	switch {
	case size > pf.state.DownloadedBytes:
		// Bytes written after the last sidecar persist are not covered
		// by the digest; drop them.
		if err := pf.f.Truncate(pf.state.DownloadedBytes); err != nil {
			return fmt.Errorf("partfile: truncate part file: %w", err)
		}
	case size < pf.state.DownloadedBytes:
		// The sidecar claims more than the file holds. Not recoverable;
		// start over.
		pf.state.DownloadedBytes = 0
		pf.state.DigestState = nil
		pf.state.Digest = ""
		if err := pf.f.Truncate(0); err != nil {
			return fmt.Errorf("partfile: truncate part file: %w", err)
		}
	}

	if pf.state.DownloadedBytes > 0 {
		if err := pf.restoreDigest(); err != nil {
			return err
		}
	}

	if _, err := pf.f.Seek(pf.state.DownloadedBytes, io.SeekStart); err != nil {
		return fmt.Errorf("partfile: seek part file: %w", err)
	}
	return nil
}

// restoreDigest resumes the running hash from the marshaled state, or
// re-hashes the partial file when the state is missing or stale.
func (pf *File) restoreDigest() error {
	if len(pf.state.DigestState) > 0 {
		if u, ok := pf.h.(encoding.BinaryUnmarshaler); ok {
			if err := u.UnmarshalBinary(pf.state.DigestState); err == nil {
				return nil
			}
		}
	}

	pf.h = sha256.New()
	if _, err := pf.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("partfile: seek for rehash: %w", err)
	}
	if _, err := io.CopyN(pf.h, pf.f, pf.state.DownloadedBytes); err != nil {
		return fmt.Errorf("partfile: rehash part file: %w", err)
	}
	return nil
}

// Write appends bytes to the partial file and folds them into the
// running digest. Callers must Persist afterwards to make the new
// offset durable.
func (pf *File) Write(p []byte) (int, error) {
	n, err := pf.f.Write(p)
	if n > 0 {
		pf.h.Write(p[:n])
		pf.state.DownloadedBytes += int64(n)
	}
	if err != nil {
		return n, fmt.Errorf("partfile: write: %w", err)
	}
	return n, nil
}

// Persist durably writes the sidecar via temp-write and atomic rename,
// so a crash mid-persist leaves the previous consistent sidecar intact.
func (pf *File) Persist() error {
	if m, ok := pf.h.(encoding.BinaryMarshaler); ok {
		if ds, err := m.MarshalBinary(); err == nil {
			pf.state.DigestState = ds
		}
	}
	pf.state.Digest = pf.SumHex()
	pf.state.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(&pf.state)
	if err != nil {
		return fmt.Errorf("partfile: marshal sidecar: %w", err)
	}

	metaPath := MetaPath(pf.dest)
	tmp := metaPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("partfile: write sidecar: %w", err)
	}
	if err := os.Rename(tmp, metaPath); err != nil {
		return fmt.Errorf("partfile: rename sidecar: %w", err)
	}
	return nil
}

// Reset discards all downloaded bytes and starts over, keeping the
// source URL. Used when a server ignores the Range header or the
// source changed under us.
func (pf *File) Reset() error {
	if err := pf.f.Truncate(0); err != nil {
		return fmt.Errorf("partfile: truncate: %w", err)
	}
	if _, err := pf.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("partfile: seek: %w", err)
	}
	pf.h = sha256.New()
	pf.state.DownloadedBytes = 0
	pf.state.DigestState = nil
	pf.state.Digest = ""
	pf.state.ETag = ""
	return pf.Persist()
}

// State returns a copy of the current sidecar state.
func (pf *File) State() State {
	return pf.state
}

// Downloaded returns the number of bytes written so far.
func (pf *File) Downloaded() int64 {
	return pf.state.DownloadedBytes
}

// Total returns the expected total size, or -1 when unknown.
func (pf *File) Total() int64 {
	return pf.state.TotalBytes
}

// SetTotal records the expected total size.
func (pf *File) SetTotal(n int64) {
	pf.state.TotalBytes = n
}

// SetSource records the source URL and ETag.
func (pf *File) SetSource(url, etag string) {
	pf.state.URL = url
	if etag != "" {
		pf.state.ETag = etag
	}
}

// ETag returns the recorded source ETag.
func (pf *File) ETag() string {
	return pf.state.ETag
}

// SetEndpoint records the endpoint index and attempt for recovery.
func (pf *File) SetEndpoint(index, attempt int) {
	pf.state.EndpointIndex = index
	pf.state.Attempt = attempt
}

// SumHex returns the hex digest of the bytes written so far.
func (pf *File) SumHex() string {
	return hex.EncodeToString(pf.h.Sum(nil))
}

// Finalize syncs and renames the partial file to its destination and
// removes the sidecar. The File is closed afterwards.
func (pf *File) Finalize() error {
	if err := pf.f.Sync(); err != nil {
		pf.f.Close()
		return fmt.Errorf("partfile: sync: %w", err)
	}
	if err := pf.f.Close(); err != nil {
		return fmt.Errorf("partfile: close: %w", err)
	}
	if err := os.Rename(PartPath(pf.dest), pf.dest); err != nil {
		return fmt.Errorf("partfile: promote part file: %w", err)
	}
	if err := os.Remove(MetaPath(pf.dest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("partfile: remove sidecar: %w", err)
	}
	return nil
}

// Close persists the sidecar and closes the partial file, leaving both
// on disk for a later resume.
func (pf *File) Close() error {
	if err := pf.Persist(); err != nil {
		pf.f.Close()
		return err
	}
	return pf.f.Close()
}

// Remove deletes the partial file and sidecar. Used when the content
// is known to be corrupt and must never be resumed from.
func (pf *File) Remove() error {
	pf.f.Close()
	return Discard(pf.dest)
}

// Discard removes any partial file and sidecar for dest.
func Discard(dest string) error {
	if err := os.Remove(PartPath(dest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("partfile: remove part file: %w", err)
	}
	if err := os.Remove(MetaPath(dest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("partfile: remove sidecar: %w", err)
	}
	return nil
}

// LoadState reads the sidecar for dest without opening the part file.
func LoadState(dest string) (State, error) {
	data, err := os.ReadFile(MetaPath(dest))
	if err != nil {
		return State{}, fmt.Errorf("partfile: read sidecar: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCorruptSidecar, err)
	}
	return s, nil
}

// Scan walks dir and returns the destination paths of every resumable
// sidecar found. Used for crash recovery at startup.
func Scan(dir string) ([]string, error) {
	var dests []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".part.meta") {
			dests = append(dests, strings.TrimSuffix(path, ".part.meta"))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("partfile: scan %s: %w", dir, err)
	}
	return dests, nil
}
