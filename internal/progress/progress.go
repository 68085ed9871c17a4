package progress

import (
	"fmt"
	"sync"
	"time"
)

// Snapshot is a point-in-time view of a transfer's progress.
type Snapshot struct {
	DownloadedBytes int64
	TotalBytes      int64 // -1 if unknown
	Percent         float64
	BytesPerSecond  int64
}

// Tracker computes transfer rate and completion percentage from byte
// counts reported by the transfer engine. It throttles emission so
// subscribers are not flooded with one event per read buffer.
type Tracker struct {
	mu         sync.Mutex
	total      int64
	downloaded int64
	interval   time.Duration
	lastEmit   time.Time
	lastBytes  int64
}

// NewTracker creates a tracker that emits at most one snapshot per
// interval. A zero interval defaults to 500ms.
func NewTracker(interval time.Duration) *Tracker {
	if interval == 0 {
		interval = 500 * time.Millisecond
	}
	return &Tracker{
		total:    -1,
		interval: interval,
	}
}

// Update records the current byte counts and returns a snapshot when
// enough time has passed since the last emission. The second return
// value reports whether the snapshot should be published.
func (t *Tracker) Update(downloaded, total int64) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.downloaded = downloaded
	t.total = total

	now := time.Now()
	if t.lastEmit.IsZero() {
		t.lastEmit = now
		t.lastBytes = downloaded
		return Snapshot{}, false
	}

	elapsed := now.Sub(t.lastEmit)
	if elapsed < t.interval {
		return Snapshot{}, false
	}

	speed := int64(float64(downloaded-t.lastBytes) / elapsed.Seconds())
	t.lastEmit = now
	t.lastBytes = downloaded

	return t.snapshotLocked(speed), true
}

// Current returns the latest snapshot without rate information.
func (t *Tracker) Current() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(0)
}

func (t *Tracker) snapshotLocked(speed int64) Snapshot {
	s := Snapshot{
		DownloadedBytes: t.downloaded,
		TotalBytes:      t.total,
		BytesPerSecond:  speed,
	}
	if t.total > 0 {
		s.Percent = float64(t.downloaded) / float64(t.total) * 100
	}
	return s
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// ParseBytes parses a human-readable byte string (e.g., "256MB").
func ParseBytes(s string) (int64, error) {
	var multiplier int64 = 1
	s = trimSuffix(s, " ")

	switch {
	case hasSuffix(s, "TB"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = s[:len(s)-2]
	case hasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-2]
	case hasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = s[:len(s)-2]
	case hasSuffix(s, "KB"):
		multiplier = 1024
		s = s[:len(s)-2]
	case hasSuffix(s, "B"):
		s = s[:len(s)-1]
	}

	var value float64
	_, err := fmt.Sscanf(s, "%f", &value)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}

	return int64(value * float64(multiplier)), nil
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func trimSuffix(s, suffix string) string {
	for hasSuffix(s, suffix) {
		s = s[:len(s)-len(suffix)]
	}
	return s
}
