package orchestrator

import (
	"time"

	"github.com/galion-studio/snag/internal/healing"
	"github.com/galion-studio/snag/internal/platform"
)

// JobState is a job's position in its lifecycle.
type JobState string

const (
	// StateQueued means the job waits for a worker slot. Resolution
	// happens synchronously inside Submit, so a stored job is never
	// observed before this state.
	StateQueued JobState = "queued"
	// StateDownloading means a transfer attempt is in flight.
	StateDownloading JobState = "downloading"
	// StateVerifying means the transfer finished and the artifact is
	// being finalized and archived.
	StateVerifying JobState = "verifying"
	// StateRetrying means a healing action was decided and the job
	// waits out its backoff delay.
	StateRetrying JobState = "retrying"
	// StateCompleted, StateFailed and StateCancelled are terminal.
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the state ends the job's lifecycle.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Job is the orchestrator's record of one download.
type Job struct {
	ID          string               `json:"id"`
	SourceURL   string               `json:"source_url"`
	PlatformID  string               `json:"platform_id"`
	ContentType platform.ContentType `json:"content_type"`
	Priority    int                  `json:"priority"`
	Dest        string               `json:"dest"`
	State       JobState             `json:"state"`

	// Attempt counts transfer attempts, starting at 0.
	Attempt int `json:"attempt"`

	// EndpointIndex is the endpoint the current or next attempt uses.
	EndpointIndex int `json:"endpoint_index"`

	Downloaded int64 `json:"downloaded_bytes"`
	Total      int64 `json:"total_bytes"`

	// Checksum is the verified SHA256 of the completed artifact.
	Checksum string `json:"checksum,omitempty"`

	// ExpectedChecksum, when supplied at submission, is enforced
	// before the job can complete.
	ExpectedChecksum string `json:"expected_checksum,omitempty"`

	// ArchiveKey is where the artifact landed in the archive bucket.
	ArchiveKey string `json:"archive_key,omitempty"`

	// Error explains a Failed state; ErrorClass is the class of the
	// last healing decision, so callers can tell a temporarily
	// unreachable source from a fundamentally broken one without
	// parsing Error.
	Error      string             `json:"error,omitempty"`
	ErrorClass healing.ErrorClass `json:"error_class,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Healing bookkeeping carried across attempts.
	triedEndpoints   []int
	checksumRestarts int
}

// clone returns a copy safe to hand outside the orchestrator's lock.
func (j *Job) clone() Job {
	c := *j
	c.triedEndpoints = nil
	return c
}
