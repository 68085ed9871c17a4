package healing

import "time"

// Record is one entry in the healing log: a single failure and the
// action taken in response. Resolved is filled in later, when the job
// finishes, so that success rates can be computed per class.
type Record struct {
	JobID      string        `json:"job_id"`
	PlatformID string        `json:"platform_id"`
	Class      ErrorClass    `json:"class"`
	Err        string        `json:"error"`
	Action     ActionKind    `json:"action"`
	Delay      time.Duration `json:"delay"`
	Endpoint   int           `json:"endpoint"`
	Attempt    int           `json:"attempt"`
	At         time.Time     `json:"at"`
	Resolved   bool          `json:"resolved"`

	// ManualReview flags failures automated healing gave up on for
	// good: auth walls, stale patterns, and checksum mismatches that
	// survived a clean restart.
	ManualReview bool `json:"manual_review,omitempty"`
}

// Stats summarizes the healing log.
type Stats struct {
	Total        int                      `json:"total"`
	Resolved     int                      `json:"resolved"`
	ManualReview int                      `json:"manual_review"`
	SuccessRate  float64                  `json:"success_rate"`
	ByClass      map[ErrorClass]ClassStat `json:"by_class"`
	ByPlatform   map[string]ClassStat     `json:"by_platform"`
}

// ClassStat is the per-bucket breakdown inside Stats.
type ClassStat struct {
	Total    int `json:"total"`
	Resolved int `json:"resolved"`
}
