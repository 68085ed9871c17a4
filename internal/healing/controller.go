package healing

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	snaghttp "github.com/galion-studio/snag/internal/http"
	"github.com/galion-studio/snag/internal/metrics"
)

// ActionKind is the kind of recovery step the controller decided on.
type ActionKind string

const (
	// ActionRetry retries the same endpoint after a delay, resuming
	// from the persisted offset.
	ActionRetry ActionKind = "retry"

	// ActionRotate moves to a different endpoint, resuming from the
	// persisted offset.
	ActionRotate ActionKind = "rotate"

	// ActionRestartClean discards partial state and starts over.
	ActionRestartClean ActionKind = "restart_clean"

	// ActionGiveUp stops healing; the job fails.
	ActionGiveUp ActionKind = "give_up"
)

// ErrManualReviewRequired wraps failures that automated healing must
// not touch, such as auth walls and stale extraction patterns.
var ErrManualReviewRequired = errors.New("healing: manual review required")

// Policy holds the tunables for backoff and rotation.
type Policy struct {
	// BaseDelay is the first retry delay; each subsequent attempt on
	// the same class doubles it up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// MaxChecksumRestarts bounds clean restarts after checksum
	// mismatches. Past it the content source is assumed broken.
	MaxChecksumRestarts int

	// Jitter returns a value in [0,1). Defaults to math/rand.
	Jitter func() float64
}

// DefaultPolicy mirrors the shipped configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:           500 * time.Millisecond,
		MaxDelay:            30 * time.Second,
		MaxChecksumRestarts: 1,
	}
}

// Input describes one failed attempt for the controller to rule on.
type Input struct {
	JobID      string
	PlatformID string
	Err        error
	Attempt    int

	// EndpointIndex is the endpoint the failed attempt used.
	EndpointIndex int

	// EndpointCount is how many endpoints the platform lists.
	EndpointCount int

	// TriedEndpoints lists endpoint indices already used for the
	// current content, in order.
	TriedEndpoints []int

	// ChecksumRestarts counts clean restarts already performed for
	// this job.
	ChecksumRestarts int
}

// Action is the controller's ruling on a failed attempt.
type Action struct {
	Kind         ActionKind
	Class        ErrorClass
	Delay        time.Duration
	NextEndpoint int
	Reason       string

	// ManualReview marks give-ups that need a human: auth walls,
	// stale extraction patterns, and checksum mismatches that
	// survived a clean restart.
	ManualReview bool

	// Err is non-nil only for ActionGiveUp and explains why healing
	// stopped. Manual-review conditions wrap ErrManualReviewRequired.
	Err error
}

// Controller applies the healing policy and keeps the healing log.
type Controller struct {
	policy Policy
	health *HealthStore
	log    zerolog.Logger
	met    *metrics.Metrics

	mu      sync.Mutex
	records []Record
	// byJob indexes the records of unresolved jobs so ResolveJob can
	// mark them without a full scan.
	byJob map[string][]int
}

// NewController creates a controller. met may be nil in tests.
func NewController(policy Policy, health *HealthStore, log zerolog.Logger, met *metrics.Metrics) *Controller {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultPolicy().BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultPolicy().MaxDelay
	}
	if policy.Jitter == nil {
		policy.Jitter = rand.Float64
	}
	return &Controller{
		policy: policy,
		health: health,
		log:    log,
		met:    met,
		byJob:  make(map[string][]int),
	}
}

// Health exposes the endpoint health store.
func (c *Controller) Health() *HealthStore { return c.health }

// Decide classifies the failure, updates endpoint health, records the
// outcome and returns the action to take. It never blocks; the caller
// sleeps for Action.Delay before acting.
func (c *Controller) Decide(in Input) Action {
	class := Classify(in.Err)
	act := c.decide(in, class)
	// decide overrides the class for endpoint exhaustion; everything
	// else carries what Classify said.
	if act.Class == "" {
		act.Class = class
	}

	if c.health != nil && endpointAttributable(class) {
		c.health.MarkFailure(in.PlatformID, in.EndpointIndex)
	}

	c.record(in, act)

	c.log.Warn().
		Str("job_id", in.JobID).
		Str("platform", in.PlatformID).
		Str("class", string(class)).
		Str("action", string(act.Kind)).
		Dur("delay", act.Delay).
		Int("attempt", in.Attempt).
		Int("endpoint", in.EndpointIndex).
		Err(in.Err).
		Msg("healing decision")

	if c.met != nil {
		c.met.HealingActions.WithLabelValues(string(class), string(act.Kind)).Inc()
	}
	return act
}

func (c *Controller) decide(in Input, class ErrorClass) Action {
	switch class {
	case ClassAuthRequired:
		return Action{
			Kind:         ActionGiveUp,
			Reason:       "authentication required",
			ManualReview: true,
			Err:          fmt.Errorf("%w: %w", ErrManualReviewRequired, in.Err),
		}
	case ClassPatternStale:
		return Action{
			Kind:         ActionGiveUp,
			Reason:       "extraction pattern stale",
			ManualReview: true,
			Err:          fmt.Errorf("%w: %w", ErrManualReviewRequired, in.Err),
		}
	case ClassChecksumMismatch:
		if in.ChecksumRestarts >= c.policy.MaxChecksumRestarts {
			// The mismatch survived a clean restart, so the source
			// itself serves bad bytes. A human has to look.
			return Action{
				Kind:         ActionGiveUp,
				Reason:       "checksum mismatch persisted across clean restart",
				ManualReview: true,
				Err:          fmt.Errorf("%w: %w", ErrManualReviewRequired, in.Err),
			}
		}
		return Action{
			Kind:         ActionRestartClean,
			Delay:        c.backoff(in.Attempt),
			NextEndpoint: in.EndpointIndex,
			Reason:       "discarding partial data after checksum mismatch",
		}
	case ClassRateLimited:
		return Action{
			Kind:         ActionRetry,
			Delay:        c.cooldown(in),
			NextEndpoint: in.EndpointIndex,
			Reason:       "rate limited, backing off",
		}
	case ClassEndpointDown:
		if next, ok := c.rotate(in); ok {
			// A fresh endpoint deserves an immediate try; backoff
			// only applies when re-hitting the same one.
			return Action{
				Kind:         ActionRotate,
				NextEndpoint: next,
				Reason:       "endpoint unavailable, rotating",
			}
		}
		return Action{
			Kind:   ActionGiveUp,
			Class:  ClassAllEndpointsExhausted,
			Reason: "all endpoints exhausted",
			Err:    fmt.Errorf("all %d endpoints failed: %w", in.EndpointCount, in.Err),
		}
	case ClassNetwork, ClassTimeout:
		return Action{
			Kind:         ActionRetry,
			Delay:        c.backoff(in.Attempt),
			NextEndpoint: in.EndpointIndex,
			Reason:       "transient failure, retrying",
		}
	default:
		return Action{Kind: ActionGiveUp, Reason: "unrecoverable failure", Err: in.Err}
	}
}

// backoff computes min(maxDelay, base<<attempt) plus jitter in
// [0, base) so parallel jobs do not retry in lockstep.
func (c *Controller) backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := c.policy.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.policy.MaxDelay {
			d = c.policy.MaxDelay
			break
		}
	}
	j := time.Duration(c.policy.Jitter() * float64(c.policy.BaseDelay))
	return d + j
}

// cooldown honors a server-provided Retry-After when present and
// larger than the computed backoff.
func (c *Controller) cooldown(in Input) time.Duration {
	d := c.backoff(in.Attempt)
	var se *snaghttp.StatusError
	if errors.As(in.Err, &se) && se.RetryAfter > d {
		d = se.RetryAfter
	}
	return d
}

// rotate picks the next endpoint to try: healthy and untried first,
// then untried regardless of health. No candidate left means the
// platform is exhausted.
func (c *Controller) rotate(in Input) (int, bool) {
	tried := make(map[int]bool, len(in.TriedEndpoints)+1)
	for _, i := range in.TriedEndpoints {
		tried[i] = true
	}
	tried[in.EndpointIndex] = true

	pick := -1
	for i := 0; i < in.EndpointCount; i++ {
		if tried[i] {
			continue
		}
		if c.health == nil || c.health.Healthy(in.PlatformID, i) {
			return i, true
		}
		if pick < 0 {
			pick = i
		}
	}
	if pick >= 0 {
		return pick, true
	}
	return 0, false
}

func (c *Controller) record(in Input, act Action) {
	errText := ""
	if in.Err != nil {
		errText = in.Err.Error()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, Record{
		JobID:        in.JobID,
		PlatformID:   in.PlatformID,
		Class:        act.Class,
		Err:          errText,
		Action:       act.Kind,
		Delay:        act.Delay,
		Endpoint:     in.EndpointIndex,
		Attempt:      in.Attempt,
		ManualReview: act.ManualReview,
		At:           time.Now(),
	})
	c.byJob[in.JobID] = append(c.byJob[in.JobID], len(c.records)-1)
}

// ResolveJob marks all healing records of a job as resolved when the
// job ultimately completed, or leaves them unresolved otherwise. Either
// way the job's index entries are released.
func (c *Controller) ResolveJob(jobID string, succeeded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if succeeded {
		for _, i := range c.byJob[jobID] {
			c.records[i].Resolved = true
		}
	}
	delete(c.byJob, jobID)
}

// Records returns a copy of the healing log.
func (c *Controller) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Stats aggregates the healing log by class and platform.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		ByClass:    make(map[ErrorClass]ClassStat),
		ByPlatform: make(map[string]ClassStat),
	}
	for _, r := range c.records {
		s.Total++
		if r.ManualReview {
			s.ManualReview++
		}
		cs := s.ByClass[r.Class]
		ps := s.ByPlatform[r.PlatformID]
		cs.Total++
		ps.Total++
		if r.Resolved {
			s.Resolved++
			cs.Resolved++
			ps.Resolved++
		}
		s.ByClass[r.Class] = cs
		s.ByPlatform[r.PlatformID] = ps
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Resolved) / float64(s.Total)
	}
	return s
}

// endpointAttributable reports whether a failure class says something
// about the endpoint rather than the local side or the content.
func endpointAttributable(class ErrorClass) bool {
	switch class {
	case ClassEndpointDown, ClassRateLimited, ClassTimeout:
		return true
	}
	return false
}
