package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/galion-studio/snag/internal/healing"
	"github.com/galion-studio/snag/internal/metrics"
	"github.com/galion-studio/snag/internal/platform"
	"github.com/galion-studio/snag/internal/progress"
	"github.com/galion-studio/snag/internal/scheduler"
	"github.com/galion-studio/snag/internal/store"
	"github.com/galion-studio/snag/internal/transfer"
	"github.com/galion-studio/snag/pkg/partfile"
)

var (
	// ErrPlatformUnresolved means no registered platform matched the
	// source URL and the direct fallback is disabled.
	ErrPlatformUnresolved = errors.New("orchestrator: no platform matches url")

	// ErrUnknownJob is returned for ids the orchestrator never saw.
	ErrUnknownJob = errors.New("orchestrator: unknown job")

	// ErrJobDone is returned when cancelling an already terminal job.
	ErrJobDone = errors.New("orchestrator: job already finished")
)

// Options wires an Orchestrator.
type Options struct {
	Registry *platform.Registry
	Engine   *transfer.Engine
	Pool     *scheduler.Pool
	Healer   *healing.Controller

	// Archive, when set, receives every completed artifact.
	Archive *store.Archive

	// DownloadDir is where artifacts and their partials live.
	DownloadDir string

	// MaxAttempts bounds transfer attempts per job. Default: 8.
	MaxAttempts int

	// DirectFallback downloads unmatched URLs directly instead of
	// rejecting them.
	DirectFallback bool

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// ProgressInterval throttles progress events per job.
	// Default: 500ms.
	ProgressInterval time.Duration

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// SubmitRequest is one download request.
type SubmitRequest struct {
	URL      string
	Priority int

	// Filename overrides the name derived from the URL.
	Filename string

	// Checksum is an optional expected hex SHA256 for verification.
	Checksum string
}

// Orchestrator owns the job table and drives each job through its
// lifecycle using the scheduler, the transfer engine and the healing
// controller.
type Orchestrator struct {
	opts Options
	log  zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*Job

	broker *broker
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.sleep == nil {
		opts.sleep = sleepCtx
	}
	return &Orchestrator{
		opts:   opts,
		log:    opts.Logger,
		jobs:   make(map[string]*Job),
		broker: newBroker(),
	}
}

// Submit resolves the URL, registers a job and queues it. The job is
// returned in StateQueued; resolution happens synchronously so an
// unmatchable URL fails fast instead of occupying a queue slot.
func (o *Orchestrator) Submit(req SubmitRequest) (Job, error) {
	res, err := o.resolve(req.URL)
	if err != nil {
		return Job{}, err
	}

	now := time.Now()
	job := &Job{
		ID:               uuid.NewString(),
		SourceURL:        req.URL,
		PlatformID:       res.PlatformID,
		ContentType:      res.ContentType,
		Priority:         req.Priority,
		State:            StateQueued,
		Total:            -1,
		ExpectedChecksum: req.Checksum,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	job.Dest = o.destFor(job, req.Filename)
	if h := o.opts.Healer.Health(); h != nil {
		if d, ok := o.opts.Registry.Get(job.PlatformID); ok {
			job.EndpointIndex = h.Preferred(job.PlatformID, len(d.Endpoints))
		}
	}

	o.mu.Lock()
	o.jobs[job.ID] = job
	o.mu.Unlock()

	// The queued event goes out before the pool can dispatch the job,
	// keeping the stream ordered for subscribers.
	o.publishState(job.ID, StateQueued)

	if err := o.opts.Pool.Submit(job.ID, job.Priority, func(ctx context.Context) {
		o.execute(ctx, job.ID)
	}); err != nil {
		o.mu.Lock()
		delete(o.jobs, job.ID)
		o.mu.Unlock()
		return Job{}, err
	}

	o.log.Info().
		Str("job_id", job.ID).
		Str("url", job.SourceURL).
		Str("platform", job.PlatformID).
		Int("priority", job.Priority).
		Msg("job queued")
	return job.clone(), nil
}

// resolve matches the URL against the registry, falling back to the
// direct descriptor when enabled.
func (o *Orchestrator) resolve(url string) (platform.Resolution, error) {
	res, err := o.opts.Registry.Resolve(url)
	if errors.Is(err, platform.ErrNotFound) {
		if !o.opts.DirectFallback {
			return platform.Resolution{}, fmt.Errorf("%w: %s", ErrPlatformUnresolved, url)
		}
		return platform.Resolution{
			PlatformID:  platform.DirectDescriptor().ID,
			ContentType: platform.ContentGeneric,
		}, nil
	}
	if err != nil {
		return platform.Resolution{}, err
	}
	return res, nil
}

// Cancel stops a job. A queued job is removed without side effects; a
// running one has its context cancelled and winds down with its
// partial state persisted.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownJob
	}
	if job.State.Terminal() {
		o.mu.Unlock()
		return ErrJobDone
	}
	queued := job.State == StateQueued
	o.mu.Unlock()

	o.opts.Pool.Cancel(id)
	if queued {
		// The pool never invokes the run func for a cancelled queued
		// task, so the terminal transition happens here.
		o.setTerminal(id, StateCancelled, nil)
	}
	return nil
}

// Job returns a snapshot of one job.
func (o *Orchestrator) Job(id string) (Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[id]
	if !ok {
		return Job{}, ErrUnknownJob
	}
	return job.clone(), nil
}

// Jobs returns snapshots of all jobs, newest first.
func (o *Orchestrator) Jobs() []Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Job, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, j.clone())
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Subscribe streams events for one job, or all jobs when id is empty.
func (o *Orchestrator) Subscribe(id string) (<-chan Event, func()) {
	return o.broker.subscribe(id, 256)
}

// Recover scans the download directory for orphaned partial downloads
// and resubmits them. It returns the ids of the recovered jobs.
func (o *Orchestrator) Recover() ([]string, error) {
	dests, err := partfile.Scan(o.opts.DownloadDir)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, dest := range dests {
		st, err := partfile.LoadState(dest)
		if err != nil {
			o.log.Warn().Str("dest", dest).Err(err).Msg("dropping unreadable sidecar")
			_ = partfile.Discard(dest)
			continue
		}
		job, err := o.recoverOne(dest, st)
		if err != nil {
			o.log.Warn().Str("dest", dest).Err(err).Msg("cannot recover partial download")
			continue
		}
		ids = append(ids, job.ID)
	}
	return ids, nil
}

// recoverOne rebuilds a job from a sidecar. The sidecar records the
// concrete endpoint URL; when that no longer matches a platform the
// job proceeds as a direct download, since the bytes on disk came
// from exactly that URL.
func (o *Orchestrator) recoverOne(dest string, st partfile.State) (Job, error) {
	res, err := o.opts.Registry.Resolve(st.URL)
	if errors.Is(err, platform.ErrNotFound) {
		res = platform.Resolution{
			PlatformID:  platform.DirectDescriptor().ID,
			ContentType: platform.ContentGeneric,
		}
	} else if err != nil {
		return Job{}, err
	}

	now := time.Now()
	job := &Job{
		ID:            uuid.NewString(),
		SourceURL:     st.URL,
		PlatformID:    res.PlatformID,
		ContentType:   res.ContentType,
		State:         StateQueued,
		Dest:          dest,
		Attempt:       st.Attempt,
		EndpointIndex: st.EndpointIndex,
		Downloaded:    st.DownloadedBytes,
		Total:         st.TotalBytes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	o.mu.Lock()
	o.jobs[job.ID] = job
	o.mu.Unlock()

	o.publishState(job.ID, StateQueued)

	if err := o.opts.Pool.Submit(job.ID, job.Priority, func(ctx context.Context) {
		o.execute(ctx, job.ID)
	}); err != nil {
		o.mu.Lock()
		delete(o.jobs, job.ID)
		o.mu.Unlock()
		return Job{}, err
	}

	o.log.Info().
		Str("job_id", job.ID).
		Str("url", job.SourceURL).
		Int64("downloaded", st.DownloadedBytes).
		Msg("recovered partial download")
	return job.clone(), nil
}

// execute drives a job from its first transfer attempt to a terminal
// state. It runs on a pool worker; ctx is cancelled by Cancel and by
// pool shutdown.
func (o *Orchestrator) execute(ctx context.Context, id string) {
	job, err := o.Job(id)
	if err != nil {
		return
	}

	desc, ok := o.opts.Registry.Get(job.PlatformID)
	if !ok {
		desc = platform.DirectDescriptor()
	}

	for {
		job, err = o.Job(id)
		if err != nil {
			return
		}
		if job.Attempt >= o.opts.MaxAttempts {
			o.setTerminal(id, StateFailed, fmt.Errorf("attempt limit (%d) reached", o.opts.MaxAttempts))
			return
		}

		o.setState(id, StateDownloading)
		if o.opts.Metrics != nil {
			o.opts.Metrics.ActiveDownloads.Inc()
		}
		res := o.transferOnce(ctx, &job, desc)
		if o.opts.Metrics != nil {
			o.opts.Metrics.ActiveDownloads.Dec()
		}

		switch res.Outcome {
		case transfer.OutcomeCompleted:
			o.finish(ctx, id, res)
			return

		case transfer.OutcomeCancelled:
			o.setTerminal(id, StateCancelled, nil)
			return

		case transfer.OutcomeFailed:
			if done := o.heal(ctx, id, desc, res.Err); done {
				return
			}
		}
	}
}

// transferOnce runs a single transfer attempt for the job's current
// endpoint, streaming progress events along the way.
func (o *Orchestrator) transferOnce(ctx context.Context, job *Job, desc *platform.Descriptor) transfer.Result {
	endpoint := desc.Endpoints[job.EndpointIndex%len(desc.Endpoints)]
	url := endpoint.Expand(job.SourceURL)

	// Resumed bytes are already on disk; only count growth.
	lastDownloaded := job.Downloaded
	tracker := progress.NewTracker(o.opts.ProgressInterval)
	res := o.opts.Engine.Transfer(ctx, transfer.Request{
		URL:              url,
		Dest:             job.Dest,
		ExpectedChecksum: job.ExpectedChecksum,
		EndpointIndex:    job.EndpointIndex,
		Attempt:          job.Attempt,
		Progress: func(downloaded, total int64) {
			if o.opts.Metrics != nil && downloaded > lastDownloaded {
				o.opts.Metrics.BytesTransferred.Add(float64(downloaded - lastDownloaded))
			}
			lastDownloaded = downloaded
			snap, emit := tracker.Update(downloaded, total)
			o.updateProgress(job.ID, downloaded, total)
			if emit {
				o.broker.publish(Event{
					Type:           EventProgress,
					JobID:          job.ID,
					At:             time.Now(),
					Downloaded:     snap.DownloadedBytes,
					Total:          snap.TotalBytes,
					Percent:        snap.Percent,
					BytesPerSecond: snap.BytesPerSecond,
				})
			}
		},
	})
	return res
}

// finish completes a verified transfer: the artifact is archived when
// an archive is configured, then the job goes terminal.
func (o *Orchestrator) finish(ctx context.Context, id string, res transfer.Result) {
	o.setState(id, StateVerifying)

	o.mu.Lock()
	if job, ok := o.jobs[id]; ok {
		job.Checksum = res.Checksum
		job.Downloaded = res.Downloaded
		job.Total = res.Total
		job.ErrorClass = ""
		if h := o.opts.Healer.Health(); h != nil {
			h.MarkSuccess(job.PlatformID, job.EndpointIndex)
		}
	}
	o.mu.Unlock()

	if o.opts.Archive != nil {
		job, err := o.Job(id)
		if err != nil {
			return
		}
		key := path.Join("artifacts", id, filepath.Base(job.Dest))
		if err := o.opts.Archive.Promote(ctx, job.Dest, key); err != nil {
			// The local artifact is complete and verified; archival
			// is best effort and failure is not a job failure.
			o.log.Error().Str("job_id", id).Err(err).Msg("archiving artifact failed")
		} else {
			o.mu.Lock()
			if j, ok := o.jobs[id]; ok {
				j.ArchiveKey = key
			}
			o.mu.Unlock()
		}
	}

	o.setTerminal(id, StateCompleted, nil)
}

// heal consults the healing controller about a failed attempt and
// applies its ruling. It returns true when the job went terminal.
func (o *Orchestrator) heal(ctx context.Context, id string, desc *platform.Descriptor, cause error) bool {
	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return true
	}
	in := healing.Input{
		JobID:            id,
		PlatformID:       job.PlatformID,
		Err:              cause,
		Attempt:          job.Attempt,
		EndpointIndex:    job.EndpointIndex,
		EndpointCount:    len(desc.Endpoints),
		TriedEndpoints:   append([]int(nil), job.triedEndpoints...),
		ChecksumRestarts: job.checksumRestarts,
	}
	o.mu.Unlock()

	act := o.opts.Healer.Decide(in)

	// The class of the latest decision sticks to the job, so a terminal
	// failure reports what finally broke it.
	o.mu.Lock()
	if j, ok := o.jobs[id]; ok {
		j.ErrorClass = act.Class
	}
	o.mu.Unlock()

	o.broker.publish(Event{
		Type:   EventHealing,
		JobID:  id,
		At:     time.Now(),
		Class:  act.Class,
		Action: act.Kind,
		Reason: act.Reason,
	})

	if act.Kind == healing.ActionGiveUp {
		o.setTerminal(id, StateFailed, act.Err)
		return true
	}

	o.mu.Lock()
	if job, ok = o.jobs[id]; ok {
		job.Attempt++
		switch act.Kind {
		case healing.ActionRotate:
			job.triedEndpoints = append(job.triedEndpoints, job.EndpointIndex)
			job.EndpointIndex = act.NextEndpoint
		case healing.ActionRestartClean:
			job.checksumRestarts++
			job.Downloaded = 0
		}
	}
	o.mu.Unlock()

	if act.Kind == healing.ActionRestartClean {
		if err := partfile.Discard(job.Dest); err != nil && !os.IsNotExist(err) {
			o.setTerminal(id, StateFailed, fmt.Errorf("discarding corrupt partial: %w", err))
			return true
		}
	}

	o.setState(id, StateRetrying)
	if err := o.opts.sleep(ctx, act.Delay); err != nil {
		o.setTerminal(id, StateCancelled, nil)
		return true
	}
	return false
}

// destFor picks the destination path for a new job, avoiding
// collisions with live jobs and leftover files.
func (o *Orchestrator) destFor(job *Job, filename string) string {
	if filename == "" {
		filename = deriveFileName(job.SourceURL)
	}
	dest := filepath.Join(o.opts.DownloadDir, filename)
	if o.destTaken(dest) {
		dest = filepath.Join(o.opts.DownloadDir, job.ID[:8]+"-"+filename)
	}
	return dest
}

func (o *Orchestrator) destTaken(dest string) bool {
	o.mu.Lock()
	for _, j := range o.jobs {
		if j.Dest == dest && !j.State.Terminal() {
			o.mu.Unlock()
			return true
		}
	}
	o.mu.Unlock()
	if _, err := os.Stat(dest); err == nil {
		return true
	}
	return partfile.Exists(dest)
}

// setState transitions a live job and publishes the event. Terminal
// transitions go through setTerminal instead.
func (o *Orchestrator) setState(id string, state JobState) {
	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok || job.State.Terminal() {
		o.mu.Unlock()
		return
	}
	job.State = state
	job.UpdatedAt = time.Now()
	o.mu.Unlock()

	o.publishState(id, state)
}

// setTerminal moves a job to its final state, settles the healing
// log and emits the closing event.
func (o *Orchestrator) setTerminal(id string, state JobState, cause error) {
	o.mu.Lock()
	job, ok := o.jobs[id]
	if !ok || job.State.Terminal() {
		o.mu.Unlock()
		return
	}
	job.State = state
	job.UpdatedAt = time.Now()
	if cause != nil {
		job.Error = cause.Error()
	}
	o.mu.Unlock()

	o.opts.Healer.ResolveJob(id, state == StateCompleted)
	if o.opts.Metrics != nil {
		o.opts.Metrics.JobsTotal.WithLabelValues(string(state)).Inc()
	}

	evt := o.log.Info()
	if state == StateFailed {
		evt = o.log.Error().Err(cause)
	}
	evt.Str("job_id", id).Str("state", string(state)).Msg("job finished")

	o.publishState(id, state)
}

func (o *Orchestrator) updateProgress(id string, downloaded, total int64) {
	o.mu.Lock()
	if job, ok := o.jobs[id]; ok {
		job.Downloaded = downloaded
		job.Total = total
		job.UpdatedAt = time.Now()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) publishState(id string, state JobState) {
	o.broker.publish(Event{
		Type:  EventState,
		JobID: id,
		State: state,
		At:    time.Now(),
	})
}

// Shutdown stops event delivery. The pool is stopped by its owner.
func (o *Orchestrator) Shutdown() {
	o.broker.shutdown()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
