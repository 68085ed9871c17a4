package orchestrator

import (
	"sync"
	"time"

	"github.com/galion-studio/snag/internal/healing"
)

// EventType discriminates the event payload.
type EventType string

const (
	// EventState announces a state transition.
	EventState EventType = "state"
	// EventProgress carries byte counts during a download.
	EventProgress EventType = "progress"
	// EventHealing announces a healing decision.
	EventHealing EventType = "healing"
)

// Event is one entry in a job's event stream.
type Event struct {
	Type  EventType `json:"type"`
	JobID string    `json:"job_id"`
	State JobState  `json:"state,omitempty"`
	At    time.Time `json:"at"`

	// Progress fields, set for EventProgress.
	Downloaded     int64   `json:"downloaded_bytes,omitempty"`
	Total          int64   `json:"total_bytes,omitempty"`
	Percent        float64 `json:"percent,omitempty"`
	BytesPerSecond int64   `json:"bytes_per_second,omitempty"`

	// Healing fields, set for EventHealing.
	Class  healing.ErrorClass `json:"class,omitempty"`
	Action healing.ActionKind `json:"action,omitempty"`
	Reason string             `json:"reason,omitempty"`
}

type subscriber struct {
	jobID string // empty subscribes to all jobs
	ch    chan Event
}

// broker fans events out to subscribers. Publish never blocks; a
// subscriber that cannot keep up loses events rather than stalling
// the download path.
type broker struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[*subscriber]struct{})}
}

// subscribe registers for events of one job, or all jobs when jobID
// is empty. The returned cancel func must be called exactly once.
func (b *broker) subscribe(jobID string, buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	s := &subscriber{jobID: jobID, ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
	return s.ch, cancel
}

// publish delivers ev to matching subscribers. When the event is a
// terminal state transition, per-job subscriptions for that job are
// closed after delivery.
func (b *broker) publish(ev Event) {
	terminal := ev.Type == EventState && ev.State.Terminal()

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.jobID != "" && s.jobID != ev.JobID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
		if terminal && s.jobID == ev.JobID {
			delete(b.subs, s)
			close(s.ch)
		}
	}
}

// shutdown closes every subscription.
func (b *broker) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}
