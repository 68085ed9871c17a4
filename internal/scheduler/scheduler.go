package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/galion-studio/snag/internal/metrics"
)

var (
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("scheduler: pool stopped")

	// ErrDuplicate is returned by Submit when the id is already
	// queued or running.
	ErrDuplicate = errors.New("scheduler: task already submitted")
)

// Options configures a Pool.
type Options struct {
	// Concurrency is the number of tasks allowed to run at once.
	// Values below 1 are treated as 1.
	Concurrency int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Pool runs submitted tasks with bounded concurrency, highest
// priority first. Tasks with equal priority run in submission order.
type Pool struct {
	log zerolog.Logger
	met *metrics.Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	q       *queue
	running map[string]context.CancelFunc
	limit   int
	stopped bool

	wg sync.WaitGroup
}

// NewPool creates a pool and starts its dispatch loop.
func NewPool(opts Options) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	p := &Pool{
		log:     opts.Logger,
		met:     opts.Metrics,
		q:       newQueue(),
		running: make(map[string]context.CancelFunc),
		limit:   opts.Concurrency,
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(1)
	go p.dispatch()
	return p
}

// Submit queues a task. run is invoked on a pool worker with a
// context that Cancel and Stop cancel.
func (p *Pool) Submit(id string, priority int, run func(ctx context.Context)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if _, queued := p.q.byID[id]; queued {
		return ErrDuplicate
	}
	if _, active := p.running[id]; active {
		return ErrDuplicate
	}
	p.q.push(id, priority, run)
	if p.met != nil {
		p.met.QueueDepth.Set(float64(p.q.len()))
	}
	p.cond.Signal()
	return nil
}

// Cancel removes a queued task or cancels a running one. It reports
// whether the id was known. Cancelling a queued task has no side
// effects beyond removal; its run function is never invoked.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q.remove(id) {
		if p.met != nil {
			p.met.QueueDepth.Set(float64(p.q.len()))
		}
		return true
	}
	if cancel, ok := p.running[id]; ok {
		cancel()
		return true
	}
	return false
}

// SetConcurrency changes the slot count. Raising it dispatches more
// queued work immediately. Lowering it never interrupts running
// tasks; the pool simply stops dispatching until enough finish.
func (p *Pool) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	p.limit = n
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Len returns the number of queued tasks.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.len()
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Stop discards queued tasks, cancels the contexts of running ones
// and waits for everything to wind down. Idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	for p.q.len() > 0 {
		p.q.pop()
	}
	for _, cancel := range p.running {
		cancel()
	}
	if p.met != nil {
		p.met.QueueDepth.Set(0)
	}
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

// dispatch claims a slot for the highest priority task and hands it
// to a worker goroutine. The slot is claimed under the lock so the
// concurrency bound holds even before the worker starts.
func (p *Pool) dispatch() {
	defer p.wg.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for !p.stopped && (p.q.len() == 0 || len(p.running) >= p.limit) {
			p.cond.Wait()
		}
		if p.stopped {
			return
		}
		it := p.q.pop()
		p.log.Debug().Str("task_id", it.id).Int("priority", it.priority).Msg("dispatching task")
		ctx, cancel := context.WithCancel(context.Background())
		p.running[it.id] = cancel
		if p.met != nil {
			p.met.QueueDepth.Set(float64(p.q.len()))
		}
		p.wg.Add(1)
		go p.work(ctx, cancel, it)
	}
}

func (p *Pool) work(ctx context.Context, cancel context.CancelFunc, it *item) {
	defer p.wg.Done()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.running, it.id)
		p.mu.Unlock()
		p.cond.Signal()
	}()
	it.run(ctx)
}
