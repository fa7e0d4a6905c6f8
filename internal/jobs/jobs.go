// Package jobs provides fire-and-forget background job submission with
// at-least-once delivery. Handlers must be idempotent.
package jobs

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type selects the handler of a job.
type Type string

const (
	TypeReplicate             Type = "replicate"
	TypeCombineResidualBlocks Type = "combine-residual-blocks"
	TypeCollectGarbage        Type = "collect-garbage"
)

// Job is a typed background task. StorageBlockID is only set for replicate.
type Job struct {
	ID             uuid.UUID
	Type           Type
	StorageBlockID int64
}

// Submitter accepts jobs without blocking.
type Submitter interface {
	Submit(job Job)
}

// Handler runs one job.
type Handler func(ctx context.Context, job Job) error

// Config holds dispatcher configuration.
type Config struct {
	Workers      int           // max concurrently running jobs; default 4
	MaxRetries   int           // re-enqueues after a failure; default 3
	RetryBackoff time.Duration // delay before the first retry, doubled per retry; default 1s
	Interval     time.Duration // periodic wake-up; default 5s
	Logger       zerolog.Logger
}

// maxRetryBackoff caps the doubling retry delay.
const maxRetryBackoff = 5 * time.Minute

type entry struct {
	job        Job
	enqueuedAt time.Time
	retries    int
	notBefore  time.Time
}

// Dispatcher is an in-process Submitter. Pending jobs with the same type and
// payload are collapsed into one.
type Dispatcher struct {
	workers    int
	maxRetries int
	backoff    time.Duration
	interval   time.Duration
	logger     zerolog.Logger

	pending sync.Map // dedup key -> *entry
	signal  chan struct{}

	mu       sync.RWMutex
	handlers map[Type]Handler
}

// NewDispatcher creates a dispatcher. Register handlers before Run.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Dispatcher{
		workers:    cfg.Workers,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		interval:   cfg.Interval,
		logger:     cfg.Logger.With().Str("component", "jobs").Logger(),
		signal:     make(chan struct{}, 1),
		handlers:   make(map[Type]Handler),
	}
}

// Handle registers the handler for a job type.
func (d *Dispatcher) Handle(t Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// Submit enqueues job. It is O(1) and never blocks.
func (d *Dispatcher) Submit(job Job) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, loaded := d.pending.LoadOrStore(dedupKey(job), &entry{job: job, enqueuedAt: time.Now()}); loaded {
		return
	}
	d.wake()
}

// Pending returns the number of queued jobs, including failed jobs waiting
// out their retry delay.
func (d *Dispatcher) Pending() int {
	n := 0
	d.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Run processes jobs until ctx is cancelled, then performs a final drain
// bounded by a short timeout.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			d.drain(finalCtx)
			cancel()
			return
		case <-d.signal:
			d.drain(ctx)
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

// DrainAll processes jobs until the queue is empty, including jobs that
// handlers submit while running. Failed jobs are retried up to MaxRetries,
// each after its retry delay.
func (d *Dispatcher) DrainAll(ctx context.Context) {
	for d.Pending() > 0 {
		if ctx.Err() != nil {
			return
		}
		ran, wait := d.drain(ctx)
		if ran > 0 || wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// drain takes every entry that is due out of the pending map and runs them
// with bounded concurrency. It returns how many entries it took and how
// long until the earliest deferred entry is due, zero when none is.
func (d *Dispatcher) drain(ctx context.Context) (int, time.Duration) {
	now := time.Now()
	var wait time.Duration
	var entries []*entry
	d.pending.Range(func(key, value any) bool {
		e := value.(*entry)
		if delay := e.notBefore.Sub(now); delay > 0 {
			if wait == 0 || delay < wait {
				wait = delay
			}
			return true
		}
		entries = append(entries, e)
		d.pending.Delete(key)
		return true
	})
	if len(entries) == 0 {
		return 0, wait
	}

	d.logger.Debug().Int("entries", len(entries)).Msg("Draining job queue")

	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup
	for _, e := range entries {
		select {
		case <-ctx.Done():
			d.requeue(e, false)
			continue
		default:
		}

		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				d.requeue(e, false)
				return
			}
			d.process(ctx, e)
		}(e)
	}
	wg.Wait()
	return len(entries), wait
}

func (d *Dispatcher) process(ctx context.Context, e *entry) {
	d.mu.RLock()
	h, ok := d.handlers[e.job.Type]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn().Str("type", string(e.job.Type)).Str("job", e.job.ID.String()).Msg("No handler for job type, dropping")
		return
	}

	if err := h(ctx, e.job); err != nil {
		d.logger.Error().Err(err).
			Str("type", string(e.job.Type)).
			Int64("storage_block", e.job.StorageBlockID).
			Int("retry", e.retries).
			Msg("Job failed")
		d.requeue(e, true)
	}
}

// requeue puts e back unless a newer entry with the same key is pending.
// Failed entries count against MaxRetries and wait out a delay that doubles
// with every retry; interrupted ones do neither.
func (d *Dispatcher) requeue(e *entry, failed bool) {
	retries, notBefore := e.retries, e.notBefore
	var delay time.Duration
	if failed {
		if retries >= d.maxRetries {
			d.logger.Warn().
				Str("type", string(e.job.Type)).
				Int64("storage_block", e.job.StorageBlockID).
				Int("retries", retries).
				Msg("Job failed after max retries, dropping")
			return
		}
		delay = d.retryDelay(retries)
		retries++
		notBefore = time.Now().Add(delay)
	}
	next := &entry{job: e.job, enqueuedAt: time.Now(), retries: retries, notBefore: notBefore}
	if _, loaded := d.pending.LoadOrStore(dedupKey(e.job), next); !loaded && failed {
		time.AfterFunc(delay, d.wake)
	}
}

// retryDelay returns the delay before retry number retries+1.
func (d *Dispatcher) retryDelay(retries int) time.Duration {
	delay := d.backoff
	for range retries {
		delay *= 2
		if delay >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return min(delay, maxRetryBackoff)
}

func (d *Dispatcher) wake() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func dedupKey(job Job) string {
	return string(job.Type) + "\x00" + strconv.FormatInt(job.StorageBlockID, 10)
}
