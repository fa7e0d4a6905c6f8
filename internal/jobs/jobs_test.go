package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(Config{Workers: 2, RetryBackoff: time.Millisecond, Interval: 10 * time.Millisecond, Logger: zerolog.Nop()})
}

func TestSubmitCollapsesDuplicates(t *testing.T) {
	d := newTestDispatcher()
	d.Submit(Job{Type: TypeReplicate, StorageBlockID: 1})
	d.Submit(Job{Type: TypeReplicate, StorageBlockID: 1})
	d.Submit(Job{Type: TypeReplicate, StorageBlockID: 2})
	d.Submit(Job{Type: TypeCombineResidualBlocks})
	d.Submit(Job{Type: TypeCombineResidualBlocks})
	assert.Equal(t, 3, d.Pending())
}

func TestDrainAllRunsChainedJobs(t *testing.T) {
	d := newTestDispatcher()

	var mu sync.Mutex
	var replicated []int64
	d.Handle(TypeReplicate, func(_ context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		replicated = append(replicated, job.StorageBlockID)
		return nil
	})
	d.Handle(TypeCombineResidualBlocks, func(_ context.Context, _ Job) error {
		d.Submit(Job{Type: TypeReplicate, StorageBlockID: 99})
		return nil
	})

	d.Submit(Job{Type: TypeReplicate, StorageBlockID: 5})
	d.Submit(Job{Type: TypeCombineResidualBlocks})
	d.DrainAll(context.Background())

	assert.ElementsMatch(t, []int64{5, 99}, replicated)
	assert.Zero(t, d.Pending())
}

func TestFailedJobsAreRetriedThenDropped(t *testing.T) {
	d := newTestDispatcher()

	var attempts atomic.Int32
	d.Handle(TypeCollectGarbage, func(context.Context, Job) error {
		attempts.Add(1)
		return errors.New("backend offline")
	})

	d.Submit(Job{Type: TypeCollectGarbage})
	d.DrainAll(context.Background())

	assert.Equal(t, int32(4), attempts.Load(), "first attempt plus three retries")
	assert.Zero(t, d.Pending())
}

func TestRetriesBackOff(t *testing.T) {
	d := NewDispatcher(Config{Workers: 1, MaxRetries: 2, RetryBackoff: 40 * time.Millisecond, Logger: zerolog.Nop()})

	var mu sync.Mutex
	var attempts []time.Time
	d.Handle(TypeReplicate, func(context.Context, Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, time.Now())
		return errors.New("backend offline")
	})

	d.Submit(Job{Type: TypeReplicate, StorageBlockID: 7})
	d.DrainAll(context.Background())

	require.Len(t, attempts, 3)
	assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, attempts[2].Sub(attempts[1]), 80*time.Millisecond)
	assert.Zero(t, d.Pending())
}

func TestRetryDelayIsCapped(t *testing.T) {
	d := NewDispatcher(Config{RetryBackoff: time.Minute, Logger: zerolog.Nop()})
	assert.Equal(t, time.Minute, d.retryDelay(0))
	assert.Equal(t, 4*time.Minute, d.retryDelay(2))
	assert.Equal(t, maxRetryBackoff, d.retryDelay(3))
	assert.Equal(t, maxRetryBackoff, d.retryDelay(60))
}

func TestDeferredRetryDoesNotDelayOtherJobs(t *testing.T) {
	d := NewDispatcher(Config{Workers: 2, RetryBackoff: time.Hour, Interval: 10 * time.Millisecond, Logger: zerolog.Nop()})

	var failures atomic.Int32
	done := make(chan int64, 1)
	d.Handle(TypeReplicate, func(_ context.Context, job Job) error {
		if job.StorageBlockID == 1 {
			failures.Add(1)
			return errors.New("backend offline")
		}
		done <- job.StorageBlockID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Submit(Job{Type: TypeReplicate, StorageBlockID: 1})
	require.Eventually(t, func() bool { return failures.Load() == 1 && d.Pending() == 1 }, 5*time.Second, 10*time.Millisecond)

	d.Submit(Job{Type: TypeReplicate, StorageBlockID: 2})
	select {
	case id := <-done:
		assert.Equal(t, int64(2), id)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "job queued behind a deferred retry was not processed")
	}
	assert.Equal(t, 1, d.Pending(), "failed job still waits for its retry")
}

func TestJobsWithoutHandlerAreDropped(t *testing.T) {
	d := newTestDispatcher()
	d.Submit(Job{Type: "unknown"})
	d.DrainAll(context.Background())
	assert.Zero(t, d.Pending())
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	d := newTestDispatcher()

	done := make(chan Job, 1)
	d.Handle(TypeReplicate, func(_ context.Context, job Job) error {
		done <- job
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()

	d.Submit(Job{Type: TypeReplicate, StorageBlockID: 3})
	select {
	case job := <-done:
		assert.Equal(t, int64(3), job.StorageBlockID)
		assert.NotEqual(t, "", job.ID.String())
	case <-time.After(5 * time.Second):
		require.FailNow(t, "job was not processed")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(15 * time.Second):
		require.FailNow(t, "dispatcher did not stop")
	}
}
