package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/gopodq/internal/domain"
	"github.com/datallboy/gopodq/internal/infra/logger"
)

// memQueue is an in-memory Queue with the same claim order as the real one.
type memQueue struct {
	mu       sync.Mutex
	entries  []*domain.QueueEntry
	seq      uint64
	settled  []Transition
	attempts map[string]int
}

func newMemQueue(ids ...string) *memQueue {
	q := &memQueue{attempts: make(map[string]int)}
	for _, id := range ids {
		q.entries = append(q.entries, &domain.QueueEntry{
			ID: id, URL: "http://h/" + id, LocalPath: "/d/" + id,
			Status: domain.StatusQueued, BytesTotal: domain.SizeUnknown,
		})
	}
	return q
}

func (q *memQueue) Claim(now time.Time) (domain.QueueEntry, time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next *domain.QueueEntry
	var retryAt time.Time
	for _, e := range q.entries {
		if e.Status != domain.StatusQueued {
			continue
		}
		if e.NotBefore.After(now) {
			if retryAt.IsZero() || e.NotBefore.Before(retryAt) {
				retryAt = e.NotBefore
			}
			continue
		}
		if next == nil || e.RequeueSeq < next.RequeueSeq {
			next = e
		}
	}
	if next == nil {
		return domain.QueueEntry{}, retryAt, false
	}
	next.Status = domain.StatusDownloading
	q.attempts[next.ID]++
	return *next, time.Time{}, true
}

func (q *memQueue) Progress(p domain.Progress) {}

func (q *memQueue) Settle(out domain.Outcome, t Transition) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.settled = append(q.settled, t)
	for i, e := range q.entries {
		if e.ID != out.EntryID {
			continue
		}
		if t.Drop {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
		e.Status = t.Status
		e.LastError = t.LastError
		if t.Requeue {
			q.seq++
			e.RequeueSeq = q.seq
			e.Retries = t.Retries
			e.NotBefore = t.NotBefore
		}
		return
	}
}

func (q *memQueue) status(id string) domain.EntryStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ID == id {
			return e.Status
		}
	}
	return domain.StatusDeleted
}

func (q *memQueue) attemptsFor(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.attempts[id]
}

// fakeTransfer runs fn for every lease and tracks concurrency.
type fakeTransfer struct {
	fn      func(l *Lease) domain.Outcome
	active  atomic.Int32
	peak    atomic.Int32
	mu      sync.Mutex
	started []string
}

func (f *fakeTransfer) Transfer(ctx context.Context, l *Lease, report func(domain.Progress)) domain.Outcome {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.started = append(f.started, l.Entry.ID)
	f.mu.Unlock()

	out := f.fn(l)
	out.EntryID = l.Entry.ID
	out.AttemptID = l.AttemptID
	return out
}

func (f *fakeTransfer) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func finished() domain.Outcome {
	return domain.Outcome{Status: domain.StatusFinished}
}

func failed(kind domain.FailureKind, err error) domain.Outcome {
	return domain.Outcome{Status: domain.StatusFailed, Kind: kind, Err: err}
}

// waitForCancel blocks like a transfer until its lease is cancelled.
func waitForCancel(l *Lease) domain.Outcome {
	for l.Cancelled() == nil {
		time.Sleep(time.Millisecond)
	}
	return failed(domain.KindCancelled, l.Cancelled())
}

func runScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSchedulerRunsEntriesInOrderOneAtATime(t *testing.T) {
	q := newMemQueue("a", "b", "c")
	ft := &fakeTransfer{fn: func(l *Lease) domain.Outcome {
		time.Sleep(10 * time.Millisecond)
		return finished()
	}}

	s := NewScheduler(Options{MaxConcurrent: 1}, q, ft, logger.Discard())
	runScheduler(t, s)
	s.Start()

	require.Eventually(t, func() bool { return q.status("c") == domain.StatusFinished }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, ft.order())
	assert.Equal(t, int32(1), ft.peak.Load())
}

func TestSchedulerRespectsConcurrencyLimit(t *testing.T) {
	q := newMemQueue("a", "b", "c", "d", "e", "f", "g", "h")
	ft := &fakeTransfer{fn: func(l *Lease) domain.Outcome {
		time.Sleep(30 * time.Millisecond)
		return finished()
	}}

	s := NewScheduler(Options{MaxConcurrent: 3}, q, ft, logger.Discard())
	runScheduler(t, s)
	s.Start()

	require.Eventually(t, func() bool {
		for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
			if q.status(id) != domain.StatusFinished {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	assert.LessOrEqual(t, ft.peak.Load(), int32(3))
	assert.Equal(t, int32(3), ft.peak.Load())
}

func TestSchedulerRetriesTransientFailures(t *testing.T) {
	q := newMemQueue("a")
	ft := &fakeTransfer{fn: func(l *Lease) domain.Outcome {
		return failed(domain.KindTransient, errors.New("HTTP 503"))
	}}

	s := NewScheduler(Options{MaxConcurrent: 1, MaxRetries: 2, RetryBackoff: 5 * time.Millisecond}, q, ft, logger.Discard())
	runScheduler(t, s)
	s.Start()

	require.Eventually(t, func() bool { return q.status("a") == domain.StatusFailed }, 3*time.Second, 5*time.Millisecond)

	// One initial attempt plus exactly MaxRetries retries
	assert.Equal(t, 3, q.attemptsFor("a"))
	q.mu.Lock()
	assert.Equal(t, "HTTP 503", q.entries[0].LastError)
	assert.Equal(t, 2, q.entries[0].Retries)
	q.mu.Unlock()
}

func TestSchedulerNeverRetriesPermanentFailures(t *testing.T) {
	q := newMemQueue("a", "b")
	ft := &fakeTransfer{fn: func(l *Lease) domain.Outcome {
		if l.Entry.ID == "a" {
			return failed(domain.KindPermanent, errors.New("HTTP 404"))
		}
		return finished()
	}}

	s := NewScheduler(Options{MaxConcurrent: 1, MaxRetries: 5}, q, ft, logger.Discard())
	runScheduler(t, s)
	s.Start()

	require.Eventually(t, func() bool { return q.status("b") == domain.StatusFinished }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusFailed, q.status("a"))
	assert.Equal(t, 1, q.attemptsFor("a"))
}

func TestSchedulerRetriedEntryWaitsBehindOthers(t *testing.T) {
	q := newMemQueue("a", "b")
	var failedOnce atomic.Bool
	ft := &fakeTransfer{fn: func(l *Lease) domain.Outcome {
		if l.Entry.ID == "a" && failedOnce.CompareAndSwap(false, true) {
			return failed(domain.KindTransient, errors.New("reset"))
		}
		return finished()
	}}

	s := NewScheduler(Options{MaxConcurrent: 1, MaxRetries: 1}, q, ft, logger.Discard())
	runScheduler(t, s)
	s.Start()

	require.Eventually(t, func() bool { return q.status("a") == domain.StatusFinished }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "a"}, ft.order())
}

func TestSchedulerPauseAndStop(t *testing.T) {
	q := newMemQueue("a")
	ft := &fakeTransfer{fn: waitForCancel}

	s := NewScheduler(Options{MaxConcurrent: 1}, q, ft, logger.Discard())
	runScheduler(t, s)
	s.Start()

	require.Eventually(t, func() bool { return q.status("a") == domain.StatusDownloading }, 3*time.Second, 5*time.Millisecond)
	s.Pause()
	require.Eventually(t, func() bool { return q.status("a") == domain.StatusPaused }, 3*time.Second, 5*time.Millisecond)
	assert.False(t, s.Running())

	// Paused entries are not picked up again until someone requeues them
	q.mu.Lock()
	q.entries[0].Status = domain.StatusQueued
	q.mu.Unlock()
	s.Start()
	require.Eventually(t, func() bool { return q.status("a") == domain.StatusDownloading }, 3*time.Second, 5*time.Millisecond)

	s.Stop()
	require.Eventually(t, func() bool { return q.status("a") == domain.StatusQueued }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Active() == 0 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, q.attemptsFor("a"))
}

func TestSchedulerCancelDropsEntry(t *testing.T) {
	q := newMemQueue("a", "b")
	ft := &fakeTransfer{fn: func(l *Lease) domain.Outcome {
		if l.Entry.ID == "a" {
			return waitForCancel(l)
		}
		return finished()
	}}

	s := NewScheduler(Options{MaxConcurrent: 1}, q, ft, logger.Discard())
	runScheduler(t, s)
	s.Start()

	require.Eventually(t, func() bool { return q.status("a") == domain.StatusDownloading }, 3*time.Second, 5*time.Millisecond)
	s.Cancel("a", domain.ErrCancelled)

	require.Eventually(t, func() bool { return q.status("b") == domain.StatusFinished }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusDeleted, q.status("a"))
}

func TestSchedulerCancelOfIdleEntryIsForgotten(t *testing.T) {
	q := newMemQueue("a")
	ft := &fakeTransfer{fn: func(l *Lease) domain.Outcome { return finished() }}

	s := NewScheduler(Options{MaxConcurrent: 1}, q, ft, logger.Discard())
	runScheduler(t, s)
	s.Start()
	require.Eventually(t, func() bool { return q.status("a") == domain.StatusFinished }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Active() == 0 }, 3*time.Second, 5*time.Millisecond)

	// Settled and unknown ids have no transfer to stop
	s.Cancel("a", domain.ErrCancelled)
	s.Cancel("nope", domain.ErrCancelled)

	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pendingCancel) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerShutdownRequeuesActiveEntries(t *testing.T) {
	q := newMemQueue("a", "b")
	ft := &fakeTransfer{fn: waitForCancel}

	s := NewScheduler(Options{MaxConcurrent: 2}, q, ft, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	s.Start()

	require.Eventually(t, func() bool { return s.Active() == 2 }, 3*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not shut down")
	}
	assert.Equal(t, domain.StatusQueued, q.status("a"))
	assert.Equal(t, domain.StatusQueued, q.status("b"))
}

func TestSchedulerStartsPaused(t *testing.T) {
	q := newMemQueue("a")
	ft := &fakeTransfer{fn: func(l *Lease) domain.Outcome { return finished() }}

	s := NewScheduler(Options{MaxConcurrent: 1}, q, ft, logger.Discard())
	runScheduler(t, s)
	s.Wake()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StatusQueued, q.status("a"))
	assert.False(t, s.Running())
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	s := NewScheduler(Options{RetryBackoff: time.Second}, newMemQueue(), &fakeTransfer{}, logger.Discard())
	assert.Equal(t, time.Second, s.backoff(1))
	assert.Equal(t, 2*time.Second, s.backoff(2))
	assert.Equal(t, 4*time.Second, s.backoff(3))
	assert.Equal(t, maxRetryBackoff, s.backoff(20))

	s.opts.RetryBackoff = 0
	assert.Equal(t, time.Duration(0), s.backoff(3))
}

func TestLeaseFirstReasonWins(t *testing.T) {
	l := NewLease(domain.QueueEntry{ID: "a"}, "x")
	assert.NoError(t, l.Cancelled())
	l.Cancel(ErrPaused)
	l.Cancel(domain.ErrCancelled)
	assert.ErrorIs(t, l.Cancelled(), ErrPaused)
}
