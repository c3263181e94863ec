package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datallboy/gopodq/internal/domain"
	"github.com/datallboy/gopodq/internal/infra/logger"
)

const (
	maxRetryBackoff = 5 * time.Minute

	// shutdownGrace is how long workers get to reach a chunk boundary before
	// their connections are torn down.
	shutdownGrace = 5 * time.Second
)

type Options struct {
	MaxConcurrent int
	MaxRetries    int
	RetryBackoff  time.Duration
}

// Scheduler keeps up to MaxConcurrent transfers running. It is the only
// component that claims entries, and every status change it makes goes back
// through the Queue before the slot is handed out again.
type Scheduler struct {
	opts     Options
	queue    Queue
	transfer Transferer
	logger   *logger.Logger

	mu            sync.Mutex
	slots         []slot
	paused        bool
	haltReason    error
	pendingCancel map[string]error

	wake    chan struct{}
	results chan result
	now     func() time.Time
}

// NewScheduler returns a paused scheduler; call Start to begin claiming work.
func NewScheduler(opts Options, q Queue, t Transferer, log *logger.Logger) *Scheduler {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	return &Scheduler{
		opts:          opts,
		queue:         q,
		transfer:      t,
		logger:        log,
		slots:         make([]slot, opts.MaxConcurrent),
		paused:        true,
		haltReason:    ErrStopped,
		pendingCancel: make(map[string]error),
		wake:          make(chan struct{}, 1),
		results:       make(chan result, opts.MaxConcurrent),
		now:           time.Now,
	}
}

// Run drives the scheduler until ctx is cancelled. Active transfers are asked
// to stop and their entries go back to Queued before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	workerCtx, hardStop := context.WithCancel(context.WithoutCancel(ctx))
	defer hardStop()

	var retry *time.Timer
	var retryC <-chan time.Time
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		retryAt := s.fill(workerCtx)

		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
		if !retryAt.IsZero() {
			retry = time.NewTimer(max(time.Until(retryAt), 0))
			retryC = retry.C
		}

		select {
		case <-ctx.Done():
			s.shutdown(hardStop)
			return nil
		case <-s.wake:
		case <-retryC:
		case r := <-s.results:
			s.release(r)
		}
	}
}

// Start lets the scheduler claim entries.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.Wake()
}

// Pause stops claiming work and asks active transfers to stop; their entries become Paused.
func (s *Scheduler) Pause() {
	s.halt(ErrPaused)
}

// Stop stops claiming work and asks active transfers to stop; their entries go back to Queued.
func (s *Scheduler) Stop() {
	s.halt(ErrStopped)
}

func (s *Scheduler) halt(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = true
	s.haltReason = reason
	for i := range s.slots {
		if s.slots[i].lease != nil {
			s.slots[i].lease.Cancel(reason)
		}
	}
}

// Running reports whether the scheduler is claiming new work.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.paused
}

// Cancel asks the transfer holding entryID to stop with reason. An entry
// that was claimed but not yet handed to a worker is cancelled as soon as it is.
func (s *Scheduler) Cancel(entryID string, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		if l := s.slots[i].lease; l != nil && l.Entry.ID == entryID {
			l.Cancel(reason)
			return
		}
	}
	for i := range s.slots {
		if s.slots[i].state == SlotAssigned {
			s.pendingCancel[entryID] = reason
			return
		}
	}
}

// Wake makes the control loop look for work. It never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
		// Signal already pending
	}
}

// Slots returns the state of every worker slot.
func (s *Scheduler) Slots() []SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SlotState, len(s.slots))
	for i := range s.slots {
		out[i] = s.slots[i].state
	}
	return out
}

// Active returns how many slots are not idle.
func (s *Scheduler) Active() int {
	n := 0
	for _, st := range s.Slots() {
		if st != SlotIdle {
			n++
		}
	}
	return n
}

// fill hands eligible entries to idle slots. It returns when the next
// backed-off entry becomes eligible, or the zero time. The queue is consulted
// without holding s.mu so callers of the queue may call back into the scheduler.
func (s *Scheduler) fill(ctx context.Context) time.Time {
	for {
		idx := s.reserveSlot()
		if idx < 0 {
			return time.Time{}
		}

		entry, retryAt, ok := s.queue.Claim(s.now())
		if !ok {
			s.mu.Lock()
			s.slots[idx] = slot{state: SlotIdle}
			clear(s.pendingCancel)
			s.mu.Unlock()
			return retryAt
		}

		lease := NewLease(entry, newAttemptID())

		s.mu.Lock()
		s.slots[idx] = slot{state: SlotRunning, lease: lease}
		if reason, ok := s.pendingCancel[entry.ID]; ok {
			lease.Cancel(reason)
		}
		// Only one claim is in flight, so anything else recorded was for another entry
		clear(s.pendingCancel)
		if s.paused {
			lease.Cancel(s.haltReason)
		}
		s.mu.Unlock()

		s.logger.Info("Starting %s (attempt %d)", entry.URL, entry.Retries+1)
		go func(idx int, l *Lease) {
			out := s.transfer.Transfer(ctx, l, s.queue.Progress)
			s.results <- result{slot: idx, lease: l, outcome: out}
		}(idx, lease)
	}
}

// reserveSlot marks the first idle slot as assigned, or returns -1.
func (s *Scheduler) reserveSlot() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return -1
	}
	for i := range s.slots {
		if s.slots[i].state == SlotIdle {
			s.slots[i].state = SlotAssigned
			return i
		}
	}
	return -1
}

func newAttemptID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// release records the outcome, then frees the slot.
func (s *Scheduler) release(r result) {
	t := s.decide(r.lease, r.outcome)

	switch {
	case t.Drop:
		s.logger.Info("Cancelled %s", r.lease.Entry.URL)
	case t.Status == domain.StatusFinished || t.Status == domain.StatusAlreadyDownloaded:
		s.logger.Info("Finished %s (%s)", r.lease.Entry.URL, t.Status)
	case t.Requeue:
		s.logger.Warn("[Retry] %s: attempt %d/%d failed, retrying in %s: %v", r.lease.Entry.URL,
			t.Retries, s.opts.MaxRetries+1, max(time.Until(t.NotBefore), 0).Round(time.Millisecond), r.outcome.Err)
	case t.Status == domain.StatusFailed:
		s.logger.Error("[FAIL] %s: %s", r.lease.Entry.URL, t.LastError)
	default:
		s.logger.Info("%s is now %s", r.lease.Entry.URL, t.Status)
	}

	s.queue.Settle(r.outcome, t)

	s.mu.Lock()
	s.slots[r.slot] = slot{state: SlotIdle}
	s.mu.Unlock()
}

// decide maps a worker outcome onto the entry's next status.
func (s *Scheduler) decide(l *Lease, out domain.Outcome) Transition {
	if out.Status == domain.StatusFinished || out.Status == domain.StatusAlreadyDownloaded {
		return Transition{Status: out.Status}
	}

	errText := ""
	if out.Err != nil {
		errText = out.Err.Error()
	}

	if out.Cancelled() {
		reason := l.Cancelled()
		if reason == nil {
			reason = out.Err
		}
		switch {
		case errors.Is(reason, domain.ErrCancelled):
			return Transition{Drop: true}
		case errors.Is(reason, ErrPaused):
			return Transition{Status: domain.StatusPaused, LastError: l.Entry.LastError}
		default:
			return Transition{Status: domain.StatusQueued, LastError: l.Entry.LastError}
		}
	}

	if out.Kind == domain.KindTransient && l.Entry.Retries < s.opts.MaxRetries {
		n := l.Entry.Retries + 1
		return Transition{
			Status:    domain.StatusQueued,
			LastError: errText,
			Requeue:   true,
			Retries:   n,
			NotBefore: s.now().Add(s.backoff(n)),
		}
	}

	return Transition{Status: domain.StatusFailed, LastError: errText}
}

// backoff doubles retry_backoff for every retry already spent.
func (s *Scheduler) backoff(retry int) time.Duration {
	d := s.opts.RetryBackoff
	if d <= 0 {
		return 0
	}
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return min(d, maxRetryBackoff)
}

// shutdown stops every transfer and waits for the outcomes so each entry is
// written back in a resumable state.
func (s *Scheduler) shutdown(hardStop context.CancelFunc) {
	s.mu.Lock()
	outstanding := 0
	for i := range s.slots {
		if s.slots[i].lease != nil {
			s.slots[i].lease.Cancel(ErrStopped)
			outstanding++
		}
	}
	s.paused = true
	s.haltReason = ErrStopped
	s.mu.Unlock()

	if outstanding == 0 {
		return
	}

	s.logger.Info("Waiting for %d active transfer(s) to stop", outstanding)
	grace := time.AfterFunc(shutdownGrace, hardStop)
	defer grace.Stop()

	for ; outstanding > 0; outstanding-- {
		s.release(<-s.results)
	}
}
