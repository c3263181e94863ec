package controller

import (
	"time"

	"github.com/datallboy/gopodq/internal/domain"
	"github.com/datallboy/gopodq/internal/engine"
)

// ledger is the scheduler's handle on the controller. It shares the
// controller's lock, so scheduler updates and user commands never interleave.
type ledger Controller

var _ engine.Queue = (*ledger)(nil)

func (l *ledger) Claim(now time.Time) (domain.QueueEntry, time.Time, bool) {
	c := (*Controller)(l)
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *domain.QueueEntry
	var retryAt time.Time
	for _, e := range c.store.All() {
		if e.Status != domain.StatusQueued {
			continue
		}
		if e.NotBefore.After(now) {
			if retryAt.IsZero() || e.NotBefore.Before(retryAt) {
				retryAt = e.NotBefore
			}
			continue
		}
		// Queue order, except that retried entries wait behind everything else
		if next == nil || e.RequeueSeq < next.RequeueSeq {
			next = e
		}
	}

	if next == nil {
		return domain.QueueEntry{}, retryAt, false
	}

	next.Status = domain.StatusDownloading
	next.NotBefore = time.Time{}
	if err := c.store.Save(); err != nil {
		// The transfer goes ahead; the file keeps its previous, still valid contents
		c.logger.Warn("Could not persist start of %s: %v", next.URL, err)
	}
	return *next, time.Time{}, true
}

func (l *ledger) Progress(p domain.Progress) {
	c := (*Controller)(l)
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.store.Get(p.EntryID)
	if e == nil || e.Status != domain.StatusDownloading {
		return
	}

	if delta := p.BytesDone - e.BytesDone; delta > 0 {
		c.meter.add(c.now(), delta)
	}
	e.BytesDone = p.BytesDone
	e.BytesTotal = p.BytesTotal
}

func (l *ledger) Settle(out domain.Outcome, t engine.Transition) {
	c := (*Controller)(l)
	c.mu.Lock()

	e := c.store.Get(out.EntryID)
	if e == nil {
		c.mu.Unlock()
		return
	}

	at := &domain.Attempt{
		ID:         out.AttemptID,
		EntryID:    e.ID,
		URL:        e.URL,
		LocalPath:  e.LocalPath,
		Status:     out.Status,
		BytesDone:  out.BytesDone,
		BytesTotal: out.BytesTotal,
		StartedAt:  out.StartedAt,
		FinishedAt: out.FinishedAt,
	}
	if out.Status == domain.StatusFailed {
		at.Kind = out.Kind.String()
		if out.Err != nil {
			at.Error = out.Err.Error()
		}
	}

	if delta := out.BytesDone - e.BytesDone; delta > 0 {
		c.meter.add(c.now(), delta)
	}

	if e.Status == domain.StatusDeleted || t.Drop {
		c.store.Drop(e.ID)
		at.Status = domain.StatusDeleted
	} else {
		c.apply(e, out, t)
	}

	if err := c.store.Save(); err != nil {
		c.logger.Error("Could not persist %s as %s: %v", e.URL, e.Status, err)
	}
	c.mu.Unlock()

	c.record(at)
}

// apply writes the scheduler's decision onto e. Callers hold c.mu.
func (c *Controller) apply(e *domain.QueueEntry, out domain.Outcome, t engine.Transition) {
	e.Status = t.Status
	e.BytesDone = out.BytesDone
	if out.BytesTotal >= 0 {
		e.BytesTotal = out.BytesTotal
	}

	switch t.Status {
	case domain.StatusFinished, domain.StatusAlreadyDownloaded:
		e.LastError = ""
		e.Retries = 0
		e.BytesTotal = e.BytesDone
	default:
		e.LastError = t.LastError
	}

	if t.Requeue {
		c.seq++
		e.RequeueSeq = c.seq
		e.Retries = t.Retries
		e.NotBefore = t.NotBefore
	}
}
