package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/datallboy/gopodq/internal/domain"
)

// ErrPaused is the cancellation reason used by a global pause.
var ErrPaused = errors.New("paused")

// ErrStopped is the cancellation reason used by stop() and shutdown.
var ErrStopped = errors.New("stopped")

// Queue is the scheduler's view of the queue. Implementations serialize
// access with everything else that touches the collection, so the scheduler
// and its workers never mutate entries directly.
type Queue interface {
	// Claim moves the first eligible Queued entry to Downloading, persists
	// it and returns a copy. When nothing is eligible yet but a backed-off
	// entry exists, retryAt is the moment it becomes eligible.
	Claim(now time.Time) (entry domain.QueueEntry, retryAt time.Time, ok bool)

	// Progress records bytes written by an active transfer.
	Progress(p domain.Progress)

	// Settle applies the scheduler's decision for a finished transfer and persists it.
	Settle(out domain.Outcome, t Transition)
}

// Transferer downloads one leased entry end to end.
type Transferer interface {
	Transfer(ctx context.Context, lease *Lease, report func(domain.Progress)) domain.Outcome
}

// Transition is the status change the scheduler decided on for a released entry.
type Transition struct {
	Status    domain.EntryStatus
	LastError string

	// Requeue pushes the entry behind everything already waiting and counts a retry
	Requeue   bool
	Retries   int
	NotBefore time.Time

	// Drop removes the entry from the queue (deleted while downloading)
	Drop bool
}

// Lease is the exclusive hold one worker has on one entry.
type Lease struct {
	Entry     domain.QueueEntry
	AttemptID string

	reason atomic.Pointer[error]
}

func NewLease(entry domain.QueueEntry, attemptID string) *Lease {
	return &Lease{Entry: entry, AttemptID: attemptID}
}

// Cancel asks the worker to stop at the next chunk boundary. The first reason wins.
func (l *Lease) Cancel(reason error) {
	l.reason.CompareAndSwap(nil, &reason)
}

// Cancelled returns the cancellation reason, or nil while the lease is live.
func (l *Lease) Cancelled() error {
	if p := l.reason.Load(); p != nil {
		return *p
	}
	return nil
}

type SlotState int

const (
	SlotIdle SlotState = iota
	SlotAssigned
	SlotRunning
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotAssigned:
		return "assigned"
	case SlotRunning:
		return "running"
	default:
		return "unknown"
	}
}

type slot struct {
	state SlotState
	lease *Lease
}

type result struct {
	slot    int
	lease   *Lease
	outcome domain.Outcome
}
