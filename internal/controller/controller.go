// Package controller is the single owner of the download queue. Every
// mutation, whether it comes from a user command or from the scheduler,
// goes through the controller's lock and is persisted before it returns.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/datallboy/gopodq/internal/app"
	"github.com/datallboy/gopodq/internal/domain"
	"github.com/datallboy/gopodq/internal/engine"
	"github.com/datallboy/gopodq/internal/infra/logger"
	"github.com/datallboy/gopodq/internal/queue"
)

const (
	rateWindow     = 5 * time.Second
	historyTimeout = 5 * time.Second
)

type Controller struct {
	mu      sync.Mutex
	store   *queue.Store
	meter   *rateMeter
	seq     uint64
	dir     string
	history app.History
	logger  *logger.Logger

	sched *engine.Scheduler
	now   func() time.Time
}

// New wires a controller around store. Transfers are handed to t.
func New(appCtx *app.Context, store *queue.Store, t engine.Transferer) *Controller {
	cfg := appCtx.Config.Download

	c := &Controller{
		store:   store,
		meter:   newRateMeter(rateWindow),
		dir:     cfg.Dir,
		history: appCtx.History,
		logger:  appCtx.Logger.Named("queue"),
		now:     time.Now,
	}

	c.sched = engine.NewScheduler(engine.Options{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
	}, (*ledger)(c), t, appCtx.Logger.Named("scheduler"))

	return c
}

// Load reads the queue file into memory, replacing whatever was there.
func (c *Controller) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Load(); err != nil {
		return err
	}
	c.logger.Info("Loaded %d entries from %s", c.store.Len(), c.store.Path())
	return nil
}

// Run drives the scheduler until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	return c.sched.Run(ctx)
}

// Add queues url for download into localPath. An empty localPath is derived
// from the URL, a relative one is placed in the download directory.
func (c *Controller) Add(rawURL, localPath string) (domain.QueueEntry, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	dest := resolvePath(c.dir, u, localPath)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing := c.store.Holding(dest); existing != nil {
		if existing.Status == domain.StatusDeleted {
			return domain.QueueEntry{}, fmt.Errorf("%w: %s is still being released by a deleted download", domain.ErrDuplicateEntry, dest)
		}
		return domain.QueueEntry{}, fmt.Errorf("%w: %s is already queued by %s", domain.ErrDuplicateEntry, dest, existing.URL)
	}

	cp := c.store.Checkpoint()
	e := &domain.QueueEntry{
		URL:        u.String(),
		LocalPath:  dest,
		Status:     domain.StatusQueued,
		BytesTotal: domain.SizeUnknown,
	}
	c.store.Append(e)

	if err := c.commit(cp); err != nil {
		return domain.QueueEntry{}, err
	}

	c.logger.Info("Queued %s -> %s", e.URL, e.LocalPath)
	c.sched.Wake()
	return *e, nil
}

// Delete removes the entry at index. An entry that is downloading is cancelled
// and disappears immediately; its partial file is left on disk.
func (c *Controller) Delete(index int) error {
	c.mu.Lock()

	e, err := c.store.At(index)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	cp := c.store.Checkpoint()
	url := e.URL
	cancelID := ""
	if e.Status == domain.StatusDownloading {
		// The worker still holds the entry; keep a tombstone until it lets go
		e.Status = domain.StatusDeleted
		cancelID = e.ID
	} else if _, err := c.store.Remove(index); err != nil {
		c.mu.Unlock()
		return err
	}

	if err := c.commit(cp); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.logger.Info("Deleted %s", url)
	if cancelID != "" {
		c.sched.Cancel(cancelID, domain.ErrCancelled)
	}
	return nil
}

// Move changes the position of the entry at index to newIndex.
func (c *Controller) Move(index, newIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := c.store.Checkpoint()
	if err := c.store.Reorder(index, newIndex); err != nil {
		return err
	}
	return c.commit(cp)
}

// Retry puts a Failed entry back in the queue with a fresh retry count.
func (c *Controller) Retry(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.store.At(index)
	if err != nil {
		return err
	}
	if e.Status != domain.StatusFailed {
		return fmt.Errorf("%w: entry %d is %s", domain.ErrNotRetryable, index, e.Status)
	}

	cp := c.store.Checkpoint()
	e.Status = domain.StatusQueued
	e.LastError = ""
	e.Retries = 0
	e.NotBefore = time.Time{}

	if err := c.commit(cp); err != nil {
		return err
	}
	c.sched.Wake()
	return nil
}

// Purge drops every Finished and AlreadyDownloaded entry and returns how many went.
func (c *Controller) Purge() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := c.store.Checkpoint()
	removed := 0
	for _, e := range c.store.All() {
		if e.Status.IsDone() {
			c.store.Drop(e.ID)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	if err := c.commit(cp); err != nil {
		return 0, err
	}
	return removed, nil
}

// Start resumes Paused entries and lets the scheduler claim work.
func (c *Controller) Start() error {
	c.mu.Lock()
	cp := c.store.Checkpoint()
	resumed := 0
	for _, e := range c.store.All() {
		if e.Status == domain.StatusPaused {
			e.Status = domain.StatusQueued
			resumed++
		}
	}

	var err error
	if resumed > 0 {
		err = c.commit(cp)
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	c.sched.Start()
	return nil
}

// Pause stops the scheduler. Active transfers stop at their next chunk and become Paused.
func (c *Controller) Pause() {
	c.sched.Pause()
}

// Stop stops the scheduler. Active transfers stop at their next chunk and go back to Queued.
func (c *Controller) Stop() {
	c.sched.Stop()
}

// Running reports whether the scheduler is claiming work.
func (c *Controller) Running() bool {
	return c.sched.Running()
}

// History returns up to limit recorded attempts, newest first.
func (c *Controller) History(ctx context.Context, limit int) ([]*domain.Attempt, error) {
	if c.history == nil {
		return []*domain.Attempt{}, nil
	}
	return c.history.RecentAttempts(ctx, limit)
}

// HistoryFor returns every recorded attempt for url, newest first.
func (c *Controller) HistoryFor(ctx context.Context, url string) ([]*domain.Attempt, error) {
	if c.history == nil {
		return []*domain.Attempt{}, nil
	}
	return c.history.AttemptsForURL(ctx, url)
}

// commit persists the store, rewinding to cp if the write fails.
// Callers hold c.mu.
func (c *Controller) commit(cp []domain.QueueEntry) error {
	if err := c.store.Save(); err != nil {
		c.store.Restore(cp)
		c.logger.Error("Queue not saved, change rolled back: %v", err)
		if !errors.Is(err, domain.ErrIO) {
			err = fmt.Errorf("%w: %w", domain.ErrIO, err)
		}
		return err
	}
	return nil
}

// record writes one attempt to the history database, if there is one.
func (c *Controller) record(at *domain.Attempt) {
	if c.history == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	if err := c.history.RecordAttempt(ctx, at); err != nil {
		c.logger.Warn("Could not record attempt for %s: %v", at.URL, err)
	}
}
