package controller

import (
	"path/filepath"
	"time"

	"github.com/datallboy/gopodq/internal/domain"
)

type mergeResult struct {
	added, removed, updated int
	reordered               bool

	// entries deleted from the file while their transfer was running
	cancel []string
}

func (r mergeResult) changed() bool {
	return r.added+r.removed+r.updated > 0 || r.reordered
}

// Reload makes the queue match the file after another process edited it:
// new lines are queued, missing lines are removed, and order and status follow
// the file. A running transfer keeps its in-memory state; if its line is gone
// it is cancelled like a delete. Reload returns how many entries were added.
func (c *Controller) Reload() (int, error) {
	c.mu.Lock()

	if !c.store.Exists() {
		// Between an external delete and rewrite; the next event brings the new file
		c.mu.Unlock()
		return 0, nil
	}

	parsed, err := c.store.ReadFile()
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}

	cp := c.store.Checkpoint()
	res := c.merge(parsed)
	if !res.changed() {
		c.mu.Unlock()
		return 0, nil
	}

	if err := c.commit(cp); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	c.mu.Unlock()

	c.logger.Info("Synced with %s: %d added, %d removed, %d updated", c.store.Path(), res.added, res.removed, res.updated)
	for _, id := range res.cancel {
		c.sched.Cancel(id, domain.ErrCancelled)
	}
	c.sched.Wake()
	return res.added, nil
}

// merge rebuilds the live queue from parsed. Callers hold c.mu.
func (c *Controller) merge(parsed []*domain.QueueEntry) mergeResult {
	var res mergeResult

	live := c.store.All()
	byPath := make(map[string]*domain.QueueEntry, len(live))
	for _, e := range live {
		byPath[filepath.Clean(e.LocalPath)] = e
	}

	next := make([]*domain.QueueEntry, 0, len(parsed))
	seen := make(map[string]bool, len(parsed))
	for _, p := range parsed {
		key := filepath.Clean(p.LocalPath)
		if seen[key] {
			c.logger.Warn("Ignoring second line for %s in %s", p.LocalPath, c.store.Path())
			continue
		}
		seen[key] = true

		e, ok := byPath[key]
		if !ok {
			if c.store.Holding(key) != nil {
				c.logger.Warn("Skipping %s: a deleted download still holds the file", p.LocalPath)
				continue
			}
			next = append(next, p)
			res.added++
			continue
		}

		if e.Status != domain.StatusDownloading && adopt(e, p) {
			res.updated++
		}
		next = append(next, e)
	}

	for _, e := range live {
		if seen[filepath.Clean(e.LocalPath)] {
			continue
		}
		if e.Status == domain.StatusDownloading {
			e.Status = domain.StatusDeleted
			res.cancel = append(res.cancel, e.ID)
		}
		res.removed++
	}

	if res.added == 0 && res.removed == 0 {
		for i := range live {
			if live[i] != next[i] {
				res.reordered = true
				break
			}
		}
	}

	c.store.Replace(next)
	return res
}

// adopt copies the persisted fields of p onto e and reports whether anything changed.
func adopt(e, p *domain.QueueEntry) bool {
	if e.URL == p.URL && e.Status == p.Status && e.BytesDone == p.BytesDone &&
		e.BytesTotal == p.BytesTotal && e.LastError == p.LastError {
		return false
	}

	if e.Status != p.Status {
		// A status set by hand starts a fresh retry cycle
		e.Retries = 0
		e.NotBefore = time.Time{}
	}
	e.URL = p.URL
	e.Status = p.Status
	e.BytesDone = p.BytesDone
	e.BytesTotal = p.BytesTotal
	e.LastError = p.LastError
	return true
}
