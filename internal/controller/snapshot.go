package controller

import "github.com/datallboy/gopodq/internal/domain"

// Stats summarizes the queue at one instant.
type Stats struct {
	Total       int `json:"total"`
	Queued      int `json:"queued"`
	Downloading int `json:"downloading"`
	Paused      int `json:"paused"`
	Finished    int `json:"finished"`
	Failed      int `json:"failed"`

	BytesDone      int64   `json:"bytes_done"`
	BytesPerSecond float64 `json:"bytes_per_second"`

	Running bool `json:"running"`
}

// Snapshot is a point-in-time copy of the queue, safe to hold on to.
type Snapshot struct {
	Entries []domain.QueueEntry `json:"entries"`
	Stats   Stats               `json:"stats"`
}

// Snapshot copies the live entries in queue order together with aggregate counters.
func (c *Controller) Snapshot() Snapshot {
	running := c.sched.Running()

	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.store.All()
	snap := Snapshot{
		Entries: make([]domain.QueueEntry, 0, len(live)),
		Stats: Stats{
			Total:          len(live),
			BytesPerSecond: c.meter.rate(c.now()),
			Running:        running,
		},
	}

	for _, e := range live {
		snap.Entries = append(snap.Entries, *e)
		snap.Stats.BytesDone += e.BytesDone

		switch e.Status {
		case domain.StatusQueued:
			snap.Stats.Queued++
		case domain.StatusDownloading:
			snap.Stats.Downloading++
		case domain.StatusPaused:
			snap.Stats.Paused++
		case domain.StatusFinished, domain.StatusAlreadyDownloaded:
			snap.Stats.Finished++
		case domain.StatusFailed:
			snap.Stats.Failed++
		}
	}
	return snap
}
