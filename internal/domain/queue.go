package domain

import (
	"path/filepath"
	"time"
)

type EntryStatus string

const (
	StatusQueued            EntryStatus = "queued"
	StatusDownloading       EntryStatus = "downloading"
	StatusPaused            EntryStatus = "paused"
	StatusFinished          EntryStatus = "finished"
	StatusFailed            EntryStatus = "failed"
	StatusAlreadyDownloaded EntryStatus = "already-downloaded"
	StatusDeleted           EntryStatus = "deleted"
)

// SizeUnknown marks a BytesTotal the server has not reported yet.
const SizeUnknown int64 = -1

func (s EntryStatus) String() string {
	return string(s)
}

// IsTerminal reports statuses the scheduler never picks up again on its own.
func (s EntryStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusAlreadyDownloaded || s == StatusDeleted
}

// IsDone reports statuses that purge() removes.
func (s EntryStatus) IsDone() bool {
	return s == StatusFinished || s == StatusAlreadyDownloaded
}

// QueueEntry represents a single remote file waiting in (or finished with) the queue.
type QueueEntry struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	LocalPath string      `json:"local_path"`
	Status    EntryStatus `json:"status"`

	BytesTotal int64 `json:"bytes_total"`
	BytesDone  int64 `json:"bytes_done"`

	LastError string `json:"last_error,omitempty"`

	// Scheduler bookkeeping, never written to the queue file
	Retries    int       `json:"retries"`
	RequeueSeq uint64    `json:"-"`
	NotBefore  time.Time `json:"-"`
}

// HasTotal reports whether the expected size is known.
func (e *QueueEntry) HasTotal() bool {
	return e.BytesTotal >= 0
}

// Progress returns completion in the range [0, 1], or 0 when the total is unknown.
func (e *QueueEntry) Progress() float64 {
	if e.BytesTotal <= 0 {
		return 0
	}
	p := float64(e.BytesDone) / float64(e.BytesTotal)
	if p > 1 {
		p = 1
	}
	return p
}

// SamePath compares destinations after cleaning, the uniqueness key of the queue.
func (e *QueueEntry) SamePath(path string) bool {
	return filepath.Clean(e.LocalPath) == filepath.Clean(path)
}
