package domain

import "time"

// Attempt is one transfer attempt as recorded in the history database.
type Attempt struct {
	ID        string      `json:"id"`
	EntryID   string      `json:"entry_id"`
	URL       string      `json:"url"`
	LocalPath string      `json:"local_path"`
	Status    EntryStatus `json:"status"`

	// Kind is set for failed attempts only
	Kind string `json:"kind,omitempty"`

	BytesDone  int64  `json:"bytes_done"`
	BytesTotal int64  `json:"bytes_total"`
	Error      string `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is how long the attempt held its worker slot.
func (a *Attempt) Duration() time.Duration {
	if a.FinishedAt.Before(a.StartedAt) {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}
