package domain

import "time"

// Outcome is what a transfer worker hands back to the scheduler once it lets go of an entry.
type Outcome struct {
	AttemptID string
	EntryID   string
	Status    EntryStatus // Finished, AlreadyDownloaded or Failed

	BytesDone  int64
	BytesTotal int64

	// Err is nil unless Status is Failed
	Err  error
	Kind FailureKind

	StartedAt  time.Time
	FinishedAt time.Time
}

// Cancelled reports whether the transfer stopped because someone asked it to.
func (o Outcome) Cancelled() bool {
	return o.Status == StatusFailed && o.Kind == KindCancelled
}

// Progress is the throttled notification a worker emits while streaming.
type Progress struct {
	EntryID    string
	BytesDone  int64
	BytesTotal int64
}
