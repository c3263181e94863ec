package store

import (
	"database/sql"
	"time"

	"github.com/datallboy/gopodq/internal/domain"
)

// attemptDBO maps to the attempts table
type attemptDBO struct {
	ID         string         `db:"id"`
	EntryID    string         `db:"entry_id"`
	URL        string         `db:"url"`
	LocalPath  string         `db:"local_path"`
	Status     string         `db:"status"`
	Kind       sql.NullString `db:"kind"`
	BytesDone  int64          `db:"bytes_done"`
	BytesTotal int64          `db:"bytes_total"`
	Error      sql.NullString `db:"error"`
	StartedAt  int64          `db:"started_at"`
	FinishedAt int64          `db:"finished_at"`
}

// Mapper: DBO to Domain Attempt
func (a *attemptDBO) ToDomain() *domain.Attempt {
	return &domain.Attempt{
		ID:         a.ID,
		EntryID:    a.EntryID,
		URL:        a.URL,
		LocalPath:  a.LocalPath,
		Status:     domain.EntryStatus(a.Status),
		Kind:       a.Kind.String,
		BytesDone:  a.BytesDone,
		BytesTotal: a.BytesTotal,
		Error:      a.Error.String,
		StartedAt:  time.UnixMilli(a.StartedAt),
		FinishedAt: time.UnixMilli(a.FinishedAt),
	}
}

// Mapper: Domain Attempt to DBO
func (a *attemptDBO) FromDomain(at *domain.Attempt) {
	a.ID = at.ID
	a.EntryID = at.EntryID
	a.URL = at.URL
	a.LocalPath = at.LocalPath
	a.Status = string(at.Status)
	a.Kind = sql.NullString{String: at.Kind, Valid: at.Kind != ""}
	a.BytesDone = at.BytesDone
	a.BytesTotal = at.BytesTotal
	a.Error = sql.NullString{String: at.Error, Valid: at.Error != ""}
	a.StartedAt = at.StartedAt.UnixMilli()
	a.FinishedAt = at.FinishedAt.UnixMilli()
}

// scan reads one row in attemptColumns order.
func (a *attemptDBO) scan(row interface{ Scan(...any) error }) error {
	return row.Scan(&a.ID, &a.EntryID, &a.URL, &a.LocalPath, &a.Status, &a.Kind,
		&a.BytesDone, &a.BytesTotal, &a.Error, &a.StartedAt, &a.FinishedAt)
}
