package store

import (
	"context"
	"fmt"

	"github.com/datallboy/gopodq/internal/domain"
)

const attemptColumns = `id, entry_id, url, local_path, status, kind, bytes_done, bytes_total, error, started_at, finished_at`

// RecordAttempt inserts one finished attempt. Recording the same attempt twice keeps the latest copy.
func (s *PersistentStore) RecordAttempt(ctx context.Context, at *domain.Attempt) error {
	var dbo attemptDBO
	dbo.FromDomain(at)

	query := `INSERT OR REPLACE INTO attempts (` + attemptColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		dbo.ID,
		dbo.EntryID,
		dbo.URL,
		dbo.LocalPath,
		dbo.Status,
		dbo.Kind,
		dbo.BytesDone,
		dbo.BytesTotal,
		dbo.Error,
		dbo.StartedAt,
		dbo.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt %s: %w", at.ID, err)
	}
	return nil
}

// RecentAttempts returns up to limit attempts, newest first.
func (s *PersistentStore) RecentAttempts(ctx context.Context, limit int) ([]*domain.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + attemptColumns + ` FROM attempts ORDER BY finished_at DESC, id DESC LIMIT ?`
	return s.queryAttempts(ctx, query, limit)
}

// AttemptsForURL returns every recorded attempt for url, newest first.
func (s *PersistentStore) AttemptsForURL(ctx context.Context, url string) ([]*domain.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE url = ? ORDER BY finished_at DESC, id DESC`
	return s.queryAttempts(ctx, query, url)
}

func (s *PersistentStore) queryAttempts(ctx context.Context, query string, args ...any) ([]*domain.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := make([]*domain.Attempt, 0)
	for rows.Next() {
		var dbo attemptDBO
		if err := dbo.scan(rows); err != nil {
			return nil, err
		}
		attempts = append(attempts, dbo.ToDomain())
	}
	return attempts, rows.Err()
}
