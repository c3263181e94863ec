package queue

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/segmentio/ksuid"

	"github.com/datallboy/gopodq/internal/domain"
	"github.com/datallboy/gopodq/internal/infra/logger"
)

// maxLineBytes bounds a single queue line; anything longer means the file is not a queue file.
const maxLineBytes = 64 * 1024

// Store owns the canonical, ordered collection of queue entries and its
// on-disk representation. It is not safe for concurrent use; the controller
// serializes every call.
//
// Deleted entries stay in the slice as tombstones until their worker lets go
// of them. Index based methods only count live (non-deleted) entries.
type Store struct {
	path    string
	entries []*domain.QueueEntry
	logger  *logger.Logger
}

func NewStore(path string, log *logger.Logger) *Store {
	return &Store{
		path:   path,
		logger: log,
	}
}

func (s *Store) Path() string { return s.path }

// Exists reports whether the queue file is present on disk.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load replaces the in-memory queue with the contents of the queue file.
// A missing file yields an empty queue.
func (s *Store) Load() error {
	entries, err := s.ReadFile()
	if err != nil {
		return err
	}
	s.entries = entries
	return nil
}

// ReadFile parses the queue file without touching the in-memory queue.
// Unparseable lines are skipped with a warning.
func (s *Store) ReadFile() ([]*domain.QueueEntry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*domain.QueueEntry{}, nil
		}
		return nil, fmt.Errorf("%w: read queue %s: %w", domain.ErrIO, s.path, err)
	}

	if bytes.IndexByte(data, 0) >= 0 {
		return nil, fmt.Errorf("%w: queue %s is not a text file", domain.ErrIO, s.path)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	entries := make([]*domain.QueueEntry, 0)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		e, err := decodeLine(scanner.Text())
		if err != nil {
			if !errors.Is(err, errBlankLine) {
				s.logger.Warn("Skipping malformed line %d in %s: %v", lineNo, s.path, err)
			}
			continue
		}

		if dupe := findPath(entries, e.LocalPath); dupe != nil {
			s.logger.Warn("Skipping line %d in %s: %s is already queued", lineNo, s.path, e.LocalPath)
			continue
		}

		e.ID = ksuid.New().String()
		entries = append(entries, e)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read queue %s: %w", domain.ErrIO, s.path, err)
	}

	return entries, nil
}

// Save atomically replaces the queue file: the new contents are written to a
// temporary file in the same directory, synced, then renamed over the old one.
func (s *Store) Save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create queue dir: %w", domain.ErrIO, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp queue file: %w", domain.ErrIO, err)
	}
	tmpPath := tmp.Name()

	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: save queue %s: %w", domain.ErrIO, s.path, err)
	}

	w := bufio.NewWriter(tmp)
	for _, e := range s.entries {
		if e.Status == domain.StatusDeleted {
			continue
		}
		if _, err := w.WriteString(encodeLine(e) + "\n"); err != nil {
			return fail(err)
		}
	}

	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: save queue %s: %w", domain.ErrIO, s.path, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: replace queue %s: %w", domain.ErrIO, s.path, err)
	}

	syncDir(dir)
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

// All returns the live entries in queue order. The pointers are the store's own.
func (s *Store) All() []*domain.QueueEntry {
	out := make([]*domain.QueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Status != domain.StatusDeleted {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	n := 0
	for _, e := range s.entries {
		if e.Status != domain.StatusDeleted {
			n++
		}
	}
	return n
}

func (s *Store) At(index int) (*domain.QueueEntry, error) {
	raw, err := s.rawIndex(index)
	if err != nil {
		return nil, err
	}
	return s.entries[raw], nil
}

// Get finds an entry by id, tombstones included.
func (s *Store) Get(id string) *domain.QueueEntry {
	for _, e := range s.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// FindPath returns the live entry targeting path, if any.
func (s *Store) FindPath(path string) *domain.QueueEntry {
	return findPath(s.entries, path)
}

// Holding returns the entry that still owns path, tombstones included. A
// deleted entry keeps its path until its worker has released the file.
func (s *Store) Holding(path string) *domain.QueueEntry {
	for _, e := range s.entries {
		if e.SamePath(path) {
			return e
		}
	}
	return nil
}

// Replace installs live as the queue in the given order. Tombstones are kept
// after it; entries without an id get one.
func (s *Store) Replace(live []*domain.QueueEntry) {
	next := make([]*domain.QueueEntry, 0, len(live)+1)
	for _, e := range live {
		if e.ID == "" {
			e.ID = ksuid.New().String()
		}
		next = append(next, e)
	}
	for _, e := range s.entries {
		if e.Status == domain.StatusDeleted {
			next = append(next, e)
		}
	}
	s.entries = next
}

func (s *Store) Append(e *domain.QueueEntry) {
	if e.ID == "" {
		e.ID = ksuid.New().String()
	}
	s.entries = append(s.entries, e)
}

// Remove drops the live entry at index.
func (s *Store) Remove(index int) (*domain.QueueEntry, error) {
	raw, err := s.rawIndex(index)
	if err != nil {
		return nil, err
	}
	e := s.entries[raw]
	s.entries = append(s.entries[:raw], s.entries[raw+1:]...)
	return e, nil
}

// Drop removes an entry by id, including tombstones. It reports whether anything was removed.
func (s *Store) Drop(id string) bool {
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Reorder moves the live entry at from so that it ends up at position to.
func (s *Store) Reorder(from, to int) error {
	live := s.All()
	if from < 0 || from >= len(live) || to < 0 || to >= len(live) {
		return fmt.Errorf("%w: move %d -> %d (queue has %d entries)", domain.ErrIndexOutOfRange, from, to, len(live))
	}
	if from == to {
		return nil
	}

	moved := live[from]
	live = append(live[:from], live[from+1:]...)
	live = append(live[:to], append([]*domain.QueueEntry{moved}, live[to:]...)...)

	// Tombstones keep their raw slot; live entries fill the others in the new order
	next := 0
	for i, e := range s.entries {
		if e.Status == domain.StatusDeleted {
			continue
		}
		s.entries[i] = live[next]
		next++
	}
	return nil
}

// Checkpoint captures a deep copy of the queue so a failed persist can be undone.
func (s *Store) Checkpoint() []domain.QueueEntry {
	cp := make([]domain.QueueEntry, len(s.entries))
	for i, e := range s.entries {
		cp[i] = *e
	}
	return cp
}

// Restore rewinds the queue to a checkpoint, reusing entry pointers where ids match.
func (s *Store) Restore(cp []domain.QueueEntry) {
	byID := make(map[string]*domain.QueueEntry, len(s.entries))
	for _, e := range s.entries {
		byID[e.ID] = e
	}

	restored := make([]*domain.QueueEntry, len(cp))
	for i := range cp {
		if e, ok := byID[cp[i].ID]; ok {
			*e = cp[i]
			restored[i] = e
			continue
		}
		e := cp[i]
		restored[i] = &e
	}
	s.entries = restored
}

func (s *Store) rawIndex(index int) (int, error) {
	if index >= 0 {
		n := 0
		for raw, e := range s.entries {
			if e.Status == domain.StatusDeleted {
				continue
			}
			if n == index {
				return raw, nil
			}
			n++
		}
	}
	return -1, fmt.Errorf("%w: %d (queue has %d entries)", domain.ErrIndexOutOfRange, index, s.Len())
}

func findPath(entries []*domain.QueueEntry, path string) *domain.QueueEntry {
	for _, e := range entries {
		if e.Status != domain.StatusDeleted && e.SamePath(path) {
			return e
		}
	}
	return nil
}
