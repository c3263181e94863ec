package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrDestinationBusy means another transfer already has the file open.
var ErrDestinationBusy = errors.New("destination file is already being written")

type fileHandle struct {
	path string
	file *os.File
	fw   *FileWriter
}

// FileWriter hands out at most one open handle per destination path, so two
// transfers can never interleave writes into the same file.
type FileWriter struct {
	mu      sync.Mutex
	handles map[string]*fileHandle
}

func NewFileWriter() *FileWriter {
	return &FileWriter{
		handles: make(map[string]*fileHandle),
	}
}

// Open prepares path for writing at offset. Offset 0 truncates the file,
// anything else keeps the first offset bytes and appends after them.
func (fw *FileWriter) Open(path string, offset int64) (*fileHandle, error) {
	key := filepath.Clean(path)

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, ok := fw.handles[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDestinationBusy, path)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open destination file: %w", err)
	}

	if offset > 0 {
		// Drop anything past offset so the resumed stream lines up exactly
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return nil, fmt.Errorf("could not truncate destination file: %w", err)
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("could not seek destination file: %w", err)
		}
	}

	h := &fileHandle{path: key, file: f, fw: fw}
	fw.handles[key] = h
	return h, nil
}

// Busy reports whether a transfer currently holds path.
func (fw *FileWriter) Busy(path string) bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, ok := fw.handles[filepath.Clean(path)]
	return ok
}

func (h *fileHandle) Write(p []byte) (int, error) {
	return h.file.Write(p)
}

// Close syncs the written bytes to disk and releases the path.
func (h *fileHandle) Close() error {
	h.fw.mu.Lock()
	if h.fw.handles[h.path] == h {
		delete(h.fw.handles, h.path)
	}
	h.fw.mu.Unlock()

	syncErr := h.file.Sync()
	closeErr := h.file.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

func (fw *FileWriter) CloseAll() {
	fw.mu.Lock()
	handles := make([]*fileHandle, 0, len(fw.handles))
	for _, h := range fw.handles {
		handles = append(handles, h)
	}
	fw.mu.Unlock()

	for _, h := range handles {
		_ = h.Close() // Ignore error on global cleanup
	}
}
