package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/gopodq/internal/domain"
	"github.com/datallboy/gopodq/internal/infra/logger"
)

func payload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// rangeServer serves data with full Range support and remembers the Range headers it saw.
type rangeServer struct {
	*httptest.Server
	mu       sync.Mutex
	ranges   []string
	requests atomic.Int32
}

func newRangeServer(t *testing.T, data []byte) *rangeServer {
	rs := &rangeServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.requests.Add(1)
		rs.mu.Lock()
		rs.ranges = append(rs.ranges, r.Header.Get("Range"))
		rs.mu.Unlock()
		http.ServeContent(w, r, "episode.mp3", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *rangeServer) lastRange() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.ranges) == 0 {
		return ""
	}
	return rs.ranges[len(rs.ranges)-1]
}

func newTestWorker(opts WorkerOptions) *Worker {
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 32 * 1024
	}
	return NewWorker(opts, nil, logger.Discard())
}

func testLease(url, path string) *Lease {
	return NewLease(domain.QueueEntry{
		ID:         "entry-1",
		URL:        url,
		LocalPath:  path,
		Status:     domain.StatusDownloading,
		BytesTotal: domain.SizeUnknown,
	}, "attempt-1")
}

func TestTransferFullDownload(t *testing.T) {
	data := payload(t, 300*1024)
	srv := newRangeServer(t, data)
	path := filepath.Join(t.TempDir(), "show", "ep.mp3")

	var reports []domain.Progress
	w := newTestWorker(WorkerOptions{ProgressInterval: time.Nanosecond})
	out := w.Transfer(context.Background(), testLease(srv.URL, path), func(p domain.Progress) {
		reports = append(reports, p)
	})

	require.NoError(t, out.Err)
	assert.Equal(t, domain.StatusFinished, out.Status)
	assert.Equal(t, int64(len(data)), out.BytesDone)
	assert.Equal(t, int64(len(data)), out.BytesTotal)
	assert.Equal(t, "attempt-1", out.AttemptID)
	assert.Empty(t, srv.lastRange())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NotEmpty(t, reports)
	for i := 1; i < len(reports); i++ {
		assert.GreaterOrEqual(t, reports[i].BytesDone, reports[i-1].BytesDone)
	}
	assert.Equal(t, int64(len(data)), reports[len(reports)-1].BytesDone)
}

func TestTransferResumesPartialFile(t *testing.T) {
	data := payload(t, 10_000_000)
	srv := newRangeServer(t, data)
	path := filepath.Join(t.TempDir(), "ep.mp3")
	require.NoError(t, os.WriteFile(path, data[:4_000_000], 0644))

	w := newTestWorker(WorkerOptions{ChunkSize: 256 * 1024})
	out := w.Transfer(context.Background(), testLease(srv.URL, path), nil)

	require.NoError(t, out.Err)
	assert.Equal(t, domain.StatusFinished, out.Status)
	assert.Equal(t, "bytes=4000000-", srv.lastRange())
	assert.Equal(t, int64(10_000_000), out.BytesDone)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "resumed file differs from source")
}

func TestTransferRestartsWhenRangeIgnored(t *testing.T) {
	data := payload(t, 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "65536")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "ep.mp3")
	require.NoError(t, os.WriteFile(path, []byte("stale partial bytes"), 0644))

	out := newTestWorker(WorkerOptions{}).Transfer(context.Background(), testLease(srv.URL, path), nil)
	require.NoError(t, out.Err)
	assert.Equal(t, domain.StatusFinished, out.Status)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTransferAlreadyDownloaded(t *testing.T) {
	data := payload(t, 1024)
	srv := newRangeServer(t, data)
	path := filepath.Join(t.TempDir(), "ep.mp3")
	require.NoError(t, os.WriteFile(path, data, 0644))

	lease := testLease(srv.URL, path)
	lease.Entry.BytesTotal = int64(len(data))

	out := newTestWorker(WorkerOptions{}).Transfer(context.Background(), lease, nil)
	require.NoError(t, out.Err)
	assert.Equal(t, domain.StatusAlreadyDownloaded, out.Status)
	assert.Equal(t, int32(0), srv.requests.Load())
}

func TestTransferUnsatisfiableRangeOnCompleteFile(t *testing.T) {
	data := payload(t, 2048)
	srv := newRangeServer(t, data)
	path := filepath.Join(t.TempDir(), "ep.mp3")
	require.NoError(t, os.WriteFile(path, data, 0644))

	// Total unknown, so the worker has to ask the server
	out := newTestWorker(WorkerOptions{}).Transfer(context.Background(), testLease(srv.URL, path), nil)
	require.NoError(t, out.Err)
	assert.Equal(t, domain.StatusFinished, out.Status)
	assert.Equal(t, int64(len(data)), out.BytesDone)
	assert.Equal(t, "bytes=2048-", srv.lastRange())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTransferUnsatisfiableRangeRestarts(t *testing.T) {
	data := payload(t, 2048)
	srv := newRangeServer(t, data)
	path := filepath.Join(t.TempDir(), "ep.mp3")

	// Local file is longer than the remote one, so the range cannot be served
	require.NoError(t, os.WriteFile(path, payload(t, 4096), 0644))

	out := newTestWorker(WorkerOptions{}).Transfer(context.Background(), testLease(srv.URL, path), nil)
	require.NoError(t, out.Err)
	assert.Equal(t, domain.StatusFinished, out.Status)
	assert.Equal(t, int32(2), srv.requests.Load())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTransferHTTPErrors(t *testing.T) {
	tests := []struct {
		code int
		kind domain.FailureKind
	}{
		{http.StatusNotFound, domain.KindPermanent},
		{http.StatusForbidden, domain.KindPermanent},
		{http.StatusInternalServerError, domain.KindTransient},
		{http.StatusServiceUnavailable, domain.KindTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			}))
			defer srv.Close()

			path := filepath.Join(t.TempDir(), "ep.mp3")
			out := newTestWorker(WorkerOptions{}).Transfer(context.Background(), testLease(srv.URL, path), nil)

			assert.Equal(t, domain.StatusFailed, out.Status)
			assert.Equal(t, tt.kind, out.Kind)
			require.Error(t, out.Err)

			// Nothing was written for a failed request
			_, err := os.Stat(path)
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestTransferMalformedContentRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "ep.mp3")
	require.NoError(t, os.WriteFile(path, []byte("01234"), 0644))

	out := newTestWorker(WorkerOptions{}).Transfer(context.Background(), testLease(srv.URL, path), nil)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, domain.KindPermanent, out.Kind)

	// The partial file is never thrown away on failure
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("01234"), got)
}

func TestTransferShortBodyIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 400))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "ep.mp3")
	out := newTestWorker(WorkerOptions{}).Transfer(context.Background(), testLease(srv.URL, path), nil)

	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, domain.KindTransient, out.Kind)
	assert.Equal(t, int64(400), out.BytesDone)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(400), info.Size())
}

func TestTransferIdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 100))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "ep.mp3")
	start := time.Now()
	out := newTestWorker(WorkerOptions{ReadTimeout: 200 * time.Millisecond}).
		Transfer(context.Background(), testLease(srv.URL, path), nil)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, domain.KindTransient, out.Kind)
	assert.ErrorIs(t, out.Err, errReadTimeout)
}

func TestTransferSlowStreamIsNotIdle(t *testing.T) {
	data := payload(t, 20*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "20480")
		w.WriteHeader(http.StatusOK)
		for off := 0; off < len(data); off += 1024 {
			if _, err := w.Write(data[off : off+1024]); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			time.Sleep(100 * time.Millisecond)
		}
	}))
	defer srv.Close()

	// A whole chunk takes about 2s to arrive, far longer than the read timeout
	path := filepath.Join(t.TempDir(), "ep.mp3")
	out := newTestWorker(WorkerOptions{ReadTimeout: 500 * time.Millisecond, ChunkSize: 64 * 1024}).
		Transfer(context.Background(), testLease(srv.URL, path), nil)

	require.NoError(t, out.Err)
	assert.Equal(t, domain.StatusFinished, out.Status)
	assert.Equal(t, int64(len(data)), out.BytesDone)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTransferCancelStopsAtChunkBoundary(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(http.StatusOK)
		chunk := make([]byte, 16*1024)
		for i := 0; i < 64; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			if i == 1 {
				select {
				case <-release:
				case <-r.Context().Done():
					return
				}
			}
		}
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "ep.mp3")
	lease := testLease(srv.URL, path)

	var once sync.Once
	w := newTestWorker(WorkerOptions{ChunkSize: 16 * 1024, ProgressInterval: time.Nanosecond})
	out := w.Transfer(context.Background(), lease, func(p domain.Progress) {
		if p.BytesDone > 0 {
			once.Do(func() {
				lease.Cancel(domain.ErrCancelled)
				close(release)
			})
		}
	})

	assert.True(t, out.Cancelled())
	assert.ErrorIs(t, out.Err, domain.ErrCancelled)
	assert.Less(t, out.BytesDone, int64(1048576))

	// Everything reported as done is on disk
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, out.BytesDone, info.Size())
}

func TestTransferCancelledBeforeStart(t *testing.T) {
	srv := newRangeServer(t, payload(t, 10))
	lease := testLease(srv.URL, filepath.Join(t.TempDir(), "ep.mp3"))
	lease.Cancel(ErrPaused)

	out := newTestWorker(WorkerOptions{}).Transfer(context.Background(), lease, nil)
	assert.True(t, out.Cancelled())
	assert.ErrorIs(t, out.Err, ErrPaused)
	assert.Equal(t, int32(0), srv.requests.Load())
}

func TestTransferFollowsRedirects(t *testing.T) {
	data := payload(t, 4096)
	target := newRangeServer(t, data)
	redirect := httptest.NewServer(http.RedirectHandler(target.URL+"/real.mp3", http.StatusFound))
	defer redirect.Close()

	path := filepath.Join(t.TempDir(), "ep.mp3")
	out := newTestWorker(WorkerOptions{}).Transfer(context.Background(), testLease(redirect.URL, path), nil)
	require.NoError(t, out.Err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in    string
		start int64
		total int64
		ok    bool
	}{
		{"bytes 100-199/200", 100, 200, true},
		{"bytes 0-0/*", 0, domain.SizeUnknown, true},
		{"bytes */500", -1, 500, true},
		{"bytes 5-2/10", -1, domain.SizeUnknown, false},
		{"items 0-1/2", -1, domain.SizeUnknown, false},
		{"bytes abc", -1, domain.SizeUnknown, false},
		{"", -1, domain.SizeUnknown, false},
	}

	for _, tt := range tests {
		start, total, ok := parseContentRange(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.start, start, tt.in)
			assert.Equal(t, tt.total, total, tt.in)
		}
	}
}

func TestFileWriterRejectsSecondWriter(t *testing.T) {
	fw := NewFileWriter()
	path := filepath.Join(t.TempDir(), "ep.mp3")

	h, err := fw.Open(path, 0)
	require.NoError(t, err)
	assert.True(t, fw.Busy(path))

	_, err = fw.Open(path, 0)
	assert.ErrorIs(t, err, ErrDestinationBusy)

	_, err = h.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.False(t, fw.Busy(path))

	// Reopening at an offset keeps the prefix
	h, err = fw.Open(path, 3)
	require.NoError(t, err)
	_, err = h.Write([]byte("p!"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "help!", string(got))
}
