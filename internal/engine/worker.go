package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/datallboy/gopodq/internal/domain"
	"github.com/datallboy/gopodq/internal/infra/logger"
	"github.com/datallboy/gopodq/internal/limiter"
	"github.com/datallboy/gopodq/internal/platform"
)

const maxRedirects = 10

var errReadTimeout = errors.New("no data received within read timeout")

type WorkerOptions struct {
	ChunkSize        int
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	ProgressInterval time.Duration
	UserAgent        string
	MinFreeSpace     int64
}

// Worker streams one remote file into its local path, resuming partial data
// when the server allows it. A single Worker is shared by every scheduler slot.
type Worker struct {
	opts    WorkerOptions
	client  *http.Client
	limiter *limiter.Limiter
	files   *FileWriter
	logger  *logger.Logger
}

func NewWorker(opts WorkerOptions, lim *limiter.Limiter, log *logger.Logger) *Worker {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 * 1024
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 250 * time.Millisecond
	}
	if lim == nil {
		lim = limiter.New(0)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Worker{
		opts: opts,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		limiter: lim,
		files:   NewFileWriter(),
		logger:  log,
	}
}

// Close releases any destination files still open.
func (w *Worker) Close() {
	w.files.CloseAll()
	w.client.CloseIdleConnections()
}

// Transfer downloads lease.Entry. It never deletes bytes already on disk
// unless the server refuses to resume, and it always returns an Outcome.
func (w *Worker) Transfer(ctx context.Context, lease *Lease, report func(domain.Progress)) domain.Outcome {
	e := lease.Entry
	out := domain.Outcome{
		AttemptID:  lease.AttemptID,
		EntryID:    e.ID,
		BytesDone:  e.BytesDone,
		BytesTotal: e.BytesTotal,
		StartedAt:  time.Now(),
	}
	if report == nil {
		report = func(domain.Progress) {}
	}

	err := w.transfer(ctx, lease, &out, report)
	out.FinishedAt = time.Now()
	if err != nil {
		out.Status = domain.StatusFailed
		out.Err = err
		out.Kind = domain.Classify(err)
		return out
	}
	return out
}

func (w *Worker) transfer(ctx context.Context, lease *Lease, out *domain.Outcome, report func(domain.Progress)) error {
	if reason := lease.Cancelled(); reason != nil {
		return cancelled(reason)
	}

	path := lease.Entry.LocalPath
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return domain.Permanent(fmt.Errorf("create destination dir: %w", err))
	}

	offset, err := existingSize(path)
	if err != nil {
		return domain.Permanent(err)
	}

	total := lease.Entry.BytesTotal
	if offset > 0 && total > 0 {
		switch {
		case offset == total:
			w.logger.Info("%s is already complete (%d bytes)", filepath.Base(path), offset)
			out.Status = domain.StatusAlreadyDownloaded
			out.BytesDone, out.BytesTotal = offset, total
			return nil
		case offset > total:
			w.logger.Warn("%s is larger than expected (%d > %d), downloading again", filepath.Base(path), offset, total)
			offset = 0
		}
	}

	// Per-request context so an idle stream can be torn down without touching ctx
	reqCtx, cancelReq := context.WithCancelCause(ctx)
	defer cancelReq(nil)
	watchdog := time.AfterFunc(w.readTimeout(), func() { cancelReq(errReadTimeout) })
	defer watchdog.Stop()

	resp, offset, total, err := w.open(reqCtx, lease.Entry.URL, offset)
	if err != nil {
		return w.wrapNetErr(ctx, reqCtx, err)
	}
	if resp == nil {
		// 416 for a file we already hold completely
		out.Status = domain.StatusFinished
		out.BytesDone, out.BytesTotal = offset, offset
		report(domain.Progress{EntryID: lease.Entry.ID, BytesDone: offset, BytesTotal: offset})
		return nil
	}
	defer resp.Body.Close()

	out.BytesDone, out.BytesTotal = offset, total

	if total > 0 {
		if err := platform.EnsureSpace(dir, total-offset, w.opts.MinFreeSpace); err != nil {
			if errors.Is(err, domain.ErrDiskFull) {
				return domain.Permanent(err)
			}
			w.logger.Debug("Skipping free space check for %s: %v", dir, err)
		}
	}

	h, err := w.files.Open(path, offset)
	if err != nil {
		return domain.Permanent(err)
	}

	body := &idleReader{r: resp.Body, watchdog: watchdog, timeout: w.readTimeout()}
	copyErr := w.stream(ctx, reqCtx, watchdog, lease, h, body, out, report)
	if err := h.Close(); err != nil && copyErr == nil {
		copyErr = domain.Permanent(fmt.Errorf("write %s: %w", path, err))
	}
	report(domain.Progress{EntryID: lease.Entry.ID, BytesDone: out.BytesDone, BytesTotal: out.BytesTotal})
	if copyErr != nil {
		return copyErr
	}

	if out.BytesTotal >= 0 && out.BytesDone != out.BytesTotal {
		return domain.Transient(fmt.Errorf("connection closed after %d of %d bytes", out.BytesDone, out.BytesTotal))
	}

	out.Status = domain.StatusFinished
	out.BytesTotal = out.BytesDone
	return nil
}

// open issues the request, resuming from offset when possible. It returns the
// response positioned at the returned offset, or a nil response when the
// server says the local file is already complete.
func (w *Worker) open(ctx context.Context, url string, offset int64) (*http.Response, int64, int64, error) {
	resp, err := w.get(ctx, url, offset)
	if err != nil {
		return nil, 0, 0, err
	}

	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			resp.Body.Close()
			return nil, 0, 0, domain.Permanent(fmt.Errorf("malformed Content-Range %q for resume at %d",
				resp.Header.Get("Content-Range"), offset))
		}
		w.logger.Debug("Resuming %s at byte %d", url, offset)
		return resp, offset, total, nil

	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			w.logger.Info("Server ignored range request for %s, starting over", url)
		}
		return resp, 0, sizeOrUnknown(resp.ContentLength), nil

	case offset > 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		_, total, _ := parseContentRange(resp.Header.Get("Content-Range"))
		resp.Body.Close()
		if total == offset {
			return nil, offset, offset, nil
		}

		w.logger.Info("Range %d- not satisfiable for %s, starting over", offset, url)
		return w.open(ctx, url, 0)

	default:
		resp.Body.Close()
		return nil, 0, 0, domain.HTTPStatusError(resp.StatusCode, resp.Status)
	}
}

func (w *Worker) get(ctx context.Context, url string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("%w: %w", domain.ErrInvalidURL, err))
	}
	if w.opts.UserAgent != "" {
		req.Header.Set("User-Agent", w.opts.UserAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	return w.client.Do(req)
}

// stream copies body into h chunk by chunk. Between chunks it honours the
// rate limit and the lease's cancellation flag.
func (w *Worker) stream(ctx, reqCtx context.Context, watchdog *time.Timer, lease *Lease, h *fileHandle,
	body io.Reader, out *domain.Outcome, report func(domain.Progress)) error {

	buf := make([]byte, w.opts.ChunkSize)
	lastReport := time.Now()

	for {
		n, readErr := readChunk(body, buf)
		if n > 0 {
			// Time spent waiting on the limiter is not idle time on the connection
			watchdog.Stop()

			// The chunk is already off the wire, so it is written even if the wait was cut short
			waitErr := w.limiter.Acquire(ctx, n)
			watchdog.Reset(w.readTimeout())

			if _, err := h.Write(buf[:n]); err != nil {
				return domain.Permanent(fmt.Errorf("write %s: %w", h.path, err))
			}
			out.BytesDone += int64(n)

			if time.Since(lastReport) >= w.opts.ProgressInterval {
				report(domain.Progress{EntryID: lease.Entry.ID, BytesDone: out.BytesDone, BytesTotal: out.BytesTotal})
				lastReport = time.Now()
			}

			if reason := lease.Cancelled(); reason != nil {
				return cancelled(reason)
			}
			if waitErr != nil {
				return w.wrapNetErr(ctx, reqCtx, waitErr)
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			if reason := lease.Cancelled(); reason != nil {
				return cancelled(reason)
			}
			return w.wrapNetErr(ctx, reqCtx, readErr)
		}
	}
}

// wrapNetErr turns request failures into classified errors, telling a read
// timeout or shutdown apart from a plain network failure.
func (w *Worker) wrapNetErr(ctx, reqCtx context.Context, err error) error {
	var te *domain.TransferError
	if errors.As(err, &te) {
		return err
	}
	if ctx.Err() != nil {
		return cancelled(ErrStopped)
	}
	if errors.Is(context.Cause(reqCtx), errReadTimeout) {
		return domain.Transient(fmt.Errorf("%w after %s", errReadTimeout, w.readTimeout()))
	}
	return domain.Transient(err)
}

func (w *Worker) readTimeout() time.Duration {
	if w.opts.ReadTimeout > 0 {
		return w.opts.ReadTimeout
	}
	return 60 * time.Second
}

func cancelled(reason error) error {
	return &domain.TransferError{Kind: domain.KindCancelled, Err: reason}
}

// idleReader pushes the watchdog back every time the body delivers bytes, so
// only a stalled connection trips it, however long a chunk takes to fill.
type idleReader struct {
	r        io.Reader
	watchdog *time.Timer
	timeout  time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.watchdog.Reset(ir.timeout)
	}
	return n, err
}

// readChunk fills buf unless the stream ends or fails first.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func existingSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat destination: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("destination %s is a directory", path)
	}
	return info.Size(), nil
}

func sizeOrUnknown(n int64) int64 {
	if n < 0 {
		return domain.SizeUnknown
	}
	return n
}

// parseContentRange reads "bytes START-END/TOTAL" and "bytes */TOTAL".
// A "*" total is reported as SizeUnknown; start is -1 for the unsatisfied form.
func parseContentRange(v string) (start, total int64, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !found {
		return -1, domain.SizeUnknown, false
	}

	rng, size, found := strings.Cut(rest, "/")
	if !found {
		return -1, domain.SizeUnknown, false
	}

	total = domain.SizeUnknown
	if size != "*" {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			return -1, domain.SizeUnknown, false
		}
		total = n
	}

	if rng == "*" {
		return -1, total, true
	}

	first, last, found := strings.Cut(rng, "-")
	if !found {
		return -1, domain.SizeUnknown, false
	}
	s, err := strconv.ParseInt(first, 10, 64)
	if err != nil || s < 0 {
		return -1, domain.SizeUnknown, false
	}
	e, err := strconv.ParseInt(last, 10, 64)
	if err != nil || e < s {
		return -1, domain.SizeUnknown, false
	}
	return s, total, true
}
