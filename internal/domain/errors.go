package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"syscall"
)

// ErrDuplicateEntry indicates another live entry already targets the same local path
var ErrDuplicateEntry = errors.New("duplicate entry")

// ErrIndexOutOfRange indicates a queue position that does not exist
var ErrIndexOutOfRange = errors.New("index out of range")

// ErrIO wraps queue file and destination file failures
var ErrIO = errors.New("i/o error")

// ErrCancelled is the reason recorded when a user deletes an active download
var ErrCancelled = errors.New("cancelled")

var ErrInvalidURL = errors.New("invalid url")

// ErrNotRetryable is returned by retry() for entries that are not Failed
var ErrNotRetryable = errors.New("entry is not in a failed state")

// ErrDiskFull is reported when the destination filesystem cannot hold the file
var ErrDiskFull = errors.New("not enough free disk space")

type FailureKind int

const (
	KindTransient FailureKind = iota
	KindPermanent
	KindCancelled
)

func (k FailureKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TransferError is a classified transfer failure.
type TransferError struct {
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failure (HTTP %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func Transient(err error) *TransferError {
	return &TransferError{Kind: KindTransient, Err: err}
}

func Permanent(err error) *TransferError {
	return &TransferError{Kind: KindPermanent, Err: err}
}

// HTTPStatusError classifies a non-success HTTP response.
// 408, 429 and 5xx are worth retrying, every other status is not.
func HTTPStatusError(code int, status string) *TransferError {
	err := fmt.Errorf("unexpected HTTP status: %s", status)
	kind := KindPermanent
	if code >= 500 || code == 408 || code == 429 {
		kind = KindTransient
	}
	return &TransferError{Kind: kind, StatusCode: code, Err: err}
}

// Classify maps an arbitrary transfer error onto a FailureKind.
// Local filesystem failures are permanent, network failures are transient.
func Classify(err error) FailureKind {
	if err == nil {
		return KindTransient
	}

	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}

	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}

	if errors.Is(err, ErrDiskFull) || errors.Is(err, syscall.ENOSPC) {
		return KindPermanent
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return KindPermanent
	}

	if errors.Is(err, os.ErrPermission) {
		return KindPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransient
	}

	// DNS failures, TLS hiccups and other network noise
	return KindTransient
}
