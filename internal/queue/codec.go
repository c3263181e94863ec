package queue

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/datallboy/gopodq/internal/domain"
)

const unknownSizeToken = "-"

var errBlankLine = errors.New("blank line")

// legacyStatus maps the trailing tags written by older podcast downloaders.
var legacyStatus = map[string]domain.EntryStatus{
	"downloaded": domain.StatusFinished,
	"played":     domain.StatusFinished,
	"finished":   domain.StatusFinished,
}

var knownStatus = map[string]domain.EntryStatus{
	string(domain.StatusQueued):            domain.StatusQueued,
	string(domain.StatusDownloading):       domain.StatusQueued, // in-flight transfers resume as queued
	string(domain.StatusPaused):            domain.StatusPaused,
	string(domain.StatusFinished):          domain.StatusFinished,
	string(domain.StatusFailed):            domain.StatusFailed,
	string(domain.StatusAlreadyDownloaded): domain.StatusAlreadyDownloaded,
}

// encodeLine renders one entry as: "URL" "PATH" STATUS DONE TOTAL ["ERROR"]
func encodeLine(e *domain.QueueEntry) string {
	total := unknownSizeToken
	if e.HasTotal() {
		total = strconv.FormatInt(e.BytesTotal, 10)
	}

	var b strings.Builder
	b.WriteString(quote(e.URL))
	b.WriteByte(' ')
	b.WriteString(quote(e.LocalPath))
	b.WriteByte(' ')
	b.WriteString(string(e.Status))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(e.BytesDone, 10))
	b.WriteByte(' ')
	b.WriteString(total)

	if e.LastError != "" {
		b.WriteByte(' ')
		b.WriteString(quote(e.LastError))
	}
	return b.String()
}

// decodeLine parses a queue line. Only the URL and the path are mandatory so
// files written by older versions still load.
func decodeLine(line string) (*domain.QueueEntry, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil, errBlankLine
	}

	tokens, err := tokenize(trimmed)
	if err != nil {
		return nil, err
	}

	if len(tokens) < 2 {
		return nil, fmt.Errorf("expected at least url and path, got %d field(s)", len(tokens))
	}

	if tokens[0] == "" {
		return nil, errors.New("empty url")
	}
	if tokens[1] == "" {
		return nil, errors.New("empty path")
	}

	e := &domain.QueueEntry{
		URL:        tokens[0],
		LocalPath:  tokens[1],
		Status:     domain.StatusQueued,
		BytesTotal: domain.SizeUnknown,
	}

	if len(tokens) > 2 {
		tag := strings.ToLower(tokens[2])
		status, ok := knownStatus[tag]
		if !ok {
			status, ok = legacyStatus[tag]
		}
		if !ok {
			return nil, fmt.Errorf("unknown status %q", tokens[2])
		}
		e.Status = status
	}

	if len(tokens) > 3 {
		done, err := strconv.ParseInt(tokens[3], 10, 64)
		if err != nil || done < 0 {
			return nil, fmt.Errorf("invalid bytes-done %q", tokens[3])
		}
		e.BytesDone = done
	}

	if len(tokens) > 4 && tokens[4] != unknownSizeToken {
		total, err := strconv.ParseInt(tokens[4], 10, 64)
		if err != nil || total < 0 {
			return nil, fmt.Errorf("invalid bytes-total %q", tokens[4])
		}
		e.BytesTotal = total
	}

	// A total smaller than what we already have is stale; let the next
	// transfer rediscover it.
	if e.HasTotal() && e.BytesDone > e.BytesTotal {
		e.BytesTotal = domain.SizeUnknown
	}

	if len(tokens) > 5 {
		e.LastError = tokens[5]
	}

	return e, nil
}
