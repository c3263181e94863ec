package controller

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/datallboy/gopodq/internal/domain"
)

var badChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)

// parseURL accepts absolute http and https URLs only.
func parseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty url", domain.ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", domain.ErrInvalidURL, raw)
	}
	return u, nil
}

// resolvePath picks the destination for u. An empty localPath derives the
// file name from the URL; a relative one is placed under dir.
func resolvePath(dir string, u *url.URL, localPath string) string {
	localPath = strings.TrimSpace(localPath)
	if localPath == "" {
		return filepath.Join(dir, fileNameFromURL(u))
	}
	if !filepath.IsAbs(localPath) {
		return filepath.Join(dir, localPath)
	}
	return filepath.Clean(localPath)
}

// fileNameFromURL uses the last path segment, falling back to the host name.
func fileNameFromURL(u *url.URL) string {
	name := path.Base(u.Path)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}

	name = sanitizeFileName(name)
	if name == "" || name == "." || name == ".." || name == "_" {
		name = sanitizeFileName(u.Hostname()) + ".download"
	}
	return name
}

// sanitizeFileName removes OS-illegal characters
func sanitizeFileName(name string) string {
	res := badChars.ReplaceAllString(name, "_")
	return strings.TrimSpace(res)
}
