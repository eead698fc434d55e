// Package safety guards filesystem and URL handling against hostile
// manifest entries. Mirror listings are untrusted input: a file name
// like "../../etc/cron.d/x" must never escape the output root.
package safety

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// CleanRelativePath validates and normalizes a manifest-relative path.
// Absolute paths and parent traversal segments are rejected.
func CleanRelativePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is empty")
	}

	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == "." {
		return "", fmt.Errorf("path resolves to current directory")
	}
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("absolute paths are not allowed: %q", p)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("parent traversal is not allowed: %q", p)
	}
	return clean, nil
}

// DestPath joins a manifest-relative path under root and verifies the
// result stays inside root, returning an absolute path.
func DestPath(root, rel string) (string, error) {
	cleanRel, err := CleanRelativePath(rel)
	if err != nil {
		return "", err
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	dest := filepath.Join(rootAbs, cleanRel)

	relCheck, err := filepath.Rel(rootAbs, dest)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if relCheck == ".." || strings.HasPrefix(relCheck, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes output root: %q", rel)
	}
	return dest, nil
}

// ValidateHTTPURL ensures the URL parses as HTTP(S) with a host and
// carries no userinfo.
func ValidateHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL host is required")
	}
	if u.User != nil {
		return nil, fmt.Errorf("URL userinfo is not allowed")
	}
	return u, nil
}
