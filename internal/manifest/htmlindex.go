package manifest

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// anchorPattern matches the href rows of Apache/nginx style directory
// indexes, with an optional trailing size column.
var anchorPattern = regexp.MustCompile(
	`(?i)<a\s+href="([^"?#]+)"[^>]*>.*?</a>\s*(?:[\d]{2}-\w{3}-[\d]{4}\s+[\d:]+\s+(\d+|-))?`)

// IndexEntry is one row of an HTML directory index.
type IndexEntry struct {
	Name  string
	IsDir bool
	Size  int64 // 0 when the index omits it
}

// ParseIndex extracts the entries of an HTML directory index page.
// Navigation rows (parent directory, sort links) are skipped.
func ParseIndex(data []byte) ([]IndexEntry, error) {
	matches := anchorPattern.FindAllStringSubmatch(string(data), -1)
	if matches == nil {
		return nil, fmt.Errorf("no index entries found in HTML listing")
	}

	var entries []IndexEntry
	for _, m := range matches {
		href := m[1]
		if href == "" || href == "/" || href == "../" || href == ".." {
			continue
		}
		if strings.HasPrefix(href, "/") || strings.Contains(href, "://") {
			// Absolute links are navigation, not directory contents.
			continue
		}

		e := IndexEntry{Name: strings.TrimSuffix(href, "/"), IsDir: strings.HasSuffix(href, "/")}
		if m[2] != "" && m[2] != "-" {
			if n, err := strconv.ParseInt(m[2], 10, 64); err == nil {
				e.Size = n
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// HTMLIndexParser parses plain HTML directory indexes. It serves
// mirrors that expose only a file tree, and version discovery. Nested
// directories are expanded by the Fetcher through the Subdirs hook.
type HTMLIndexParser struct{}

// Name identifies the listing format.
func (HTMLIndexParser) Name() string { return "htmlindex" }

// ListingPath returns the index page location for a dump version.
func (HTMLIndexParser) ListingPath(dump, version string) string {
	return fmt.Sprintf("%s/%s/", dump, version)
}

// Parse extracts the files of one index page. sel.BasePath is the
// page's path relative to the mirror root; sel.Job is ignored since a
// file tree has no job structure.
func (HTMLIndexParser) Parse(data []byte, sel Selection) ([]RemoteFile, error) {
	entries, err := ParseIndex(data)
	if err != nil {
		return nil, err
	}

	var files []RemoteFile
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		if sel.FileRegex != nil && !sel.FileRegex.MatchString(e.Name) {
			continue
		}
		files = append(files, RemoteFile{
			Path: path.Join(sel.BasePath, e.Name),
			Size: e.Size,
		})
	}
	return files, nil
}

// Subdirs returns the nested directories of one index page so the
// Fetcher can expand them.
func (HTMLIndexParser) Subdirs(data []byte) ([]string, error) {
	entries, err := ParseIndex(data)
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir {
			dirs = append(dirs, e.Name)
		}
	}
	return dirs, nil
}
