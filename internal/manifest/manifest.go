// Package manifest retrieves and parses remote dump listings into a
// flat, de-duplicated snapshot of the files a mirror offers.
package manifest

import (
	"errors"
	"regexp"
)

// Fetch-time error taxonomy. Callers classify with errors.Is.
var (
	// ErrUnavailable indicates the listing could not be retrieved
	// (network failure, non-2xx response).
	ErrUnavailable = errors.New("manifest unavailable")

	// ErrParse indicates the listing was retrieved but is malformed.
	ErrParse = errors.New("manifest parse error")

	// ErrEmpty indicates a well-formed listing with zero entries.
	// Surfaced separately so callers can decide whether to abort.
	ErrEmpty = errors.New("manifest is empty")
)

// Checksum algorithms carried by listings.
const (
	AlgoSHA1   = "sha1"
	AlgoSHA256 = "sha256"
)

// RemoteFile is one file a mirror offers, as described by the listing.
// Immutable once produced; identity is the relative path.
type RemoteFile struct {
	// Path is the file's path relative to the mirror root,
	// e.g. "enwiki/20230301/enwiki-20230301-pages-articles.xml.bz2".
	Path string

	// Size is the expected size in bytes, 0 when the listing omits it.
	Size int64

	// Checksum is the expected digest in hex, empty when unknown.
	Checksum string

	// ChecksumAlgo tags the digest algorithm (AlgoSHA1, AlgoSHA256).
	ChecksumAlgo string
}

// Manifest is a point-in-time snapshot of the files one dump version
// offers for one job. Paths are unique; first occurrence wins.
type Manifest struct {
	Dump    string
	Version string
	Job     string
	Files   []RemoteFile

	seen map[string]bool
}

// NewManifest returns an empty manifest for the given dump selection.
func NewManifest(dump, version, job string) *Manifest {
	return &Manifest{
		Dump:    dump,
		Version: version,
		Job:     job,
		seen:    make(map[string]bool),
	}
}

// Add appends a file unless its path was already added.
// Returns true if the file was kept.
func (m *Manifest) Add(f RemoteFile) bool {
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[f.Path] {
		return false
	}
	m.seen[f.Path] = true
	m.Files = append(m.Files, f)
	return true
}

// Len returns the number of files in the manifest.
func (m *Manifest) Len() int {
	return len(m.Files)
}

// TotalSize returns the sum of all known file sizes.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// Selection narrows a listing to the files a run cares about.
type Selection struct {
	// Job selects one dump job by name. Required for job-structured
	// listings (dumpstatus.json); ignored by flat listings.
	Job string

	// FileRegex, when non-nil, keeps only files whose base name matches.
	FileRegex *regexp.Regexp

	// BasePath is the listing page's path relative to the mirror root.
	// Flat-tree formats prefix it onto entry names; formats that carry
	// root-relative paths themselves ignore it.
	BasePath string
}

// Parser turns one raw listing document into manifest entries.
// Implementations are stateless; the Fetcher owns retrieval.
type Parser interface {
	// Name identifies the listing format, e.g. "dumpstatus".
	Name() string

	// ListingPath returns the path of the listing document for a dump
	// version, relative to the metadata base URL.
	ListingPath(dump, version string) string

	// Parse extracts the files selected by sel from a raw listing.
	Parse(data []byte, sel Selection) ([]RemoteFile, error)
}

// TreeLister is an optional interface for listing formats that nest.
// When a Parser implements it, the Fetcher expands each reported
// subdirectory into the same flat manifest.
type TreeLister interface {
	Subdirs(data []byte) ([]string, error)
}
