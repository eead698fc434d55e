package manifest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	// maxListingBytes bounds how much of a listing document is read.
	maxListingBytes = 64 << 20

	// maxTreeDepth bounds recursion into nested directory listings.
	maxTreeDepth = 5

	userAgent = "dumpsync/1.0"
)

var versionDirPattern = regexp.MustCompile(`^\d{8}$`)

// Request selects which dump listing to fetch.
type Request struct {
	Dump      string
	Version   string // resolved 8-digit version
	Job       string
	FileRegex *regexp.Regexp
}

// Fetcher retrieves dump listings from the metadata host and expands
// them into a flat Manifest through a pluggable Parser.
type Fetcher struct {
	baseURL string
	client  *http.Client
	parser  Parser
	logger  *slog.Logger
}

// NewFetcher creates a fetcher against the given metadata base URL.
// A nil parser defaults to the dumpstatus.json format.
func NewFetcher(baseURL string, parser Parser, logger *slog.Logger) *Fetcher {
	if parser == nil {
		parser = DumpStatusParser{}
	}
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		parser: parser,
		logger: logger,
	}
}

// Fetch retrieves the listing for req and returns the flattened,
// de-duplicated Manifest. Failures are tagged ErrUnavailable or
// ErrParse; a well-formed listing with zero files returns the (empty)
// manifest together with an ErrEmpty-wrapped error.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Manifest, error) {
	m := NewManifest(req.Dump, req.Version, req.Job)
	sel := Selection{
		Job:       req.Job,
		FileRegex: req.FileRegex,
		BasePath:  path.Join(req.Dump, req.Version),
	}

	if err := f.fetchInto(ctx, m, f.parser.ListingPath(req.Dump, req.Version), sel, 0); err != nil {
		return nil, err
	}

	if m.Len() == 0 {
		return m, fmt.Errorf("%w: %s/%s job %q matched no files",
			ErrEmpty, req.Dump, req.Version, req.Job)
	}

	f.logger.Info("manifest fetched",
		"format", f.parser.Name(),
		"dump", req.Dump,
		"version", req.Version,
		"job", req.Job,
		"files", m.Len(),
		"total_size", m.TotalSize())
	return m, nil
}

// fetchInto parses one listing page into m and, for nesting formats,
// recurses into reported subdirectories.
func (f *Fetcher) fetchInto(ctx context.Context, m *Manifest, listingPath string, sel Selection, depth int) error {
	data, err := f.get(ctx, listingPath)
	if err != nil {
		return err
	}

	files, err := f.parser.Parse(data, sel)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrParse, listingPath, err)
	}
	for _, file := range files {
		if !m.Add(file) {
			f.logger.Debug("duplicate manifest entry skipped", "path", file.Path)
		}
	}

	tl, ok := f.parser.(TreeLister)
	if !ok {
		return nil
	}
	if depth >= maxTreeDepth {
		f.logger.Warn("listing nests deeper than supported, pruning", "path", listingPath)
		return nil
	}

	dirs, err := tl.Subdirs(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrParse, listingPath, err)
	}
	for _, dir := range dirs {
		sub := Selection{
			Job:       sel.Job,
			FileRegex: sel.FileRegex,
			BasePath:  path.Join(sel.BasePath, dir),
		}
		if err := f.fetchInto(ctx, m, strings.TrimRight(listingPath, "/")+"/"+dir+"/", sub, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// ResolveVersion turns a version spec ("latest" or explicit 8 digits)
// into a concrete version, consulting the dump's version index when
// needed.
func (f *Fetcher) ResolveVersion(ctx context.Context, dump, spec string) (string, error) {
	if spec != "latest" {
		if !versionDirPattern.MatchString(spec) {
			return "", fmt.Errorf("%w: invalid version spec %q", ErrParse, spec)
		}
		return spec, nil
	}

	versions, err := f.ListVersions(ctx, dump)
	if err != nil {
		return "", err
	}
	latest := versions[len(versions)-1]
	f.logger.Debug("resolved latest version", "dump", dump, "version", latest)
	return latest, nil
}

// ListVersions returns the dump's available versions in ascending
// order, read from the HTML index of the dump root directory.
func (f *Fetcher) ListVersions(ctx context.Context, dump string) ([]string, error) {
	data, err := f.get(ctx, dump+"/")
	if err != nil {
		return nil, err
	}

	entries, err := ParseIndex(data)
	if err != nil {
		return nil, fmt.Errorf("%w: version index for %s: %v", ErrParse, dump, err)
	}

	var versions []string
	for _, e := range entries {
		if e.IsDir && versionDirPattern.MatchString(e.Name) {
			versions = append(versions, e.Name)
		}
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: no versions found for dump %q", ErrParse, dump)
	}
	sort.Strings(versions)
	return versions, nil
}

// get retrieves one listing document, bounding the body read.
func (f *Fetcher) get(ctx context.Context, p string) ([]byte, error) {
	url := f.baseURL + "/" + p
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request for %s: %v", ErrUnavailable, url, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned %s", ErrUnavailable, url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, url, err)
	}
	if int64(len(data)) > maxListingBytes {
		return nil, fmt.Errorf("%w: %s listing exceeds %d bytes", ErrParse, url, int64(maxListingBytes))
	}
	return data, nil
}
