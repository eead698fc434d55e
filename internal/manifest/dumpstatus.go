package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dumptools/dumpsync/internal/safety"
)

// dumpStatusDoc mirrors the dumpstatus.json document served at
// <metadata_url>/<dump>/<version>/dumpstatus.json. Unknown fields are
// ignored so schema additions do not break parsing.
type dumpStatusDoc struct {
	Jobs map[string]dumpStatusJob `json:"jobs"`
}

type dumpStatusJob struct {
	Status  string                    `json:"status"`
	Updated string                    `json:"updated"`
	Files   map[string]dumpStatusFile `json:"files"`
}

type dumpStatusFile struct {
	Size int64  `json:"size"`
	URL  string `json:"url"`
	SHA1 string `json:"sha1"`
	MD5  string `json:"md5"`
}

// DumpStatusParser parses Wikimedia dumpstatus.json listings.
type DumpStatusParser struct{}

// Name identifies the listing format.
func (DumpStatusParser) Name() string { return "dumpstatus" }

// ListingPath returns the dumpstatus.json location for a dump version.
func (DumpStatusParser) ListingPath(dump, version string) string {
	return fmt.Sprintf("%s/%s/dumpstatus.json", dump, version)
}

// Parse extracts the files of the selected job. File entries whose URL
// would escape the mirror root are rejected as a parse error rather
// than silently dropped.
func (DumpStatusParser) Parse(data []byte, sel Selection) ([]RemoteFile, error) {
	var doc dumpStatusDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding dumpstatus.json: %w", err)
	}
	if doc.Jobs == nil {
		return nil, fmt.Errorf("dumpstatus.json has no jobs object")
	}

	job, ok := doc.Jobs[sel.Job]
	if !ok {
		return nil, fmt.Errorf("job %q not found in dumpstatus.json (have: %s)",
			sel.Job, strings.Join(jobNames(doc.Jobs), ", "))
	}
	if job.Status != "done" {
		return nil, fmt.Errorf("job %q is not complete (status %q)", sel.Job, job.Status)
	}

	files := make([]RemoteFile, 0, len(job.Files))
	for name, meta := range job.Files {
		if sel.FileRegex != nil && !sel.FileRegex.MatchString(name) {
			continue
		}

		// The url field is absolute-path-style ("/enwiki/.../file");
		// the relative path under the mirror root is what we key on.
		raw := meta.URL
		if raw == "" {
			raw = name
		}
		rel, err := safety.CleanRelativePath(strings.TrimPrefix(raw, "/"))
		if err != nil {
			return nil, fmt.Errorf("file %q has unsafe url %q: %w", name, meta.URL, err)
		}

		f := RemoteFile{
			Path: rel,
			Size: meta.Size,
		}
		if meta.SHA1 != "" {
			f.Checksum = strings.ToLower(meta.SHA1)
			f.ChecksumAlgo = AlgoSHA1
		}
		files = append(files, f)
	}

	// Map iteration order is random; callers expect a stable listing.
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func jobNames(jobs map[string]dumpStatusJob) []string {
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
