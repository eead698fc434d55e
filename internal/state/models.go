package state

import "time"

// Status is the lifecycle state of one tracked file. Transitions:
// pending → in_progress → {verified, failed}; failed → in_progress on
// retry; verified resets to pending only when the remote file changes.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusVerified   Status = "verified"
	StatusFailed     Status = "failed"
)

// valid reports whether s is a known status. Unknown values read from
// disk are degraded to pending rather than trusted.
func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusVerified, StatusFailed:
		return true
	}
	return false
}

// FileState tracks download progress for one mirror-relative path.
type FileState struct {
	Path            string
	Status          Status
	BytesDownloaded int64
	Size            int64  // expected size from the manifest, 0 if unknown
	Checksum        string // last verified or expected digest, hex
	ChecksumAlgo    string
	Attempts        int
	LastError       string
	LastAttempt     time.Time
	UpdatedAt       time.Time
}

// Run records one orchestrator execution.
type Run struct {
	ID               int64
	Dump             string
	Version          string
	Job              string
	StartTime        time.Time
	EndTime          time.Time
	Succeeded        int
	Failed           int
	Skipped          int
	BytesTransferred int64
	Status           string // "running", "success", "partial", "failed"
	ErrorMessage     string
}
