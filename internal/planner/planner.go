// Package planner diffs a remote manifest against local download state
// and emits the minimal ordered set of transfers. It performs no I/O;
// the plan is a pure, deterministic function of its inputs.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/dumptools/dumpsync/internal/manifest"
	"github.com/dumptools/dumpsync/internal/safety"
	"github.com/dumptools/dumpsync/internal/state"
)

// Reasons a file is included in a plan.
const (
	ReasonNew        = "new file"
	ReasonRetry      = "retry after failure"
	ReasonResume     = "resume interrupted transfer"
	ReasonChanged    = "remote file changed"
	ReasonIncomplete = "incomplete previous run"
)

// Task is one planned transfer, consumed by the transfer engine.
type Task struct {
	// Path is the mirror-relative path, the identity shared with the
	// manifest and the state store.
	Path string

	SourceURL    string // absolute download URL on the mirror
	DestPath     string // absolute local destination
	ResumeOffset int64  // byte offset to continue from, 0 for fresh

	ExpectedSize     int64
	ExpectedChecksum string
	ChecksumAlgo     string

	Reason string
}

// Plan is the ordered transfer set for one run.
type Plan struct {
	Dump    string
	Version string
	Job     string

	// Tasks are ordered largest-expected-size-first so long transfers
	// start immediately and small files fill remaining worker slots.
	// Ties break lexicographically by path for determinism.
	Tasks []Task

	// Resets lists verified paths whose remote metadata changed; the
	// orchestrator resets these to pending before executing.
	Resets []string

	// UpToDate counts verified files skipped as already current.
	UpToDate int
}

// BytesToTransfer returns the total expected bytes across all tasks,
// net of resume offsets.
func (p *Plan) BytesToTransfer() int64 {
	return lo.SumBy(p.Tasks, func(t Task) int64 {
		if t.ExpectedSize > t.ResumeOffset {
			return t.ExpectedSize - t.ResumeOffset
		}
		return 0
	})
}

// Build computes the transfer plan for a manifest against the current
// state map. mirrorURL is the base URL file bytes are fetched from;
// outDir is the local output root every destination must stay inside.
func Build(m *manifest.Manifest, states map[string]state.FileState, mirrorURL, outDir string) (*Plan, error) {
	plan := &Plan{
		Dump:    m.Dump,
		Version: m.Version,
		Job:     m.Job,
	}
	base := strings.TrimRight(mirrorURL, "/")

	for _, remote := range m.Files {
		dest, err := safety.DestPath(outDir, remote.Path)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", remote.Path, err)
		}

		task := Task{
			Path:             remote.Path,
			SourceURL:        base + "/" + remote.Path,
			DestPath:         dest,
			ExpectedSize:     remote.Size,
			ExpectedChecksum: remote.Checksum,
			ChecksumAlgo:     remote.ChecksumAlgo,
		}

		st, tracked := states[remote.Path]
		switch {
		case !tracked, st.Status == state.StatusPending:
			task.Reason = ReasonNew

		case st.Status == state.StatusFailed:
			task.Reason = ReasonRetry

		case st.Status == state.StatusInProgress:
			// Crashed mid-transfer on a prior run. Resume only when the
			// remote still matches what the partial bytes were fetched
			// against; otherwise the prefix is worthless.
			task.Reason = ReasonIncomplete
			if remoteMatches(remote, st) && st.BytesDownloaded > 0 {
				task.Reason = ReasonResume
				task.ResumeOffset = st.BytesDownloaded
			}

		case st.Status == state.StatusVerified:
			if remoteMatches(remote, st) {
				plan.UpToDate++
				continue
			}
			task.Reason = ReasonChanged
			plan.Resets = append(plan.Resets, remote.Path)

		default:
			// Unknown statuses were degraded to pending by the store;
			// reaching here means a new status was added without a
			// planner rule.
			return nil, fmt.Errorf("unhandled file state %q for %s", st.Status, remote.Path)
		}

		plan.Tasks = append(plan.Tasks, task)
	}

	sort.Slice(plan.Tasks, func(i, j int) bool {
		a, b := plan.Tasks[i], plan.Tasks[j]
		if a.ExpectedSize != b.ExpectedSize {
			return a.ExpectedSize > b.ExpectedSize
		}
		return a.Path < b.Path
	})
	sort.Strings(plan.Resets)

	return plan, nil
}

// remoteMatches reports whether the manifest entry still describes the
// same content the local state was recorded against. The checksum is
// authoritative when both sides carry one; size is the fallback.
func remoteMatches(remote manifest.RemoteFile, st state.FileState) bool {
	if remote.Checksum != "" && st.Checksum != "" {
		return remote.Checksum == st.Checksum && remote.ChecksumAlgo == st.ChecksumAlgo
	}
	if remote.Size > 0 && st.Size > 0 {
		return remote.Size == st.Size
	}
	// Neither side has comparable metadata; assume unchanged.
	return true
}
