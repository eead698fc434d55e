package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dumptools/dumpsync/internal/manifest"
	"github.com/dumptools/dumpsync/internal/state"
)

const (
	mirror = "https://mirror.example.org/dumps"
	outDir = "/data/dumps"
)

func testManifest(files ...manifest.RemoteFile) *manifest.Manifest {
	m := manifest.NewManifest("enwiki", "20230301", "xmlstubsdump")
	for _, f := range files {
		m.Add(f)
	}
	return m
}

func TestBuildFreshState(t *testing.T) {
	m := testManifest(
		manifest.RemoteFile{Path: "enwiki/20230301/a.txt", Size: 10, Checksum: "c1", ChecksumAlgo: "sha1"},
		manifest.RemoteFile{Path: "enwiki/20230301/b.txt", Size: 20, Checksum: "c2", ChecksumAlgo: "sha1"},
	)

	plan, err := Build(m, nil, mirror, outDir)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 2)

	// Largest first.
	assert.Equal(t, "enwiki/20230301/b.txt", plan.Tasks[0].Path)
	assert.Equal(t, "enwiki/20230301/a.txt", plan.Tasks[1].Path)

	assert.Equal(t, mirror+"/enwiki/20230301/b.txt", plan.Tasks[0].SourceURL)
	assert.Equal(t, ReasonNew, plan.Tasks[0].Reason)
	assert.Zero(t, plan.Tasks[0].ResumeOffset)
	assert.Equal(t, 0, plan.UpToDate)
	assert.Equal(t, int64(30), plan.BytesToTransfer())
}

func TestBuildSizeTiesBreakByPath(t *testing.T) {
	m := testManifest(
		manifest.RemoteFile{Path: "z.txt", Size: 10},
		manifest.RemoteFile{Path: "a.txt", Size: 10},
		manifest.RemoteFile{Path: "m.txt", Size: 10},
	)

	plan, err := Build(m, nil, mirror, outDir)
	require.NoError(t, err)

	var paths []string
	for _, task := range plan.Tasks {
		paths = append(paths, task.Path)
	}
	assert.Equal(t, []string{"a.txt", "m.txt", "z.txt"}, paths)
}

func TestBuildSkipsVerifiedUnchanged(t *testing.T) {
	m := testManifest(
		manifest.RemoteFile{Path: "a.txt", Size: 10, Checksum: "c1", ChecksumAlgo: "sha1"},
	)
	states := map[string]state.FileState{
		"a.txt": {Path: "a.txt", Status: state.StatusVerified, Size: 10, Checksum: "c1", ChecksumAlgo: "sha1"},
	}

	plan, err := Build(m, states, mirror, outDir)
	require.NoError(t, err)
	assert.Empty(t, plan.Tasks)
	assert.Equal(t, 1, plan.UpToDate)
	assert.Empty(t, plan.Resets)
}

func TestBuildVerifiedChangedChecksum(t *testing.T) {
	m := testManifest(
		manifest.RemoteFile{Path: "a.txt", Size: 10, Checksum: "new", ChecksumAlgo: "sha1"},
	)
	states := map[string]state.FileState{
		"a.txt": {Path: "a.txt", Status: state.StatusVerified, Size: 10, Checksum: "old", ChecksumAlgo: "sha1", BytesDownloaded: 10},
	}

	plan, err := Build(m, states, mirror, outDir)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)

	assert.Equal(t, ReasonChanged, plan.Tasks[0].Reason)
	assert.Zero(t, plan.Tasks[0].ResumeOffset, "changed files restart from scratch")
	assert.Equal(t, []string{"a.txt"}, plan.Resets)
}

func TestBuildVerifiedChangedSizeNoChecksum(t *testing.T) {
	m := testManifest(manifest.RemoteFile{Path: "a.txt", Size: 99})
	states := map[string]state.FileState{
		"a.txt": {Path: "a.txt", Status: state.StatusVerified, Size: 10},
	}

	plan, err := Build(m, states, mirror, outDir)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, ReasonChanged, plan.Tasks[0].Reason)
}

func TestBuildResumesInterrupted(t *testing.T) {
	m := testManifest(
		manifest.RemoteFile{Path: "a.txt", Size: 100, Checksum: "c1", ChecksumAlgo: "sha1"},
	)
	states := map[string]state.FileState{
		"a.txt": {Path: "a.txt", Status: state.StatusInProgress, Size: 100, Checksum: "c1", ChecksumAlgo: "sha1", BytesDownloaded: 40},
	}

	plan, err := Build(m, states, mirror, outDir)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)

	assert.Equal(t, ReasonResume, plan.Tasks[0].Reason)
	assert.Equal(t, int64(40), plan.Tasks[0].ResumeOffset)
	assert.Equal(t, int64(60), plan.BytesToTransfer())
}

func TestBuildInterruptedButChangedRestartsFresh(t *testing.T) {
	m := testManifest(
		manifest.RemoteFile{Path: "a.txt", Size: 100, Checksum: "new", ChecksumAlgo: "sha1"},
	)
	states := map[string]state.FileState{
		"a.txt": {Path: "a.txt", Status: state.StatusInProgress, Size: 100, Checksum: "old", ChecksumAlgo: "sha1", BytesDownloaded: 40},
	}

	plan, err := Build(m, states, mirror, outDir)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, ReasonIncomplete, plan.Tasks[0].Reason)
	assert.Zero(t, plan.Tasks[0].ResumeOffset, "a stale partial prefix is worthless")
}

func TestBuildRetriesFailed(t *testing.T) {
	m := testManifest(manifest.RemoteFile{Path: "a.txt", Size: 10})
	states := map[string]state.FileState{
		"a.txt": {Path: "a.txt", Status: state.StatusFailed, LastError: "http error 503"},
	}

	plan, err := Build(m, states, mirror, outDir)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, ReasonRetry, plan.Tasks[0].Reason)
}

func TestBuildIgnoresStateForAbsentRemotes(t *testing.T) {
	// Files tracked locally but gone from the manifest produce no tasks.
	m := testManifest(manifest.RemoteFile{Path: "a.txt", Size: 10})
	states := map[string]state.FileState{
		"a.txt":    {Path: "a.txt", Status: state.StatusPending},
		"gone.txt": {Path: "gone.txt", Status: state.StatusVerified},
	}

	plan, err := Build(m, states, mirror, outDir)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "a.txt", plan.Tasks[0].Path)
}

func TestBuildIsDeterministic(t *testing.T) {
	m := testManifest(
		manifest.RemoteFile{Path: "c.txt", Size: 5},
		manifest.RemoteFile{Path: "a.txt", Size: 20},
		manifest.RemoteFile{Path: "b.txt", Size: 20},
		manifest.RemoteFile{Path: "d.txt", Size: 1},
	)
	states := map[string]state.FileState{
		"d.txt": {Path: "d.txt", Status: state.StatusFailed},
	}

	first, err := Build(m, states, mirror, outDir)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Build(m, states, mirror, outDir)
		require.NoError(t, err)
		assert.Equal(t, first.Tasks, again.Tasks)
	}
}

func TestBuildRejectsTraversal(t *testing.T) {
	m := testManifest(manifest.RemoteFile{Path: "../../etc/cron.d/evil", Size: 10})

	_, err := Build(m, nil, mirror, outDir)
	assert.Error(t, err)
}

func TestBuildDestinationsStayUnderOutDir(t *testing.T) {
	m := testManifest(manifest.RemoteFile{Path: "enwiki/20230301/a.txt", Size: 10})

	plan, err := Build(m, nil, mirror, outDir)
	require.NoError(t, err)
	assert.Contains(t, plan.Tasks[0].DestPath, outDir)
}
