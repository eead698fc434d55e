package state

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRunsMigrations(t *testing.T) {
	s := newTestStore(t)

	states, err := s.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("expected empty store, got %d entries", len(states))
	}
}

func TestNewCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "state.db")
	s, err := New(dbPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()
}

func TestTransitionLifecycle(t *testing.T) {
	s := newTestStore(t)
	const path = "enwiki/20230301/a.txt"

	if err := s.BeginTransfer(path, 100, "c1", "sha1"); err != nil {
		t.Fatalf("BeginTransfer() failed: %v", err)
	}

	st, err := s.Get(path)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if st == nil {
		t.Fatal("expected state after BeginTransfer")
	}
	if st.Status != StatusInProgress {
		t.Errorf("expected in_progress, got %s", st.Status)
	}
	if st.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", st.Attempts)
	}
	if st.Size != 100 || st.Checksum != "c1" || st.ChecksumAlgo != "sha1" {
		t.Errorf("expected manifest metadata recorded, got %+v", st)
	}

	if err := s.RecordProgress(path, 40); err != nil {
		t.Fatalf("RecordProgress() failed: %v", err)
	}
	st, _ = s.Get(path)
	if st.BytesDownloaded != 40 {
		t.Errorf("expected 40 bytes recorded, got %d", st.BytesDownloaded)
	}

	if err := s.MarkVerified(path, 100, "computed", "sha1"); err != nil {
		t.Fatalf("MarkVerified() failed: %v", err)
	}
	st, _ = s.Get(path)
	if st.Status != StatusVerified {
		t.Errorf("expected verified, got %s", st.Status)
	}
	if st.Checksum != "computed" {
		t.Errorf("expected computed checksum stored, got %s", st.Checksum)
	}
	if st.BytesDownloaded != 100 {
		t.Errorf("expected bytes to match final size, got %d", st.BytesDownloaded)
	}
}

func TestMarkFailedRecordsReason(t *testing.T) {
	s := newTestStore(t)
	const path = "a.txt"

	if err := s.BeginTransfer(path, 10, "", ""); err != nil {
		t.Fatalf("BeginTransfer() failed: %v", err)
	}
	if err := s.MarkFailed(path, "http error 404: Not Found"); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	st, _ := s.Get(path)
	if st.Status != StatusFailed {
		t.Errorf("expected failed, got %s", st.Status)
	}
	if st.LastError != "http error 404: Not Found" {
		t.Errorf("unexpected last error: %q", st.LastError)
	}
}

func TestRetryIncrementsAttempts(t *testing.T) {
	s := newTestStore(t)
	const path = "a.txt"

	_ = s.BeginTransfer(path, 10, "", "")
	_ = s.MarkFailed(path, "boom")
	_ = s.BeginTransfer(path, 10, "", "")

	st, _ := s.Get(path)
	if st.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", st.Attempts)
	}
	if st.Status != StatusInProgress {
		t.Errorf("expected in_progress after retry, got %s", st.Status)
	}
	if st.LastError != "" {
		t.Errorf("expected last error cleared on retry, got %q", st.LastError)
	}
}

func TestResetPending(t *testing.T) {
	s := newTestStore(t)
	const path = "a.txt"

	_ = s.BeginTransfer(path, 10, "c1", "sha1")
	_ = s.RecordProgress(path, 5)
	_ = s.MarkVerified(path, 10, "c1", "sha1")

	if err := s.ResetPending(path); err != nil {
		t.Fatalf("ResetPending() failed: %v", err)
	}

	st, _ := s.Get(path)
	if st.Status != StatusPending {
		t.Errorf("expected pending, got %s", st.Status)
	}
	if st.BytesDownloaded != 0 {
		t.Errorf("expected progress zeroed, got %d", st.BytesDownloaded)
	}
}

func TestMutationsRequireExistingRow(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordProgress("ghost", 1); err == nil {
		t.Error("RecordProgress on untracked path should fail")
	}
	if err := s.MarkVerified("ghost", 1, "c", "sha1"); err == nil {
		t.Error("MarkVerified on untracked path should fail")
	}
	if err := s.MarkFailed("ghost", "x"); err == nil {
		t.Error("MarkFailed on untracked path should fail")
	}
	if err := s.ResetPending("ghost"); err == nil {
		t.Error("ResetPending on untracked path should fail")
	}
}

func TestGetUntrackedReturnsNil(t *testing.T) {
	s := newTestStore(t)

	st, err := s.Get("nope")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if st != nil {
		t.Errorf("expected nil for untracked path, got %+v", st)
	}
}

func TestLoadDegradesUnknownStatusToPending(t *testing.T) {
	s := newTestStore(t)

	// Simulate a row written by a newer version with a status this
	// build does not know.
	_, err := s.db.Exec(
		`INSERT INTO file_states (path, status, bytes_downloaded) VALUES (?, ?, ?)`,
		"future.txt", "quarantined", 123)
	if err != nil {
		t.Fatalf("failed to insert row: %v", err)
	}

	states, err := s.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	st, ok := states["future.txt"]
	if !ok {
		t.Fatal("expected entry to survive load")
	}
	if st.Status != StatusPending {
		t.Errorf("expected unknown status degraded to pending, got %s", st.Status)
	}
	if st.BytesDownloaded != 0 {
		t.Errorf("expected progress discarded for unknown status, got %d", st.BytesDownloaded)
	}
}

func TestListByStatus(t *testing.T) {
	s := newTestStore(t)

	_ = s.BeginTransfer("b.txt", 10, "", "")
	_ = s.MarkFailed("b.txt", "boom")
	_ = s.BeginTransfer("a.txt", 10, "", "")
	_ = s.MarkFailed("a.txt", "boom")
	_ = s.BeginTransfer("ok.txt", 10, "", "")
	_ = s.MarkVerified("ok.txt", 10, "c", "sha1")

	failed, err := s.ListByStatus(StatusFailed)
	if err != nil {
		t.Fatalf("ListByStatus() failed: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed entries, got %d", len(failed))
	}
	if failed[0].Path != "a.txt" || failed[1].Path != "b.txt" {
		t.Errorf("expected path ordering, got %s, %s", failed[0].Path, failed[1].Path)
	}
}

func TestConcurrentMutations(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "state.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	paths := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			if err := s.BeginTransfer(p, 100, "", ""); err != nil {
				t.Errorf("BeginTransfer(%s) failed: %v", p, err)
				return
			}
			for i := int64(1); i <= 10; i++ {
				if err := s.RecordProgress(p, i*10); err != nil {
					t.Errorf("RecordProgress(%s) failed: %v", p, err)
					return
				}
			}
			if err := s.MarkVerified(p, 100, "c", "sha1"); err != nil {
				t.Errorf("MarkVerified(%s) failed: %v", p, err)
			}
		}(path)
	}
	wg.Wait()

	states, err := s.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	for _, path := range paths {
		if states[path].Status != StatusVerified {
			t.Errorf("expected %s verified, got %s", path, states[path].Status)
		}
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	run := &Run{
		Dump:      "enwiki",
		Version:   "20230301",
		Job:       "xmlstubsdump",
		StartTime: time.Now().UTC(),
		Status:    "running",
	}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	if run.ID == 0 {
		t.Fatal("expected run ID to be set")
	}

	run.EndTime = time.Now().UTC()
	run.Succeeded = 2
	run.BytesTransferred = 30
	run.Status = "success"
	if err := s.UpdateRun(run); err != nil {
		t.Fatalf("UpdateRun() failed: %v", err)
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Succeeded != 2 || runs[0].Status != "success" {
		t.Errorf("unexpected run: %+v", runs[0])
	}
}

func TestUpdateRunMissing(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateRun(&Run{ID: 999, Status: "success"})
	if err == nil {
		t.Error("expected error updating missing run")
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := New(dbPath, logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	_ = s.BeginTransfer("a.txt", 100, "c1", "sha1")
	_ = s.RecordProgress("a.txt", 60)
	s.Close()

	s2, err := New(dbPath, logger)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	st, err := s2.Get("a.txt")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if st == nil || st.Status != StatusInProgress || st.BytesDownloaded != 60 {
		t.Errorf("expected in_progress at 60 bytes after reopen, got %+v", st)
	}
}
