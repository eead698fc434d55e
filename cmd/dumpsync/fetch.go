package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/dumptools/dumpsync/internal/orchestrator"
	"github.com/dumptools/dumpsync/internal/planner"
)

var (
	fetchDryRun     bool
	fetchNoProgress bool
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download dump files from the configured mirror",
		Long: `Download the selected dump job's files from the mirror.

The fetch command will:
  1. Resolve the dump version and fetch the remote listing
  2. Plan required transfers against the local state database
  3. Execute the plan across a bounded worker pool, resuming partials
  4. Verify checksums and record per-file state durably
  5. Print a run summary and exit non-zero if any transfer failed

Interrupting a fetch is safe: in-flight progress is persisted and the
next invocation resumes where it left off.`,
		Example: `  dumpsync fetch
  dumpsync fetch --dump enwiki --dump-version 20230301
  dumpsync fetch --file-regex 'pages-articles.*\.bz2$' --concurrency 2
  dumpsync fetch --dry-run`,
		RunE: fetchRun,
	}

	cmd.Flags().BoolVar(&fetchDryRun, "dry-run", false, "plan only, do not transfer anything")
	cmd.Flags().BoolVar(&fetchNoProgress, "no-progress", false, "disable the progress bar")

	return cmd
}

func fetchRun(cmd *cobra.Command, args []string) error {
	if globalOrch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if fetchDryRun {
		plan, err := globalOrch.Plan(ctx)
		if err != nil {
			return err
		}
		fmt.Println("DRY RUN: fetch would perform the following transfers:")
		renderPlan(plan)
		return nil
	}

	if !fetchNoProgress {
		fetchProgress.start()
		defer fetchProgress.stop()
	}

	summary, err := globalOrch.Run(ctx, orchestrator.Options{})
	fetchProgress.stop()
	if err != nil {
		if summary != nil {
			printSummary(summary)
		}
		return err
	}

	printSummary(summary)
	if !summary.OK() {
		return fmt.Errorf("fetch completed with %d failed transfers", summary.Failed)
	}
	return nil
}

// printSummary writes the run summary in a stable, parseable layout.
func printSummary(s *orchestrator.RunSummary) {
	fmt.Println("\n=== RUN SUMMARY ===")
	fmt.Printf("Dump:        %s\n", s.Dump)
	fmt.Printf("Version:     %s\n", s.Version)
	fmt.Printf("Job:         %s\n", s.Job)
	fmt.Printf("Succeeded:   %d\n", s.Succeeded)
	fmt.Printf("Failed:      %d\n", s.Failed)
	fmt.Printf("Up-to-date:  %d\n", s.UpToDate)
	fmt.Printf("Transferred: %d bytes (%s)\n", s.BytesTransferred, humanize.Bytes(uint64(s.BytesTransferred)))
	fmt.Printf("Duration:    %s\n", s.Duration.Round(time.Millisecond))

	if len(s.FailedFiles) > 0 {
		fmt.Println("Failed files:")
		for _, ff := range s.FailedFiles {
			fmt.Printf("  - %s: %s\n", ff.Path, ff.Reason)
		}
	}
}

// fetchProgress aggregates per-task byte counts into one bar. Workers
// report cumulative bytes per task; the tracker converts them to
// deltas.
var fetchProgress = &progressTracker{last: make(map[string]int64)}

type progressTracker struct {
	mu   sync.Mutex
	bar  *progressbar.ProgressBar
	last map[string]int64
}

func (t *progressTracker) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bar = progressbar.DefaultBytes(-1, "downloading")
}

func (t *progressTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar != nil {
		_ = t.bar.Finish()
		t.bar = nil
	}
}

func (t *progressTracker) hook(task planner.Task, done, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar == nil {
		return
	}
	if delta := done - t.last[task.Path]; delta > 0 {
		_ = t.bar.Add64(delta)
		t.last[task.Path] = done
	}
}

// progressHook exposes the tracker to component wiring.
func progressHook() func(planner.Task, int64, int64) {
	return fetchProgress.hook
}
