package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/dumptools/dumpsync/internal/state"
)

var (
	statusFilter string
	statusRuns   int
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display tracked file states and recent runs",
		Long: `Display the persisted download state of every tracked file, plus the
most recent runs. Use --status to filter files by state.`,
		Example: `  dumpsync status
  dumpsync status --status failed
  dumpsync status --runs 20`,
		RunE: statusRun,
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "only show files in this state (pending, in_progress, verified, failed)")
	cmd.Flags().IntVar(&statusRuns, "runs", 5, "number of recent runs to show")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("state store not initialized")
	}

	states, err := globalStore.Load()
	if err != nil {
		return fmt.Errorf("loading file states: %w", err)
	}

	files := lo.Values(states)
	if statusFilter != "" {
		files = lo.Filter(files, func(st state.FileState, _ int) bool {
			return st.Status == state.Status(statusFilter)
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	if len(files) == 0 {
		fmt.Println("No tracked files.")
	} else {
		counts := lo.CountValuesBy(files, func(st state.FileState) state.Status { return st.Status })
		fmt.Printf("Tracked files: %d (verified %d, pending %d, in_progress %d, failed %d)\n\n",
			len(files),
			counts[state.StatusVerified],
			counts[state.StatusPending],
			counts[state.StatusInProgress],
			counts[state.StatusFailed])

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Path", "Status", "Downloaded", "Size", "Attempts", "Updated"})
		table.SetAutoWrapText(false)
		table.SetAlignment(tablewriter.ALIGN_LEFT)

		for _, st := range files {
			size := "unknown"
			if st.Size > 0 {
				size = humanize.Bytes(uint64(st.Size))
			}
			updated := "-"
			if !st.UpdatedAt.IsZero() {
				updated = st.UpdatedAt.Format("2006-01-02 15:04")
			}
			table.Append([]string{
				st.Path,
				string(st.Status),
				humanize.Bytes(uint64(st.BytesDownloaded)),
				size,
				fmt.Sprintf("%d", st.Attempts),
				updated,
			})
		}
		table.Render()
	}

	runs, err := globalStore.ListRuns(statusRuns)
	if err != nil {
		return fmt.Errorf("loading runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}

	fmt.Printf("\nRecent runs:\n")
	runTable := tablewriter.NewWriter(os.Stdout)
	runTable.SetHeader([]string{"Started", "Dump", "Version", "Job", "OK", "Failed", "Skipped", "Transferred", "Status"})
	runTable.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, run := range runs {
		runTable.Append([]string{
			run.StartTime.Local().Format(time.DateTime),
			run.Dump,
			run.Version,
			run.Job,
			fmt.Sprintf("%d", run.Succeeded),
			fmt.Sprintf("%d", run.Failed),
			fmt.Sprintf("%d", run.Skipped),
			humanize.Bytes(uint64(run.BytesTransferred)),
			run.Status,
		})
	}
	runTable.Render()

	return nil
}
