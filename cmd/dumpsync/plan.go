package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dumptools/dumpsync/internal/planner"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show which transfers a fetch would perform",
		Long: `Compute and display the transfer plan without downloading anything.
The plan diffs the remote listing against the local state database:
new, changed, failed, and interrupted files are included; files
already verified against the listing are skipped.`,
		Example: `  dumpsync plan
  dumpsync plan --dump frwiki --dump-version latest
  dumpsync plan --file-regex 'abstract.*\.gz$'`,
		RunE: planCmdRun,
	}
}

func planCmdRun(cmd *cobra.Command, args []string) error {
	if globalOrch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}

	plan, err := globalOrch.Plan(cmd.Context())
	if err != nil {
		return err
	}

	renderPlan(plan)
	return nil
}

// renderPlan prints the plan as a table plus totals.
func renderPlan(plan *planner.Plan) {
	fmt.Printf("Plan for %s/%s job %q:\n\n", plan.Dump, plan.Version, plan.Job)

	if len(plan.Tasks) == 0 {
		fmt.Printf("Nothing to transfer; %d files up to date.\n", plan.UpToDate)
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Path", "Size", "Resume At", "Reason"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, task := range plan.Tasks {
		size := "unknown"
		if task.ExpectedSize > 0 {
			size = humanize.Bytes(uint64(task.ExpectedSize))
		}
		resume := "-"
		if task.ResumeOffset > 0 {
			resume = humanize.Bytes(uint64(task.ResumeOffset))
		}
		table.Append([]string{task.Path, size, resume, task.Reason})
	}
	table.Render()

	fmt.Printf("\nTransfers:   %d\n", len(plan.Tasks))
	fmt.Printf("Up-to-date:  %d\n", plan.UpToDate)
	fmt.Printf("To download: %s\n", humanize.Bytes(uint64(plan.BytesToTransfer())))
}
