package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List available versions of the configured dump",
		Long: `List the dump versions the metadata host offers, oldest first.
The newest listed version is what --dump-version latest resolves to.`,
		Example: `  dumpsync versions
  dumpsync versions --dump dewiki`,
		RunE: versionsRun,
	}
}

func versionsRun(cmd *cobra.Command, args []string) error {
	if globalFetcher == nil {
		return fmt.Errorf("fetcher not initialized")
	}

	versions, err := globalFetcher.ListVersions(cmd.Context(), globalCfg.Dump)
	if err != nil {
		return fmt.Errorf("listing versions for %s: %w", globalCfg.Dump, err)
	}

	for _, v := range versions {
		fmt.Println(v)
	}
	return nil
}
