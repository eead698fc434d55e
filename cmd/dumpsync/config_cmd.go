package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after merging the config file, DUMPSYNC_*
environment variables, and command-line flags, in YAML form.`,
		Example: `  dumpsync config
  DUMPSYNC_MIRROR_URL=https://mirror.example.org dumpsync config`,
		RunE: configRun,
	}
}

func configRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	out, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}
