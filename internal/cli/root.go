// Package cli holds the capad command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:           "capad",
		Short:         "CAPA problem engine service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	var cfgPath string
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newMigrateCmd(&cfgPath))
	return root.Execute()
}
