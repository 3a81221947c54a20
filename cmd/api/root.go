package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "as-dispatch",
		Short:         "Car-wash AS request dispatch and messaging hub",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newRebuildCmd(), newTokenCmd())
	return root
}
