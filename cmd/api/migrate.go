package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := loadDeps(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer d.Close()
			d.logger.Info("migrations applied")
			return nil
		},
	}
}
