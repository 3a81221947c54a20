package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spec-kit/as-dispatch/internal/auth"
	"github.com/spec-kit/as-dispatch/internal/config"
	"github.com/spec-kit/as-dispatch/internal/domain"
)

func newTokenCmd() *cobra.Command {
	var actor domain.Actor
	var role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for a development actor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			actor.Role = domain.Role(role)
			token, expires, err := auth.NewTokenManager(cfg.Auth).GenerateToken(actor)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		},
	}
	cmd.Flags().StringVar(&actor.ID, "id", "", "actor id")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleCustomer), "customer, technician or staff")
	cmd.Flags().StringVar(&actor.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&actor.Contact, "contact", "", "contact")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
