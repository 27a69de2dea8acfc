package cli

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/opencapa/capa-engine/internal/auth"
	"github.com/opencapa/capa-engine/internal/config"
	"github.com/opencapa/capa-engine/internal/db"
)

func newMigrateCmd(cfgPath *string) *cobra.Command {
	var seedUser, seedPass, seedRole string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema and optionally seed a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			database, err := db.Open(cmd.Context(), db.Driver(cfg.DBDriver), cfg.DBDSN)
			if err != nil {
				return err
			}
			defer database.Close()
			log.Printf("migrate: schema ensured on %s", cfg.DBDriver)

			if seedUser != "" {
				if seedPass == "" {
					return fmt.Errorf("--seed-pass is required with --seed-user")
				}
				if seedRole != auth.RoleStudent && seedRole != auth.RoleStaff {
					return fmt.Errorf("--seed-role must be %q or %q", auth.RoleStudent, auth.RoleStaff)
				}
				if err := auth.EnsureUser(cmd.Context(), database, seedUser, seedPass, seedRole); err != nil {
					return err
				}
				log.Printf("migrate: user %s (%s) ensured", seedUser, seedRole)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&seedUser, "seed-user", "", "username to create or update")
	cmd.Flags().StringVar(&seedPass, "seed-pass", "", "password for --seed-user")
	cmd.Flags().StringVar(&seedRole, "seed-role", auth.RoleStudent, "role for --seed-user")
	return cmd
}
