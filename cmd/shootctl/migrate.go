package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babyshoot/api/internal/bootstrap"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the session store schema",
		Long:  "Creates or upgrades the sessions and generated_images tables for the configured database driver.",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cfg.Database.AutoMigrate = true
	st, err := bootstrap.OpenStore(cmd.Context(), &cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s store\n", cfg.Database.Driver)
	return nil
}
