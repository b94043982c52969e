package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babyshoot/api/internal/bootstrap"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <session-id>",
		Short: "Reconcile a single session with its remote job",
		Args:  cobra.ExactArgs(1),
		RunE:  runReconcile,
	}
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	svc, err := bootstrap.Build(cmd.Context(), cfg, nil, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.Reconciler.Reconcile(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", args[0], err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: status=%s updated=%t (%s)\n", args[0], result.Status, result.Updated, result.Message)
	return nil
}
