package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babyshoot/api/internal/bootstrap"
)

func newSweepCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile every session with outstanding remote work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func runSweep(cmd *cobra.Command, asJSON bool) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	svc, err := bootstrap.Build(cmd.Context(), cfg, nil, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.Sweeper.SweepAll(cmd.Context())
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return json.NewEncoder(out).Encode(result)
	}
	fmt.Fprintf(out, "checked=%d updated=%d failed=%d redriven=%d\n", result.Checked, result.Updated, result.Failed, result.Redriven)
	return nil
}
