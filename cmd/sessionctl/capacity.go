package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aura-coaching/backend/internal/capacity"
	"github.com/aura-coaching/backend/internal/platform"
)

var capacityCmd = &cobra.Command{
	Use:   "capacity",
	Short: "Inspect system capacity",
}

var capacityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored capacity snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPlatform(cmd, func(ctx context.Context, p *platform.Platform) error {
			s, err := p.Gate.Check(ctx)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), s, formatSnapshot(s))
		})
	},
}

var capacityRecomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recount active sessions and database connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPlatform(cmd, func(ctx context.Context, p *platform.Platform) error {
			s, err := p.Gate.Recompute(ctx)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), s, formatSnapshot(s))
		})
	},
}

func init() {
	capacityCmd.AddCommand(capacityShowCmd, capacityRecomputeCmd)
	rootCmd.AddCommand(capacityCmd)
}

func formatSnapshot(s capacity.Snapshot) string {
	admit := "yes"
	if !s.CanAdmit {
		admit = "no"
	}
	return fmt.Sprintf("Active sessions: %d/%d\nDB connections:  %d/%d\nAccepting:       %s",
		s.ActiveCount, s.MaxCount, s.DBUsed, s.MaxDB, admit)
}
