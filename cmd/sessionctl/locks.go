package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aura-coaching/backend/internal/platform"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and clean session locks",
}

var locksCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clear expired session leases and reclaim stale lock entries",
	RunE:  runLocksCleanup,
}

func init() {
	locksCmd.AddCommand(locksCleanupCmd)
	rootCmd.AddCommand(locksCmd)
}

func runLocksCleanup(cmd *cobra.Command, args []string) error {
	return withPlatform(cmd, func(ctx context.Context, p *platform.Platform) error {
		res, err := p.Machine.CleanupExpiredLocks(ctx)
		if err != nil {
			return err
		}
		text := fmt.Sprintf("Cleared %d expired lease(s), reclaimed %d lock(s)", res.ExpiredLeases, res.ReclaimedLocks)
		return printResult(cmd.OutOrStdout(), res, text)
	})
}
