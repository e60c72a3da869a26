package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aura-coaching/backend/internal/platform"
	"github.com/aura-coaching/backend/pkg/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	return withPlatform(cmd, func(ctx context.Context, p *platform.Platform) error {
		applied, err := database.Migrate(ctx, p.Pool)
		if err != nil {
			return err
		}
		text := "Database is up to date"
		if len(applied) > 0 {
			text = fmt.Sprintf("Applied %d migration(s): %s", len(applied), strings.Join(applied, ", "))
		}
		return printResult(cmd.OutOrStdout(), map[string]interface{}{"applied": applied}, text)
	})
}
