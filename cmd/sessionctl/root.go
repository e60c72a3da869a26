package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/config"
	"github.com/aura-coaching/backend/internal/platform"
)

var (
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "sessionctl",
	Short:         "Operate the coaching session platform",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

func logger() *zap.Logger {
	if verbose {
		return platform.NewLogger()
	}
	return zap.NewNop()
}

// withPlatform opens every service for the duration of fn.
func withPlatform(cmd *cobra.Command, fn func(ctx context.Context, p *platform.Platform) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := platform.Open(ctx, cfg, logger())
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(ctx, p)
}

// printResult writes v as JSON with --json, otherwise as the given text.
func printResult(w io.Writer, v interface{}, text string) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}
