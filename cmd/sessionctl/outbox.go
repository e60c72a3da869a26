package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aura-coaching/backend/internal/platform"
	"github.com/aura-coaching/backend/pkg/queue"
)

var dispatchLimit int

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Drain the outbox and inspect worker queues",
}

var outboxDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Push pending outbox rows onto the worker queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPlatform(cmd, func(ctx context.Context, p *platform.Platform) error {
			n, err := p.Outbox.DispatchPending(ctx, dispatchLimit)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), map[string]int{"dispatched": n}, fmt.Sprintf("Dispatched %d message(s)", n))
		})
	},
}

var outboxQueuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show worker queue depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPlatform(cmd, func(ctx context.Context, p *platform.Platform) error {
			depths := make(map[string]int64, len(queue.Queues)+1)
			for _, name := range append(append([]string{}, queue.Queues...), queue.QueueDLQ) {
				n, err := p.Queue.Len(ctx, name)
				if err != nil {
					return fmt.Errorf("len %s: %w", name, err)
				}
				depths[name] = n
			}
			return printResult(cmd.OutOrStdout(), depths, formatDepths(depths))
		})
	},
}

func init() {
	outboxDispatchCmd.Flags().IntVar(&dispatchLimit, "limit", 100, "maximum rows to dispatch")
	outboxCmd.AddCommand(outboxDispatchCmd, outboxQueuesCmd)
	rootCmd.AddCommand(outboxCmd)
}

func formatDepths(depths map[string]int64) string {
	var b strings.Builder
	for i, name := range append(append([]string{}, queue.Queues...), queue.QueueDLQ) {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%-20s %d", name, depths[name])
	}
	return b.String()
}
