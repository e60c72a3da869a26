package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aura-coaching/backend/config"
	"github.com/aura-coaching/backend/internal/video"
)

var webhookURL string

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Manage video provider webhooks",
}

var webhooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhooks registered with Daily",
	RunE:  runWebhooksList,
}

var webhooksRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the transcription webhook with Daily",
	Long: `Register the transcription webhook with Daily. The URL defaults to
{PUBLIC_API_URL}/api/v1/webhooks/transcription.`,
	RunE: runWebhooksRegister,
}

func init() {
	webhooksRegisterCmd.Flags().StringVar(&webhookURL, "url", "", "webhook URL (default derived from PUBLIC_API_URL)")
	webhooksCmd.AddCommand(webhooksListCmd, webhooksRegisterCmd)
	rootCmd.AddCommand(webhooksCmd)
}

func dailyClient() (*video.DailyClient, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Video.DailyAPIKey == "" {
		return nil, nil, fmt.Errorf("DAILY_API_KEY is not set")
	}
	return video.NewDailyClient(video.DailyConfig{
		APIKey:  cfg.Video.DailyAPIKey,
		BaseURL: cfg.Video.DailyBaseURL,
		Timeout: cfg.Video.Timeout,
	}, logger()), cfg, nil
}

func runWebhooksList(cmd *cobra.Command, args []string) error {
	d, _, err := dailyClient()
	if err != nil {
		return err
	}
	hooks, err := d.ListWebhooks(commandContext(cmd))
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), hooks, formatWebhooks(hooks))
}

func runWebhooksRegister(cmd *cobra.Command, args []string) error {
	d, cfg, err := dailyClient()
	if err != nil {
		return err
	}
	url := webhookURL
	if url == "" {
		url = defaultWebhookURL(cfg.App.PublicAPIURL)
	}
	hook, err := d.RegisterWebhook(commandContext(cmd), url)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), hook, "Registered webhook "+hook.UUID+" -> "+hook.URL)
}

func defaultWebhookURL(publicAPI string) string {
	return strings.TrimRight(publicAPI, "/") + "/api/v1/webhooks/transcription"
}

func formatWebhooks(hooks []video.Webhook) string {
	if len(hooks) == 0 {
		return "No webhooks registered"
	}
	var b strings.Builder
	for i, h := range hooks {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s  %s  %s", h.UUID, h.State, h.URL)
	}
	return b.String()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
