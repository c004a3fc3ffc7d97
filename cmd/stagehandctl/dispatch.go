package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/MacJediWizard/stagehand/internal/config"
	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newDispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Configure the assignment API and manage dispatch jobs",
	}
	cmd.AddCommand(newDispatchInitCmd(), newDispatchRetryCmd())
	return cmd
}

func newDispatchInitCmd() *cobra.Command {
	var (
		cfg   config.DispatchConfig
		proxy string
		path  string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a dispatch config file for the server",
		Long: `Write the YAML file the server reads from DISPATCH_CONFIG.

The client secret is never written; pass it to the server in
DISPATCH_CLIENT_SECRET.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if proxy != "" {
				cfg.Proxy = &config.ProxyConfig{HTTPSProxy: proxy}
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid dispatch config: %w", err)
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", path)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("check %s: %w", path, err)
				}
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.BaseURL, "base-url", "", "Assignment API base URL (required)")
	cmd.Flags().StringVar(&cfg.TokenURL, "token-url", "", "OAuth2 token endpoint for client credentials")
	cmd.Flags().StringVar(&cfg.ClientID, "client-id", "", "OAuth2 client ID")
	cmd.Flags().StringSliceVar(&cfg.Scopes, "scope", nil, "OAuth2 scope (repeatable)")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "Per-call timeout")
	cmd.Flags().Float64Var(&cfg.RateLimit, "rate-limit", 5, "Requests per second")
	cmd.Flags().IntVar(&cfg.Burst, "burst", 1, "Rate limit burst")
	cmd.Flags().StringVar(&proxy, "proxy", "", "HTTPS proxy URL")
	cmd.Flags().StringVarP(&path, "output", "o", "dispatch.yml", "File to write")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	_ = cmd.MarkFlagRequired("base-url")

	return cmd
}

func newDispatchRetryCmd() *cobra.Command {
	flags := &serverFlags{}
	cmd := &cobra.Command{
		Use:   "retry JOB_ID",
		Short: "Requeue a failed or dead-lettered dispatch job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job ID: %w", err)
			}
			client, err := flags.client()
			if err != nil {
				return err
			}

			var job models.DispatchJob
			if _, err := client.do(cmd.Context(), http.MethodPost, "/api/v1/dispatch-jobs/"+id.String()+"/retry", &job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s is %s\n", job.ID, job.Status)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
