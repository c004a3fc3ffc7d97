package main

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/MacJediWizard/stagehand/internal/api/handlers"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	flags := &serverFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server health and dispatch backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var health handlers.HealthResponse
			if _, err := client.do(cmd.Context(), http.MethodGet, "/health", &health); err != nil {
				return err
			}
			fmt.Fprintf(out, "Server:   %s (%s)\n", health.Status, health.Version)

			names := make([]string, 0, len(health.Checks))
			for name := range health.Checks {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "  %-10s %s\n", name, health.Checks[name].Status)
			}

			var summary struct {
				Pending    int `json:"pending"`
				Running    int `json:"running"`
				Failed     int `json:"failed"`
				DeadLetter int `json:"dead_letter"`
			}
			if _, err := client.do(cmd.Context(), http.MethodGet, "/api/v1/dispatch-jobs/summary", &summary); err != nil {
				return err
			}
			fmt.Fprintf(out, "Dispatch: %d pending, %d running, %d failed, %d dead letter\n",
				summary.Pending, summary.Running, summary.Failed, summary.DeadLetter)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
