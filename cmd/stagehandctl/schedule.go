package main

import (
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/MacJediWizard/stagehand/internal/api/handlers"
	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/MacJediWizard/stagehand/internal/rollout"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	flags := &serverFlags{}
	cmd := &cobra.Command{
		Use:     "schedule",
		Aliases: []string{"schedules"},
		Short:   "Inspect and drive rollout schedules",
	}
	flags.register(cmd)

	cmd.AddCommand(
		newScheduleListCmd(flags),
		newScheduleShowCmd(flags),
		newScheduleAdvanceCmd(flags),
		newScheduleClearCmd(flags),
	)
	return cmd
}

func newScheduleListCmd(flags *serverFlags) *cobra.Command {
	var page, pageSize int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}

			var resp struct {
				Schedules []handlers.ScheduleResponse `json:"schedules"`
				Page      int                         `json:"page"`
				Total     int                         `json:"total"`
			}
			path := fmt.Sprintf("/api/v1/schedules?page=%d&page_size=%d", page, pageSize)
			if _, err := client.do(cmd.Context(), http.MethodGet, path, &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tRECURRENCE\tNEXT FIRE\tSTATE")
			for _, s := range resp.Schedules {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.RecurrenceDescription, formatTime(s.NextFireAt), scheduleState(s.Schedule))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "page %d, %d schedules total\n", resp.Page, resp.Total)
			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "Schedules per page")
	return cmd
}

func newScheduleShowCmd(flags *serverFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a schedule and its phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid schedule ID: %w", err)
			}
			client, err := flags.client()
			if err != nil {
				return err
			}

			var s handlers.ScheduleResponse
			if _, err := client.do(cmd.Context(), http.MethodGet, "/api/v1/schedules/"+id.String(), &s); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:       %s\n", s.Name)
			fmt.Fprintf(out, "Trigger:    %s (%s)\n", s.Trigger(), s.RecurrenceDescription)
			fmt.Fprintf(out, "Next fire:  %s\n", formatTime(s.NextFireAt))
			fmt.Fprintf(out, "State:      %s\n", scheduleState(s.Schedule))
			if s.DegradedReason != "" {
				fmt.Fprintf(out, "Degraded:   %s\n", s.DegradedReason)
			}
			fmt.Fprintln(out)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tNAME\tSTATE\tBUILD\tGROUPS")
			for _, p := range s.Phases {
				build := "-"
				if p.BuildPointer != nil {
					build = string(*p.BuildPointer)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", p.Sequence, p.Name, p.State, build, len(p.Groups))
			}
			return w.Flush()
		},
	}
}

func newScheduleAdvanceCmd(flags *serverFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "advance ID",
		Short: "Move a schedule to its next phase now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid schedule ID: %w", err)
			}
			client, err := flags.client()
			if err != nil {
				return err
			}

			var outcome rollout.Outcome
			status, err := client.do(cmd.Context(), http.MethodPost, "/api/v1/schedules/"+id.String()+"/advance", &outcome)
			if err != nil {
				return err
			}
			if status == http.StatusAccepted {
				fmt.Fprintf(cmd.OutOrStdout(), "advance requested (%s); it runs on the next evaluation\n", outcome.Result)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s, %d dispatch jobs queued\n", outcome.Result, outcome.Dispatched)
			return nil
		},
	}
}

func newScheduleClearCmd(flags *serverFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-assignments ID",
		Short: "Unassign the schedule's builds and reset every phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid schedule ID: %w", err)
			}
			client, err := flags.client()
			if err != nil {
				return err
			}

			var resp struct {
				DispatchQueued int `json:"dispatch_queued"`
			}
			if _, err := client.do(cmd.Context(), http.MethodPost, "/api/v1/schedules/"+id.String()+"/clear-assignments", &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "phases reset, %d unassign jobs queued\n", resp.DispatchQueued)
			return nil
		},
	}
}

func scheduleState(s *models.Schedule) string {
	switch {
	case s == nil:
		return "-"
	case s.Degraded:
		return "degraded"
	case !s.Active:
		return "inactive"
	}
	if p := s.InProgressPhase(); p != nil {
		return fmt.Sprintf("phase %d in progress", p.Sequence)
	}
	return "idle"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04 MST")
}
