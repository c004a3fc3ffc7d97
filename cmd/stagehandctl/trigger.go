package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MacJediWizard/stagehand/internal/trigger"
	"github.com/spf13/cobra"
)

func newTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Encode, decode and preview rollout triggers",
	}
	cmd.AddCommand(newTriggerEncodeCmd(), newTriggerDecodeCmd(), newTriggerNextCmd())
	return cmd
}

func newTriggerEncodeCmd() *cobra.Command {
	var (
		weekday string
		ordinal string
	)

	cmd := &cobra.Command{
		Use:   "encode manual|weekly|monthly",
		Short: "Print the cron trigger for a recurrence",
		Example: `  stagehandctl trigger encode weekly --weekday monday
  stagehandctl trigger encode monthly --weekday tuesday --ordinal second`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := recurrenceFromFlags(args[0], weekday, ordinal)
			if err != nil {
				return err
			}
			expr, err := trigger.Encode(r)
			if err != nil {
				return err
			}
			if expr == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "(none)  manual")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", expr, trigger.Describe(r))
			return nil
		},
	}

	cmd.Flags().StringVar(&weekday, "weekday", "", "Day of the week, e.g. monday")
	cmd.Flags().StringVar(&ordinal, "ordinal", "", "Week of the month: first, second, third or fourth")
	return cmd
}

func newTriggerDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode EXPR",
		Short: "Describe the recurrence a cron trigger encodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := trigger.Decode(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), trigger.Describe(r))
			return nil
		},
	}
}

func newTriggerNextCmd() *cobra.Command {
	var (
		count int
		from  string
	)

	cmd := &cobra.Command{
		Use:   "next EXPR",
		Short: "List upcoming occurrences of a cron trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := trigger.Parse(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			start := time.Now()
			if from != "" {
				start, err = time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}
			if count <= 0 {
				count = 1
			}

			for i := 0; i < count; i++ {
				next, err := t.Next(start)
				if err != nil {
					if i == 0 {
						return err
					}
					break
				}
				fmt.Fprintln(cmd.OutOrStdout(), next.Format("Mon 2006-01-02 15:04 MST"))
				start = next
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 5, "Number of occurrences")
	cmd.Flags().StringVar(&from, "from", "", "Start time in RFC 3339 (default: now)")
	return cmd
}

func recurrenceFromFlags(mode, weekday, ordinal string) (trigger.Recurrence, error) {
	switch strings.ToLower(mode) {
	case "manual":
		return trigger.Manual{}, nil
	case "weekly":
		day, err := parseWeekday(weekday)
		if err != nil {
			return nil, err
		}
		return trigger.Weekly{Weekday: day}, nil
	case "monthly", "monthly_nth":
		day, err := parseWeekday(weekday)
		if err != nil {
			return nil, err
		}
		ord, err := parseOrdinal(ordinal)
		if err != nil {
			return nil, err
		}
		return trigger.MonthlyNth{Weekday: day, Ordinal: ord}, nil
	default:
		return nil, fmt.Errorf("unknown recurrence %q", mode)
	}
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid --weekday %q", s)
}

func parseOrdinal(s string) (trigger.Ordinal, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for o := trigger.First; o <= trigger.Fourth; o++ {
		if s == o.String() {
			return o, nil
		}
	}
	return 0, fmt.Errorf("invalid --ordinal %q", s)
}
