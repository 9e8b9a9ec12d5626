package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"taskd/internal/task"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Cron expression helpers",
}

var (
	cronNextCount int
	cronNextFrom  string
)

var cronNextCmd = &cobra.Command{
	Use:   "next <expr>",
	Short: "Preview the next fire times of a cron expression",
	Example: `  taskd cron next "*/15 * * * *"
  taskd cron next "0 30 9 * * MON-FRI" -n 3 --from 2024-03-01T00:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from := time.Now()
		if cronNextFrom != "" {
			t, err := time.Parse(time.RFC3339, cronNextFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value %q: %w", cronNextFrom, err)
			}
			from = t
		}
		return printNextRuns(cmd.OutOrStdout(), args[0], from, cronNextCount)
	},
}

func init() {
	cronNextCmd.Flags().IntVarP(&cronNextCount, "count", "n", 5, "Number of fire times to show")
	cronNextCmd.Flags().StringVar(&cronNextFrom, "from", "", "Start time (RFC3339), defaults to now")
	cronCmd.AddCommand(cronNextCmd)
}

func printNextRuns(w io.Writer, expr string, from time.Time, n int) error {
	if n <= 0 {
		return fmt.Errorf("--count must be positive, got %d", n)
	}
	runs, err := task.NextRuns(expr, from, n)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "expression never fires")
		return nil
	}
	for _, t := range runs {
		fmt.Fprintf(w, "%s  (%s)\n", t.Format(time.RFC3339), humanize.RelTime(t, from, "ago", "from now"))
	}
	return nil
}
