package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show today's API usage and the failed-job queue",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := setup()

	ctx := context.Background()
	app := newApp(ctx, cfg)
	defer stopApp(app)

	info, err := app.Status(ctx)
	if err != nil {
		slog.Error("Failed to read status", "error", err)
		stopApp(app)
		os.Exit(1)
	}

	limit := "unlimited"
	if info.DailyLimit > 0 {
		limit = fmt.Sprintf("%d", info.DailyLimit)
	}
	fmt.Printf("API calls today: %d (daily limit %s, %d/min budget)\n", info.CallsToday, limit, info.MinuteLimit)
	fmt.Printf("Failed jobs (%s): %d\n\n", info.StoreBackend, len(info.FailedJobs))
	if len(info.FailedJobs) == 0 {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "JOB\tKEY\tERRORS\tKIND\tNEXT RETRY\tLAST ERROR")
	for _, job := range info.FailedJobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			job.JobType,
			truncate(job.PayloadKey, 12),
			job.ErrorCount,
			job.ErrorKind,
			job.NextRetryAt.Format(time.RFC3339),
			truncate(job.ErrorMessage, 60),
		)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
