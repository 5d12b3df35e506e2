package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Replay failed jobs whose retry time has passed",
	Args:  cobra.NoArgs,
	Run:   runRetryFailed,
}

func init() {
	rootCmd.AddCommand(retryFailedCmd)
}

func runRetryFailed(cmd *cobra.Command, args []string) {
	cfg := setup()

	ctx := context.Background()
	app := newApp(ctx, cfg)
	defer stopApp(app)

	res, err := app.RetryFailed(ctx)
	if err != nil {
		slog.Error("Failed to process failed jobs", "error", err)
		stopApp(app)
		os.Exit(1)
	}

	fmt.Printf("Attempted %d, resolved %d, still failing %d, skipped %d\n",
		res.Attempted, res.Resolved, res.Failed, res.Skipped)
}
