package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/config"
	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
)

var (
	runMode     string
	runLookback int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion pass over the configured entities",
	Long: `Run processes every (entity, data kind) pair of a mode in batches.
An interrupt stops the run at the next batch boundary; the summary is
printed either way.`,
	Args: cobra.NoArgs,
	Run:  runIngest,
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", config.ModeIncremental, "run mode (incremental or full)")
	runCmd.Flags().IntVar(&runLookback, "lookback-days", -1, "override the mode's lookback in days (0 = full history)")
	rootCmd.AddCommand(runCmd)
}

func runIngest(cmd *cobra.Command, args []string) {
	cfg := setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := newApp(context.Background(), cfg)
	app.StartRun(ctx)

	summary, err := app.RunMode(ctx, runMode, runLookback)
	stopApp(app)
	if err != nil {
		slog.Error("Run failed", "mode", runMode, "error", err)
		os.Exit(1)
	}

	printSummary(summary)
}

func printSummary(s domain.FinalSummary) {
	fmt.Println("Run summary")
	fmt.Printf("  Run ID:            %s\n", s.RunID)
	fmt.Printf("  Mode:              %s\n", s.Mode)
	fmt.Printf("  Duration:          %.2f min\n", s.DurationMinutes())
	fmt.Printf("  API requests:      %d\n", s.TotalRequests)
	fmt.Printf("  Successful:        %d\n", s.Successful)
	fmt.Printf("  Failed:            %d\n", s.Failed)
	fmt.Printf("  Symbols processed: %d\n", s.SymbolsProcessed)
	fmt.Printf("  Categories:        %s\n", strings.Join(s.CategoriesUpdated, ", "))
	if s.Cancelled {
		fmt.Println("  Run was cancelled before all batches completed")
	}
}
