package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/machiya/campsync/internal/report"
	"github.com/machiya/campsync/internal/runs"
)

type syncOptions struct {
	startRow   int
	endRow     int
	targetDate string
	workers    int
	dryRun     bool
}

func newSyncCmd() *cobra.Command {
	opts := &syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one harvest and write the results back",
		Long: `Reads the configured row window from the sheet, fetches live metrics
for every eligible campaign, and writes them back. With --dry-run the
results are only logged; the sheet is left untouched.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.startRow, "start-row", 0, "first sheet row to process (default from config)")
	cmd.Flags().IntVar(&opts.endRow, "end-row", 0, "last sheet row to process (default from config)")
	cmd.Flags().StringVar(&opts.targetDate, "target-date", "", "campaigns ending before this date are skipped (YYYY/MM/DD, default today)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "fetch worker count (default from config)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "fetch metrics but do not write to the sheet")
	return cmd
}

func runSync(cmd *cobra.Command, opts *syncOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	params := runs.Params{
		StartRow: opts.startRow,
		EndRow:   opts.endRow,
		Workers:  opts.workers,
	}
	if opts.targetDate != "" {
		target, err := time.Parse(report.DateFormat, opts.targetDate)
		if err != nil {
			return fmt.Errorf("parse --target-date: %w", err)
		}
		params.TargetDate = target
	}

	mgr := appInstance.Runs()
	id, err := mgr.Start(params)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	logger.Info("harvest started", zap.String("run_id", id.String()))

	done, err := mgr.Done(id)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("interrupt received, canceling run", zap.String("run_id", id.String()))
		if err := mgr.Cancel(id); err != nil {
			return err
		}
		<-done
	}

	sum, err := mgr.Status(id)
	if err != nil {
		return err
	}
	for code, count := range sum.Counts {
		logger.Info("row outcome", zap.String("status", string(code)), zap.Int("count", count))
	}

	if opts.dryRun {
		logger.Info("dry run, skipping write-back")
		if sum.Err != "" {
			return fmt.Errorf("harvest incomplete: %s", sum.Err)
		}
		return nil
	}

	cells, err := mgr.Writeback(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("write back: %w", err)
	}
	appInstance.Metrics().AddCellsWritten(cells)
	logger.Info("write-back complete", zap.Int("cells", cells))

	if sum.Err != "" {
		return fmt.Errorf("harvest incomplete: %s", sum.Err)
	}
	return nil
}
