// Package cmd defines and implements the CLI commands for the campsync
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/machiya/campsync/internal/app"
	"github.com/machiya/campsync/internal/config"
	"github.com/machiya/campsync/internal/metrics"
	"github.com/machiya/campsync/internal/runs"
)

var cfgFile string

type appKeyType string

const appKey appKeyType = "app"

// App is the slice of the application container the commands use. It is an
// interface so tests can inject a stub.
type App interface {
	Close()
	Logger() *zap.Logger
	Runs() *runs.Manager
	Metrics() *metrics.Set
	Serve(ctx context.Context) error
}

// newApp is the application factory. It is a variable so tests can replace
// it with a stub factory.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.New(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campsync",
		Short: "Sync crowdfunding campaign metrics into a spreadsheet.",
		Long: `campsync reads campaign rows from a Google Sheet, scrapes each live
project's collected amount and backer count, optionally looks up web
sessions in GA4, and writes the metrics back to the sheet.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newServeCmd(), newSyncCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
