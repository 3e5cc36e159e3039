// Package cmd defines and implements the CLI commands for the jobtracker executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-job-tracker/internal/app"
	"github.com/JakeFAU/keyword-job-tracker/internal/config"
	"github.com/JakeFAU/keyword-job-tracker/internal/logging"
)

// skipAppAnnotation marks commands that run without the client services.
const skipAppAnnotation = "jobtracker/skip-app"

type runtimeKey struct{}

// runtime is what PersistentPreRunE prepares for every subcommand. The
// client services travel separately through app.WithApp.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp is the application factory. It is a variable so tests can build
// the app against an isolated metrics registry.
var newApp = func(cfg config.Config, logger *zap.Logger, out io.Writer) (*app.App, error) {
	return app.New(cfg, logger, app.Options{Out: out})
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "jobtracker",
		Short: "Start keyword analyses and follow their progress live.",
		Long: `jobtracker submits keyword analysis jobs to the analysis service and
follows each job over its live progress feed until it completes, reconnecting
when the feed drops and falling back to a status check when possible.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: cfg, logger: logger})
			if cmd.Annotations[skipAppAnnotation] == "" {
				a, err := newApp(cfg, logger, cmd.OutOrStdout())
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				ctx = app.WithApp(ctx, a)
			}
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			a, ok := app.FromContext(cmd.Context())
			if !ok || a == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.Close(ctx)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./jobtracker.yaml or $HOME/.jobtracker/jobtracker.yaml)")

	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newTrackCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newInsightCmd())
	cmd.AddCommand(newDevServerCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := app.FromContext(ctx)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
