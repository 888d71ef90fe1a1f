// Command surveyctl runs dispatch and statistics operations from a shell,
// against the same database and mail provider as the API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bs-education/feedback-dispatch/internal/app"
	"github.com/bs-education/feedback-dispatch/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// env is shared by every subcommand. The App is opened lazily so --help and
// flag errors never touch the database.
type env struct {
	verbose bool
	logger  *slog.Logger
	app     *app.App
}

func (e *env) open(cmd *cobra.Command) error {
	level := slog.LevelWarn
	if e.verbose {
		level = slog.LevelDebug
	}
	e.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	a, err := app.New(cmd.Context(), cfg, e.logger)
	if err != nil {
		return err
	}
	e.app = a
	return nil
}

func (e *env) close() {
	if e.app == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.app.Close(ctx); err != nil {
		e.logger.Warn("close", "error", err)
	}
}

func newRootCmd() *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:           "surveyctl",
		Short:         "Send survey result emails and rebuild course statistics",
		Version:       app.Version,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.open(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			e.close()
		},
	}
	root.PersistentFlags().BoolVarP(&e.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newPreviewCmd(e),
		newSendCmd(e),
		newCourseStatsCmd(e),
		newLogsCmd(e),
	)
	return root
}
