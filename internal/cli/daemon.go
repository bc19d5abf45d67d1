package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cyp0633/caldora-sync/reconcile"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

// cronLogger routes scheduler messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("scheduler: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("scheduler: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Sync every calendar on the configured schedule",
		Long: `Run a pass for every calendar right away and then on the cron schedule
from the configuration. A trigger that fires while the previous pass of a
calendar is still running is dropped.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, root, "")
			if err != nil {
				return err
			}
			defer e.Close()

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return e.daemon(ctx)
		},
	}
	return cmd
}

func (e *env) tick(ctx context.Context) {
	results, err := e.runAll(ctx)
	for _, r := range results {
		if r != nil && r.Status == reconcile.StatusSkipped {
			e.logger.Info("previous pass still running, trigger dropped", "calendar", r.CalendarID)
		}
	}
	if err != nil && !errors.Is(err, reconcile.ErrPassInProgress) {
		e.logger.Error("scheduled sync failed", "error", err)
	}
}

// daemon runs passes on the schedule until ctx is done.
func (e *env) daemon(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cronLogger{e.logger}))
	if _, err := c.AddFunc(e.cfg.Schedule, func() { e.tick(ctx) }); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", e.cfg.Schedule, err)
	}

	e.logger.Info("starting scheduler", "schedule", e.cfg.Schedule, "calendars", len(e.pairs))
	c.Start()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.tick(ctx)
	}()

	<-ctx.Done()
	e.logger.Info("shutting down scheduler")
	<-c.Stop().Done()
	wg.Wait()
	return nil
}
