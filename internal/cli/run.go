package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cyp0633/caldora-sync/reconcile"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewRunCommand creates the run command.
func NewRunCommand(root *RootOptions) *cobra.Command {
	var calendar string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync pass for each calendar",
		Long: `Run one sync pass for each configured calendar, or only the one named
with --calendar, and print a summary per calendar.

Example:
  caldora-sync run --config ~/.config/caldora-sync.yaml
  caldora-sync run --calendar work --verbose`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, root, calendar)
			if err != nil {
				return err
			}
			defer e.Close()

			results, err := e.runAll(cmd.Context())
			printResults(cmd.OutOrStdout(), results)
			return err
		},
	}
	cmd.Flags().StringVar(&calendar, "calendar", "", "only sync the named calendar")
	return cmd
}

// runAll runs one pass per pair, at most Concurrency at a time. A failing
// calendar does not stop the others.
func (e *env) runAll(ctx context.Context) ([]*reconcile.PassResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	results := make([]*reconcile.PassResult, len(e.pairs))
	errs := make([]error, len(e.pairs))

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, p := range e.pairs {
		g.Go(func() error {
			res, err := e.rec.RunPass(ctx, p)
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("calendar %s: %w", p.CalendarID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

func printResults(w io.Writer, results []*reconcile.PassResult) {
	for _, r := range results {
		if r == nil {
			continue
		}
		fmt.Fprintf(w, "%s: %s pushed=%d pulled=%d deleted=%d conflicts=%d failed=%d writes=%d\n",
			r.CalendarID, r.Status, r.Pushed, r.Pulled, r.Deleted, len(r.Conflicts), len(r.Failed), r.Writes)
		for _, c := range r.Conflicts {
			fmt.Fprintf(w, "  conflict %s: %s wins\n", c.SeriesID, c.Winner)
		}
		for _, f := range r.Failed {
			fmt.Fprintf(w, "  failed %s\n", f.Error())
		}
	}
}
