package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyp0633/caldora-sync/davclient"
	"github.com/cyp0633/caldora-sync/internal/httpclient"
	"github.com/spf13/cobra"
)

// NewCheckCommand creates the check command.
func NewCheckCommand(root *RootOptions) *cobra.Command {
	var calendar string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the credentials of each calendar",
		Long: `Reach the principal of each configured calendar with its credentials and
confirm that the calendar URL is one of the principal's calendars.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), root, cfg)
			ps, err := pairs(cfg, calendar)
			if err != nil {
				return err
			}

			dcfg := davclient.DefaultConfig()
			dcfg.Logger = logger
			if root.HTTPClient != nil {
				dcfg.Client = root.HTTPClient
			}
			if root.Resolver != nil {
				dcfg.Resolver = root.Resolver
			}
			dcfg.Options = httpclient.Options{
				CallTimeout: cfg.HTTP.CallTimeout,
				MaxRetries:  cfg.HTTP.MaxRetries,
				BaseDelay:   cfg.HTTP.BaseDelay,
				MaxDelay:    cfg.HTTP.MaxDelay,
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := cmd.OutOrStdout()
			var errs []error
			for _, p := range ps {
				info, err := davclient.Validate(ctx, p.CalendarURL, p.Username, p.Password, dcfg)
				if err != nil {
					fmt.Fprintf(out, "%s: error: %v\n", p.CalendarID, err)
					errs = append(errs, fmt.Errorf("calendar %s: %w", p.CalendarID, err))
					continue
				}
				access := "writable"
				if info.ReadOnly {
					access = "read-only"
				}
				fmt.Fprintf(out, "%s: ok (%s, %s)\n", p.CalendarID, info.Name, access)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&calendar, "calendar", "", "only check the named calendar")
	return cmd
}
