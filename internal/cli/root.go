// Package cli implements the caldora-sync command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/cyp0633/caldora-sync/codec"
	"github.com/cyp0633/caldora-sync/config"
	"github.com/cyp0633/caldora-sync/davclient"
	localmem "github.com/cyp0633/caldora-sync/localstore/memory"
	"github.com/cyp0633/caldora-sync/mapping/sqlite"
	"github.com/cyp0633/caldora-sync/reconcile"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool

	// HTTPClient and Resolver override how remote servers are reached (for
	// testing).
	HTTPClient *http.Client
	Resolver   davclient.DNSResolver
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caldora-sync",
		Short: "Two-way CalDAV event sync",
		Long: `caldora-sync keeps local calendars and CalDAV calendars in step.

Each configured calendar is synchronized in passes: local and remote changes
since the last pass are merged, conflicts go to the side modified last, and
deletions win over edits.`,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "caldora-sync.yaml", "path to the YAML configuration")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log protocol details")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewDaemonCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	return cmd
}

// env is what every command needs once the configuration is loaded.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	state  *sqlite.Store
	rec    *reconcile.Reconciler
	pairs  []reconcile.Pair
}

func newLogger(w io.Writer, opts *RootOptions, cfg *config.Config) *slog.Logger {
	level := cfg.Level()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// pairs resolves the configured calendars; only restricts to one name.
func pairs(cfg *config.Config, only string) ([]reconcile.Pair, error) {
	cals := cfg.Calendars
	if only != "" {
		cal, ok := cfg.Calendar(only)
		if !ok {
			return nil, fmt.Errorf("unknown calendar %q", only)
		}
		cals = []config.Calendar{cal}
	}
	out := make([]reconcile.Pair, 0, len(cals))
	for _, cal := range cals {
		pw, err := cal.ResolvePassword()
		if err != nil {
			return nil, err
		}
		out = append(out, reconcile.Pair{
			CalendarID:  cal.Name,
			CalendarURL: cal.URL,
			Username:    cal.Username,
			Password:    pw,
		})
	}
	return out, nil
}

func newEnv(cmd *cobra.Command, opts *RootOptions, only string) (*env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), opts, cfg)
	ps, err := pairs(cfg, only)
	if err != nil {
		return nil, err
	}

	logger.Debug("opening state database", "path", cfg.StatePath)
	state, err := sqlite.Open(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	rec := reconcile.New(localmem.New(), state, nil, reconcile.Options{
		PassTimeout:      cfg.PassTimeout,
		IgnorePastRemote: cfg.IgnorePastRemote,
		Logger:           logger,
		Codec:            codec.New(codec.DescriptionFormat(cfg.DescriptionFormat)),
		Client: davclient.Options{
			Logger:      logger,
			HTTPClient:  opts.HTTPClient,
			CallTimeout: cfg.HTTP.CallTimeout,
			MaxRetries:  cfg.HTTP.MaxRetries,
			BaseDelay:   cfg.HTTP.BaseDelay,
			MaxDelay:    cfg.HTTP.MaxDelay,
			RateLimit:   cfg.HTTP.RateLimit,
		},
	})
	return &env{cfg: cfg, logger: logger, state: state, rec: rec, pairs: ps}, nil
}

func (e *env) Close() {
	if err := e.state.Close(); err != nil {
		e.logger.Error("error closing state database", "error", err)
	}
}
