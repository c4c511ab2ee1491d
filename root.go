package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/tasksync/internal/calendar"
	"github.com/tonimelisma/tasksync/internal/config"
	"github.com/tonimelisma/tasksync/internal/store"
	tsync "github.com/tonimelisma/tasksync/internal/sync"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDBPath     string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)


// CLIFlags is the parsed form of the global flags.
type CLIFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is what the root pre-run hands every subcommand: the
// effective config and a logger built from it.
type CLIContext struct {
	Cfg     *config.Config
	CfgPath string
	Logger  *slog.Logger
	Flags   CLIFlags

	// Out receives command output; Err receives status lines.
	Out io.Writer
	Err io.Writer

	closeLog func() error
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext stored by the root pre-run.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("tasksync: command run without CLI context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasksync",
		Short:   "Two-way task and calendar sync",
		Long:    "A sync engine that keeps each user's tasks and one remote calendar in agreement.",
		Version: version,
		// Silence Cobra's default error/usage printing; main prints errors.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupCLIContext(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext)
			if !ok || cc.closeLog == nil {
				return nil
			}

			return cc.closeLog()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "database path (overrides config)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConnectCmd())
	cmd.AddCommand(newDisconnectCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func setupCLIContext(cmd *cobra.Command) error {
	cc := &CLIContext{
		Flags: CLIFlags{
			ConfigPath: flagConfigPath,
			JSON:       flagJSON,
			Verbose:    flagVerbose,
			Quiet:      flagQuiet,
		},
		Out: cmd.OutOrStdout(),
		Err: cmd.ErrOrStderr(),
	}

	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cc.Cfg, cc.CfgPath = cfg, path

	logger, closeLog, err := buildLogger(cfg.Logging, cc.Flags, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	cc.Logger, cc.closeLog = logger, closeLog

	cmd.SetContext(withCLIContext(cmd.Context(), cc))

	return nil
}

// loadConfig resolves the effective configuration from the four-layer
// override chain.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	// Only pass --db to the resolver if the user explicitly set it.
	if cmd.Flags().Changed("db") {
		cli.DBPath = &flagDBPath
	}

	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		listen := f.Value.String()
		cli.Listen = &listen
	}

	cfg, path, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}

	return cfg, path, nil
}

// buildLogger creates the process logger. The config-file level is the
// baseline; --verbose and --quiet override it because CLI flags always
// win. With log_file set, output goes to a rotating file as well as
// stderr. Format "auto" is text on a terminal and JSON otherwise.
func buildLogger(cfg config.LoggingConfig, flags CLIFlags, stderr io.Writer) (*slog.Logger, func() error, error) {
	level := config.ParseLogLevel(cfg.LogLevel)

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	out := stderr
	closeLog := func() error { return nil }

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}

		rotator := &lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxSize:  cfg.LogMaxSizeMB,
			MaxAge:   cfg.LogRetentionDays,
			Compress: true,
		}

		out = io.MultiWriter(stderr, rotator)
		closeLog = rotator.Close
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler

	switch cfg.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		if isTerminal(stderr) && cfg.LogFile == "" {
			handler = slog.NewTextHandler(out, opts)
		} else {
			handler = slog.NewJSONHandler(out, opts)
		}
	}

	return slog.New(handler), closeLog, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// app holds the collaborators most commands need.
type app struct {
	store  *store.Store
	tokens *tsync.TokenManager
	engine *tsync.Engine
}

// openApp opens the store and wires the engine over the Google client.
func openApp(ctx context.Context, cc *CLIContext) (*app, error) {
	st, err := store.Open(ctx, cc.Cfg.Storage.DBPath, cc.Logger)
	if err != nil {
		return nil, err
	}

	d := cc.Cfg.Durations()
	remoteCfg := cc.Cfg.Remote

	client := calendar.NewGoogleClient(calendar.GoogleConfig{
		UserAgent:         remoteCfg.UserAgent,
		RequestsPerSecond: remoteCfg.RequestsPerSecond,
		Burst:             remoteCfg.Burst,
		Timeout:           d.RemoteTimeout,
	}, cc.Logger)

	refresher := calendar.NewRefresher(
		calendar.OAuthConfig(remoteCfg.ClientID, remoteCfg.ClientSecret), defaultHTTPClient(d.RemoteTimeout), cc.Logger)

	tokens := tsync.NewTokenManager(st, refresher, d.TokenSafetyMargin, cc.Logger)

	engine, err := tsync.NewEngine(&tsync.EngineConfig{
		Store:              st,
		Remote:             client,
		Tokens:             tokens,
		Logger:             cc.Logger,
		ApplyTimeout:       d.ApplyTimeout,
		TombstoneRetention: d.TombstoneRetention,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{store: st, tokens: tokens, engine: engine}, nil
}

// defaultHTTPClient is used for token refresh; the calendar client builds
// its own transport.
func defaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (a *app) Close() error {
	return a.store.Close()
}

// schedulerConfig maps the config file onto the scheduler's policy.
func schedulerConfig(cfg *config.Config) tsync.SchedulerConfig {
	d := cfg.Durations()

	return tsync.SchedulerConfig{
		Interval:            d.Interval,
		Debounce:            d.Debounce,
		MaxConcurrent:       cfg.Sync.MaxConcurrent,
		BackoffBase:         d.BackoffBase,
		BackoffMax:          d.BackoffMax,
		MaxRetries:          cfg.Retry.MaxRetries,
		MaxVersionConflicts: cfg.Retry.MaxVersionConflicts,
	}
}

func pidFilePath(cfg *config.Config) string {
	return config.PIDPath(cfg.Storage.DBPath)
}

// requireUser returns the --user flag or an error naming the command.
func requireUser(cmd *cobra.Command) (string, error) {
	user, err := cmd.Flags().GetString("user")
	if err != nil {
		return "", err
	}

	if user == "" {
		return "", errors.New("--user is required")
	}

	return user, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
