package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"feedsplit/internal/config"
	"feedsplit/internal/feed"
	"feedsplit/internal/log"
	"feedsplit/internal/metrics"
	"feedsplit/internal/pipeline"
	"feedsplit/internal/process"
	"feedsplit/internal/store"
)

const version = "0.3.0"

var (
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	// Set in PersistentPreRunE.
	cfg    *config.Config
	logger *log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "feedsplit",
	Short: "Split RPDE opportunity feeds into per-area occurrence listings",
	Long: `feedsplit walks a pair of RPDE feeds (session series and scheduled
sessions), expands weekly schedules into concrete occurrences, and writes
them into one directory per configured geographic segment.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "~/.config/feedsplit/config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with FEEDSPLIT_* overrides")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides config")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console); overrides config")

	rootCmd.AddCommand(runCmd, watchCmd, statsCmd, exportCmd)
}

func setup(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return errors.Wrapf(err, "load config %s", configPath)
	}
	if err := cfg.ApplyEnv(envFile); err != nil {
		return err
	}
	if err := cfg.ExpandPaths(); err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	logger, err = log.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", err, "config_path", configPath)
		return err
	}

	logger.Info("feedsplit starting",
		"version", version,
		"command", cmd.Name(),
		"series_url", cfg.SeriesURL(),
		"occurrences_url", cfg.OccurrencesURL(),
		"output_dir", cfg.OutputDir,
		"segments", len(cfg.Segments),
		"window_days", cfg.WindowDays,
		"timezone", cfg.Timezone,
	)
	return nil
}

// app bundles the components one run needs.
type app struct {
	store   *store.Store
	metrics *metrics.Metrics
	runner  *pipeline.Runner
}

func newApp() *app {
	m := metrics.New()
	st := store.New(cfg.OutputDir, logger)
	proc := process.New(st, process.Options{
		Segments: cfg.Segments,
		Window:   cfg.Window(),
		Location: cfg.Location(),
		Workers:  cfg.Workers,
	}, logger, m)
	fetcher := feed.NewHTTPFetcher(cfg.Feed.APIKey, cfg.Feed.APIKeyHeader, cfg.Feed.Timeout, logger)
	walker := feed.NewWalker(fetcher, feed.Options{
		MinDelay:     cfg.Feed.MinDelay,
		BackoffFloor: cfg.Feed.BackoffFloor,
		BackoffMax:   cfg.Feed.BackoffMax,
	}, logger, m)
	runner := pipeline.NewRunner(pipeline.Feeds{
		SeriesURL:      cfg.SeriesURL(),
		OccurrencesURL: cfg.OccurrencesURL(),
	}, walker, proc, st, cfg.Segments, logger, m)

	return &app{store: st, metrics: m, runner: runner}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if logger != nil {
			logger.Error("feedsplit exiting", err)
			_ = logger.Sync()
		} else {
			fmt.Fprintln(os.Stderr, "feedsplit:", err)
		}
		os.Exit(1)
	}
}
