package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"feedsplit/internal/feed"
	"feedsplit/internal/ics"
	"feedsplit/internal/log"
	"feedsplit/internal/web"
)

var exportAfterRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Walk both feeds once and exit",
	Long: `Walk the series feed, then the occurrence feed, until both are
exhausted. Exits non-zero if a feed is missing or a page keeps failing
past the backoff ceiling.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a := newApp()
		if _, err := a.runner.Run(cmd.Context()); err != nil {
			return err
		}
		if exportAfterRun {
			return exportAll(a)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run on the refresh schedule and serve status over HTTP",
	Long: `Run once immediately, then again on every tick of the "refresh" cron
spec. Overlapping ticks are skipped. If "listen" is set, health, metrics
and segment listings are served there. A fatal feed error stops watch mode.`,
	RunE: runWatch,
}

func init() {
	runCmd.Flags().BoolVar(&exportAfterRun, "export", false, "write each segment's calendar.ics after the run")
	watchCmd.Flags().BoolVar(&exportAfterRun, "export", false, "write each segment's calendar.ics after every run")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	a := newApp()
	var srv *web.Server
	if cfg.Listen != "" {
		srv = web.NewServer(cfg, a.store, a.metrics, logger)
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	fatal := make(chan error, 1)

	runOnce := func() {
		sum, err := a.runner.Run(ctx)
		if srv != nil {
			srv.RecordRun(sum, err)
		}
		if err != nil {
			if feed.IsFatal(err) {
				select {
				case fatal <- err:
				default:
				}
			}
			return
		}
		if exportAfterRun {
			if err := exportAll(a); err != nil {
				logger.Error("export failed", err)
			}
		}
	}

	cl := log.CronLogger{L: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(cfg.RefreshCron, runOnce); err != nil {
		return errors.Wrapf(err, "refresh schedule %q", cfg.RefreshCron)
	}

	if srv != nil {
		g.Go(func() error { return srv.Serve(ctx) })
	}
	g.Go(func() error {
		// The first run goes through the cron chain too, so a tick that
		// lands while it is still going is skipped.
		c.Start()
		c.Entries()[0].WrappedJob.Run()
		select {
		case <-ctx.Done():
		case err := <-fatal:
			stopCron(c)
			return err
		}
		stopCron(c)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func stopCron(c *cron.Cron) {
	<-c.Stop().Done()
}

func exportAll(a *app) error {
	stamp := time.Now().UTC()
	for _, seg := range cfg.Segments {
		if _, _, err := ics.WriteSegment(a.store, seg.Identifier, stamp, cfg.Location(), logger); err != nil {
			return errors.Wrapf(err, "export %s", seg.Identifier)
		}
	}
	return nil
}
