package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/config"
	"github.com/basket/tasksync/internal/daemon"
	"github.com/basket/tasksync/internal/engine"
)

// pairRunner adapts one configured system pair to the daemon's Runner.
type pairRunner struct {
	app  *app
	opts passOptions
}

func (r *pairRunner) Run(ctx context.Context) (*engine.Report, error) {
	return runPass(ctx, r.app, r.opts)
}

func runDaemonCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	from := fs.String("from", "", "source system name")
	to := fs.String("to", "", "destination system name")
	filterFrom := fs.String("filter-from", "", "source-side filter (system-specific)")
	filterTo := fs.String("filter-to", "", "destination-side filter (system-specific)")
	interval := fs.Duration("interval", 0, "time between passes (default: sync_interval_seconds from settings)")
	cronExpr := fs.String("cron", "", "cron schedule overriding -interval (5-field)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *from == "" || *to == "" {
		fmt.Fprintln(os.Stderr, "daemon: -from and -to are required")
		return 2
	}

	app, err := newApp(ctx, false)
	if err != nil {
		return commandError(err)
	}
	defer app.Close(context.Background())

	runInterval := *interval
	if runInterval == 0 {
		runInterval = time.Duration(app.cfg.SyncIntervalSeconds) * time.Second
	}

	eventBus := bus.New()
	stopEvents := watchEvents(eventBus, os.Stderr)

	// The daemon never prompts; destructive situations are refused and the
	// pass fails, to be retried on the next tick.
	runner := &pairRunner{app: app, opts: passOptions{
		From:       *from,
		To:         *to,
		FilterFrom: *filterFrom,
		FilterTo:   *filterTo,
		Confirm:    func(string) bool { return false },
		Bus:        eventBus,
	}}

	watcher := config.NewWatcher(app.cfg.HomeDir, app.logger)
	if err := watcher.Start(ctx); err != nil {
		return commandError(err)
	}

	d := daemon.New(daemon.Config{
		Runner:   runner,
		Logger:   app.logger,
		Interval: runInterval,
		CronExpr: *cronExpr,
		Reload:   watcher.Events(),
		OnReload: func() (time.Duration, string) {
			cfg, err := config.Load()
			if err != nil {
				app.logger.Warn("settings reload failed, keeping schedule", "error", err)
				return runInterval, *cronExpr
			}
			app.cfg = cfg
			return time.Duration(cfg.SyncIntervalSeconds) * time.Second, *cronExpr
		},
	})
	d.Start(ctx)
	app.logger.Info("daemon started", "from", *from, "to", *to, "interval", runInterval, "cron", *cronExpr)

	<-ctx.Done()
	d.Stop()
	stopEvents()
	app.logger.Info("daemon stopped")
	return 0
}
