// Package daemon runs reconciliation passes on a schedule. The loop fires
// either every sync interval or on a cron expression, and picks up settings
// changes without a restart.
package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/tasksync/internal/config"
	"github.com/basket/tasksync/internal/engine"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Runner is the slice of the engine the daemon needs.
type Runner interface {
	Run(ctx context.Context) (*engine.Report, error)
}

// Config holds the dependencies for the daemon loop.
type Config struct {
	Runner Runner
	Logger *slog.Logger

	// Interval between passes; defaults to 5 minutes if zero.
	Interval time.Duration

	// CronExpr, when set and valid, overrides Interval.
	CronExpr string

	// Reload delivers settings-change notifications. Optional.
	Reload <-chan config.ReloadEvent

	// OnReload re-reads the settings and returns the new interval and cron
	// expression. Called for every reload event. Optional.
	OnReload func() (time.Duration, string)
}

// Daemon fires passes until stopped. A pass failure is logged and the
// schedule keeps going; transient outages on either system should not kill
// the loop.
type Daemon struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	cronExpr string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Daemon {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		interval: interval,
		cronExpr: cfg.CronExpr,
	}
}

// Start begins the loop in a background goroutine.
func (d *Daemon) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("daemon started", "interval", d.interval, "cron", d.cronExpr)
}

// Stop cancels the loop and waits for it to exit.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("daemon stopped")
}

func (d *Daemon) loop(ctx context.Context) {
	defer d.wg.Done()

	timer := time.NewTimer(d.untilNext(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.runPass(ctx)
			timer.Reset(d.untilNext(time.Now()))
		case ev, ok := <-d.cfg.Reload:
			if !ok {
				// Watcher gone; keep the current schedule.
				d.cfg.Reload = nil
				continue
			}
			d.applyReload(ev)
			timer.Reset(d.untilNext(time.Now()))
		}
	}
}

// untilNext computes the wait before the next pass: the cron expression's
// next fire time when one is configured, the plain interval otherwise.
func (d *Daemon) untilNext(now time.Time) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cronExpr != "" {
		sched, err := cronParser.Parse(d.cronExpr)
		if err != nil {
			d.logger.Error("invalid cron expression, falling back to interval", "cron", d.cronExpr, "error", err)
		} else {
			return sched.Next(now).Sub(now)
		}
	}
	return d.interval
}

func (d *Daemon) applyReload(ev config.ReloadEvent) {
	if d.cfg.OnReload == nil {
		return
	}
	interval, cronExpr := d.cfg.OnReload()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	d.mu.Lock()
	d.interval = interval
	d.cronExpr = cronExpr
	d.mu.Unlock()
	d.logger.Info("schedule reloaded", "path", ev.Path, "interval", interval, "cron", cronExpr)
}

func (d *Daemon) runPass(ctx context.Context) {
	report, err := d.cfg.Runner.Run(ctx)
	if err != nil {
		d.logger.Error("scheduled pass failed", "error", err)
		return
	}
	d.logger.Info("scheduled pass completed",
		"pass_id", report.PassID,
		"created", report.Created,
		"updated", report.Updated,
		"tombstoned", report.Tombstoned,
		"conflicts", report.Conflicts,
		"skipped", report.Skipped,
	)
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
