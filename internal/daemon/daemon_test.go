package daemon_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/tasksync/internal/config"
	"github.com/basket/tasksync/internal/daemon"
	"github.com/basket/tasksync/internal/engine"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses. This avoids fixed time.Sleep calls that cause flaky
// tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type countingRunner struct {
	mu   sync.Mutex
	runs int
	err  error
}

func (r *countingRunner) Run(context.Context) (*engine.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	if r.err != nil {
		return nil, r.err
	}
	return &engine.Report{PassID: "test"}, nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func TestDaemon_FiresOnInterval(t *testing.T) {
	runner := &countingRunner{}
	d := daemon.New(daemon.Config{
		Runner:   runner,
		Logger:   slog.New(slog.DiscardHandler),
		Interval: 20 * time.Millisecond,
	})
	d.Start(context.Background())
	defer d.Stop()

	waitFor(t, 3*time.Second, func() bool { return runner.count() >= 2 })
}

func TestDaemon_SurvivesPassFailure(t *testing.T) {
	runner := &countingRunner{err: errors.New("system unreachable")}
	d := daemon.New(daemon.Config{
		Runner:   runner,
		Logger:   slog.New(slog.DiscardHandler),
		Interval: 20 * time.Millisecond,
	})
	d.Start(context.Background())
	defer d.Stop()

	// Keeps firing despite every pass failing.
	waitFor(t, 3*time.Second, func() bool { return runner.count() >= 3 })
}

func TestDaemon_StopHalts(t *testing.T) {
	runner := &countingRunner{}
	d := daemon.New(daemon.Config{
		Runner:   runner,
		Logger:   slog.New(slog.DiscardHandler),
		Interval: 20 * time.Millisecond,
	})
	d.Start(context.Background())
	waitFor(t, 3*time.Second, func() bool { return runner.count() >= 1 })
	d.Stop()

	at := runner.count()
	time.Sleep(100 * time.Millisecond)
	if runner.count() != at {
		t.Fatalf("runner fired after Stop: %d -> %d", at, runner.count())
	}
}

func TestDaemon_ReloadChangesInterval(t *testing.T) {
	runner := &countingRunner{}
	reload := make(chan config.ReloadEvent, 1)
	d := daemon.New(daemon.Config{
		Runner:   runner,
		Logger:   slog.New(slog.DiscardHandler),
		Interval: time.Hour, // effectively never
		Reload:   reload,
		OnReload: func() (time.Duration, string) { return 20 * time.Millisecond, "" },
	})
	d.Start(context.Background())
	defer d.Stop()

	reload <- config.ReloadEvent{Path: "settings.yaml"}
	waitFor(t, 3*time.Second, func() bool { return runner.count() >= 1 })
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	next, err := daemon.NextRunTime("0 * * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := daemon.NextRunTime("not a cron", after); err == nil {
		t.Fatal("expected parse error")
	}
}
