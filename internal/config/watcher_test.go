package config_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/basket/tasksync/internal/config"
)

func TestWatcher_NotifiesOnSettingsWrite(t *testing.T) {
	home := t.TempDir()
	path := config.SettingsPath(home)
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := config.NewWatcher(home, slog.New(slog.DiscardHandler))
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite settings: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path == "" {
			t.Fatal("event without path")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event")
	}
}

func TestWatcher_StopsOnCancel(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.SettingsPath(home), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := config.NewWatcher(home, slog.New(slog.DiscardHandler))
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			// A buffered event may arrive before close; drain once more.
			if _, ok := <-w.Events(); ok {
				t.Fatal("events channel not closed after cancel")
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel never closed")
	}
}
