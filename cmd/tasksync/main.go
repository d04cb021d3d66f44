package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/tasksync/internal/adapter"
	"github.com/basket/tasksync/internal/adapter/github"
	"github.com/basket/tasksync/internal/adapter/jsonfile"
	"github.com/basket/tasksync/internal/adapter/taskwarrior"
	"github.com/basket/tasksync/internal/config"
	"github.com/basket/tasksync/internal/mapstore"
	otelPkg "github.com/basket/tasksync/internal/otel"
	"github.com/basket/tasksync/internal/resolve"
	"github.com/basket/tasksync/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s sync -from <system> -to <system> [options]
                              Run one reconciliation pass between two systems
                              Options: -filter-from, -filter-to, -yes
  %s daemon [options]         Run passes on a schedule until interrupted
                              Options: -from, -to, -filter-from, -filter-to,
                                       -interval <duration>, -cron <expr>
  %s reconcile -from <system> -to <system> [options]
                              Pair pre-existing tasks across two systems
                              Options: -filter-from, -filter-to
  %s link <system> <id> <system> <id>
                              Bind two existing tasks to one identity
  %s config list              Show all settings
  %s config get <key>         Read one setting (dotted keys)
  %s config set <key> <value> Write one setting
  %s version                  Print version

ENVIRONMENT VARIABLES:
  TASKSYNC_HOME               Data directory (default: ~/.tasksync)
  TASKSYNC_LOG_LEVEL          Override log_level from settings.yaml
  GITHUB_TOKEN                Personal access token for the github system

EXAMPLES:
  One-shot sync:   %s sync -from taskwarrior -to github -filter-to owner/repo
  Scheduled:       %s daemon -from taskwarrior -to github -cron "*/15 * * * *"
  Adopt existing:  %s reconcile -from taskwarrior -to github
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "version":
		fmt.Printf("tasksync %s\n", Version)
	case "sync":
		os.Exit(runSyncCommand(ctx, args[1:]))
	case "daemon":
		os.Exit(runDaemonCommand(ctx, args[1:]))
	case "reconcile":
		os.Exit(runReconcileCommand(ctx, args[1:]))
	case "link":
		os.Exit(runLinkCommand(ctx, args[1:]))
	case "config":
		os.Exit(runConfigCommand(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// app holds the shared wiring every stateful subcommand needs.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	logClose io.Closer
	store    *mapstore.Store
	otel     *otelPkg.Provider
	registry *adapter.Registry
}

// newApp loads settings and opens the logger, store, and telemetry provider.
// quiet keeps logs file-only so command output stays clean.
func newApp(ctx context.Context, quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	store, err := mapstore.Open(filepath.Join(cfg.HomeDir, "tasksync.db"))
	if err != nil {
		provider.Shutdown(ctx)
		closer.Close()
		return nil, fmt.Errorf("open sync state: %w", err)
	}

	reg := adapter.NewRegistry()
	taskwarrior.Register(reg)
	github.Register(reg)
	jsonfile.Register(reg)

	return &app{
		cfg:      cfg,
		logger:   logger,
		logClose: closer,
		store:    store,
		otel:     provider,
		registry: reg,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	a.store.Close()
	a.otel.Shutdown(ctx)
	a.logClose.Close()
}

func (a *app) adapter(name string) (adapter.Adapter, error) {
	return a.registry.New(name, adapter.Options{
		Settings: a.cfg.System(name),
		Logger:   a.logger,
	})
}

// resolver picks the conflict strategy from settings. The mergetool strategy
// needs a confirm callback for its retry loop.
func (a *app) resolver(confirm func(prompt string) bool) resolve.Strategy {
	if a.cfg.MergeStrategy == "fieldwise" {
		return resolve.Fieldwise{}
	}
	return &resolve.GitMergetool{
		Tool:    a.cfg.Difftool,
		Logger:  a.logger,
		Confirm: confirm,
	}
}

// stdinConfirm prompts on the terminal. On non-terminal stdin the answer is
// always no, so scripted runs never hang.
func stdinConfirm(assumeYes bool) func(prompt string) bool {
	if assumeYes {
		return func(string) bool { return true }
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return func(string) bool { return false }
	}
	reader := bufio.NewReader(os.Stdin)
	return func(prompt string) bool {
		fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

func commandError(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}

func formatDuration(d time.Duration) string {
	return d.Truncate(time.Millisecond).String()
}
