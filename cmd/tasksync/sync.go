package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/engine"
	otelPkg "github.com/basket/tasksync/internal/otel"
)

var (
	reportTitleStyle = lipgloss.NewStyle().Bold(true)
	reportLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12)
	reportWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func runSyncCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	from := fs.String("from", "", "source system name")
	to := fs.String("to", "", "destination system name")
	filterFrom := fs.String("filter-from", "", "source-side filter (system-specific)")
	filterTo := fs.String("filter-to", "", "destination-side filter (system-specific)")
	assumeYes := fs.Bool("yes", false, "answer yes to destructive prompts")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *from == "" || *to == "" {
		fmt.Fprintln(os.Stderr, "sync: -from and -to are required")
		return 2
	}

	app, err := newApp(ctx, true)
	if err != nil {
		return commandError(err)
	}
	defer app.Close(ctx)

	// The app runs quiet here, so the event stream on stderr is the only
	// live progress the operator sees.
	eventBus := bus.New()
	stop := watchEvents(eventBus, os.Stderr)
	report, err := runPass(ctx, app, passOptions{
		From:       *from,
		To:         *to,
		FilterFrom: *filterFrom,
		FilterTo:   *filterTo,
		Confirm:    stdinConfirm(*assumeYes),
		Bus:        eventBus,
	})
	stop()
	if err != nil {
		return commandError(err)
	}
	fmt.Println(renderReport(*from, *to, report))
	return 0
}

type passOptions struct {
	From, To             string
	FilterFrom, FilterTo string
	Confirm              func(prompt string) bool
	Bus                  *bus.Bus
}

// watchEvents streams pass events to w until stopped. The returned stop
// function unsubscribes and waits for the writer goroutine to drain.
func watchEvents(eventBus *bus.Bus, w io.Writer) (stop func()) {
	sub := eventBus.Subscribe("sync.")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Ch() {
			if line := renderEvent(ev); line != "" {
				fmt.Fprintln(w, line)
			}
		}
	}()
	return func() {
		eventBus.Unsubscribe(sub)
		<-done
	}
}

// renderEvent turns one pass event into a progress line, or "" for events
// with nothing to tell the operator.
func renderEvent(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.ConflictEvent:
		if p.Resolved {
			return fmt.Sprintf("conflict on %s resolved", p.UUID)
		}
		return reportWarnStyle.Render(fmt.Sprintf("conflict detected on %s", p.UUID))
	case bus.TombstoneEvent:
		return fmt.Sprintf("deletion on %s propagated for %s", p.System, p.UUID)
	case bus.IdentityEvent:
		if ev.Topic == bus.TopicIdentitySkipped {
			return reportWarnStyle.Render(fmt.Sprintf("skipped %s: %s", p.UUID, p.Err))
		}
	}
	return ""
}

// runPass builds an engine for one system pair and runs a single pass.
// An omitted destination filter falls back to the route remembered from a
// previous run of the same pair; a successful pass refreshes the route.
func runPass(ctx context.Context, app *app, opts passOptions) (*engine.Report, error) {
	a, err := app.adapter(opts.From)
	if err != nil {
		return nil, err
	}
	b, err := app.adapter(opts.To)
	if err != nil {
		return nil, err
	}

	filterTo := opts.FilterTo
	if filterTo == "" {
		if remembered, ok, err := app.store.RecallRoute(ctx, opts.From, opts.FilterFrom, opts.To); err == nil && ok {
			filterTo = remembered
			app.logger.Info("using remembered route", "from", opts.From, "to", opts.To, "target", filterTo)
		}
	}

	metrics, err := otelPkg.NewMetrics(app.otel.Meter)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(engine.Config{
		Store:    app.store,
		A:        a,
		B:        b,
		Resolver: app.resolver(opts.Confirm),
		FilterA:  opts.FilterFrom,
		FilterB:  filterTo,
		Logger:   app.logger,
		Bus:      opts.Bus,
		Metrics:  metrics,
		Tracer:   app.otel.Tracer,
		Confirm:  opts.Confirm,
	})
	if err != nil {
		return nil, err
	}
	report, err := eng.Run(ctx)
	if err != nil {
		return nil, err
	}
	if filterTo != "" {
		if err := app.store.RememberRoute(ctx, opts.From, opts.FilterFrom, opts.To, filterTo); err != nil {
			app.logger.Warn("failed to remember route", "error", err)
		}
	}
	return report, nil
}

func renderReport(from, to string, r *engine.Report) string {
	var b strings.Builder
	b.WriteString(reportTitleStyle.Render(fmt.Sprintf("%s <-> %s", from, to)))
	b.WriteString("\n")
	line := func(label string, n int) {
		b.WriteString(fmt.Sprintf("%s %d\n", reportLabelStyle.Render(label), n))
	}
	line("examined", r.Examined)
	line("created", r.Created)
	line("updated", r.Updated)
	line("tombstoned", r.Tombstoned)
	line("conflicts", r.Conflicts)
	line("clean", r.Clean)
	if r.Skipped > 0 {
		b.WriteString(reportWarnStyle.Render(fmt.Sprintf("%s %d", reportLabelStyle.Render("skipped"), r.Skipped)))
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("%s %s\n", reportLabelStyle.Render("duration"), formatDuration(r.Duration)))
	return b.String()
}
