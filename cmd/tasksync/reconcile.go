package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/mattn/go-isatty"

	"github.com/basket/tasksync/internal/adapter"
	"github.com/basket/tasksync/internal/cir"
)

// runReconcileCommand pairs tasks that already exist on both sides before the
// first sync pass, so the engine sees them as one identity instead of
// creating duplicates. Identical tasks are linked automatically; ambiguous
// ones go through an interactive picker.
func runReconcileCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	from := fs.String("from", "", "source system name")
	to := fs.String("to", "", "destination system name")
	filterFrom := fs.String("filter-from", "", "source-side filter (system-specific)")
	filterTo := fs.String("filter-to", "", "destination-side filter (system-specific)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *from == "" || *to == "" {
		fmt.Fprintln(os.Stderr, "reconcile: -from and -to are required")
		return 2
	}

	app, err := newApp(ctx, true)
	if err != nil {
		return commandError(err)
	}
	defer app.Close(ctx)

	a, err := app.adapter(*from)
	if err != nil {
		return commandError(err)
	}
	b, err := app.adapter(*to)
	if err != nil {
		return commandError(err)
	}

	unmatchedA, err := fetchUnmapped(ctx, app, a, *filterFrom)
	if err != nil {
		return commandError(err)
	}
	unmatchedB, err := fetchUnmapped(ctx, app, b, *filterTo)
	if err != nil {
		return commandError(err)
	}

	autoLinked := 0
	for _, ca := range unmatchedA {
		for i, cb := range unmatchedB {
			if cb == nil || ca.task.Fingerprint() != cb.task.Fingerprint() {
				continue
			}
			if err := linkPair(ctx, app, a.Name(), ca, b.Name(), cb); err != nil {
				return commandError(err)
			}
			ca.linked = true
			unmatchedB[i] = nil
			autoLinked++
			break
		}
	}

	manualLinked := 0
	remaining := 0
	interactive := isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
	for _, ca := range unmatchedA {
		if ca.linked {
			continue
		}
		if !interactive {
			remaining++
			continue
		}
		items := candidateItems(unmatchedB)
		if len(items.items) == 0 {
			remaining++
			continue
		}
		prompt := fmt.Sprintf("Match for %q on %s:", ca.task.Description, b.Name())
		choice, err := runPicker(prompt, items.items)
		if err != nil {
			fmt.Fprintln(os.Stderr, "reconcile aborted")
			break
		}
		if choice == pickNone {
			remaining++
			continue
		}
		cb := unmatchedB[items.index[choice]]
		if err := linkPair(ctx, app, a.Name(), ca, b.Name(), cb); err != nil {
			return commandError(err)
		}
		unmatchedB[items.index[choice]] = nil
		manualLinked++
	}

	fmt.Printf("linked %d automatically, %d interactively, %d left unpaired\n",
		autoLinked, manualLinked, remaining)
	return 0
}

type unmapped struct {
	externalID string
	task       *cir.Task
	linked     bool
}

// fetchUnmapped returns every task on one side that has no identity mapping
// yet, sorted by description for stable candidate output.
func fetchUnmapped(ctx context.Context, app *app, adp adapter.Adapter, filter string) ([]*unmapped, error) {
	if err := adp.Authenticate(ctx); err != nil {
		return nil, err
	}
	adp.SetFilter(filter)
	raws, err := adp.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*unmapped
	for _, raw := range raws {
		ext, err := adp.ExternalID(raw)
		if err != nil {
			app.logger.Warn("skipping unidentifiable record", "system", adp.Name(), "error", err)
			continue
		}
		if _, mapped, err := app.store.Resolve(ctx, adp.Name(), ext); err != nil {
			return nil, err
		} else if mapped {
			continue
		}
		task, err := adp.ToCanonical(raw)
		if err != nil {
			app.logger.Warn("skipping untranslatable record", "system", adp.Name(), "external_id", ext, "error", err)
			continue
		}
		out = append(out, &unmapped{externalID: ext, task: task})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].task.Description < out[j].task.Description })
	return out, nil
}

func linkPair(ctx context.Context, app *app, systemA string, ca *unmapped, systemB string, cb *unmapped) error {
	internal, err := app.store.Link(ctx, systemA, ca.externalID, systemB, cb.externalID)
	if err != nil {
		return err
	}
	// Baseline on the source side's content; differences surface as a
	// normal dirty or conflict state on the next pass.
	snapshot := ca.task.Clone()
	snapshot.UUID = internal
	if err := app.store.CommitSnapshot(ctx, snapshot); err != nil {
		return err
	}
	app.logger.Info("linked identity",
		"uuid", internal,
		"system_a", systemA, "external_a", ca.externalID,
		"system_b", systemB, "external_b", cb.externalID)
	return nil
}

type candidates struct {
	items []pickItem
	index []int // picker row -> unmatchedB position
}

func candidateItems(unmatchedB []*unmapped) candidates {
	var c candidates
	for i, cb := range unmatchedB {
		if cb == nil || cb.linked {
			continue
		}
		c.items = append(c.items, pickItem{id: cb.externalID, title: cb.task.Description})
		c.index = append(c.index, i)
	}
	return c
}
