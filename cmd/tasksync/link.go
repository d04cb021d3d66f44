package main

import (
	"context"
	"fmt"
	"os"
)

// runLinkCommand binds two existing tasks to one identity by hand, for the
// cases the reconcile matcher cannot decide.
func runLinkCommand(ctx context.Context, args []string) int {
	if len(args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: tasksync link <system> <external-id> <system> <external-id>")
		return 2
	}
	systemA, idA, systemB, idB := args[0], args[1], args[2], args[3]
	if systemA == systemB {
		fmt.Fprintln(os.Stderr, "link: the two systems must differ")
		return 2
	}

	app, err := newApp(ctx, true)
	if err != nil {
		return commandError(err)
	}
	defer app.Close(ctx)

	a, err := app.adapter(systemA)
	if err != nil {
		return commandError(err)
	}
	if err := a.Authenticate(ctx); err != nil {
		return commandError(err)
	}
	raw, err := a.FetchOne(ctx, idA)
	if err != nil {
		return commandError(fmt.Errorf("verify %s task %s: %w", systemA, idA, err))
	}
	task, err := a.ToCanonical(raw)
	if err != nil {
		return commandError(err)
	}

	internal, err := app.store.Link(ctx, systemA, idA, systemB, idB)
	if err != nil {
		return commandError(err)
	}
	task.UUID = internal
	if err := app.store.CommitSnapshot(ctx, task); err != nil {
		return commandError(err)
	}
	fmt.Printf("linked %s/%s <-> %s/%s as %s\n", systemA, idA, systemB, idB, internal)
	return 0
}
