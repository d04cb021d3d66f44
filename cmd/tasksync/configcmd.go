package main

import (
	"fmt"
	"os"

	"github.com/basket/tasksync/internal/config"
)

// runConfigCommand reads and writes settings.yaml without touching the sync
// state, so it works before any system is configured.
func runConfigCommand(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: tasksync config <list|get|set> ...")
		return 2
	}
	home := config.HomeDir()
	switch args[0] {
	case "list":
		entries, err := config.List(home)
		if err != nil {
			return commandError(err)
		}
		for _, e := range entries {
			fmt.Printf("%s = %s\n", e[0], e[1])
		}
		return 0
	case "get":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: tasksync config get <key>")
			return 2
		}
		value, ok, err := config.Get(home, args[1])
		if err != nil {
			return commandError(err)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "key %q is not set\n", args[1])
			return 1
		}
		fmt.Println(value)
		return 0
	case "set":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "usage: tasksync config set <key> <value>")
			return 2
		}
		if err := config.Set(home, args[1], args[2]); err != nil {
			return commandError(err)
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown config action %q\n", args[0])
		return 2
	}
}
