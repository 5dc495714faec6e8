package main

import (
	"flag"
	"fmt"
	"os"
)

func (a *app) cmdInit(args []string) int {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	id, err := a.rt.Identity()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: init: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(id)
	} else {
		fmt.Printf("project: %s\n", id.ProjectSlug)
		fmt.Printf("uuid: %s\n", id.ProjectUUID)
		fmt.Printf("node: %s\n", id.NodeID)
		if id.Ephemeral {
			fmt.Fprintln(os.Stderr, "relay: init: identity could not be persisted; using in-memory identity for this run")
		}
	}
	return 0
}
