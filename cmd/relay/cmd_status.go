package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

func (a *app) cmdStatus(args []string) int {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	st, err := a.rt.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: status: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(st)
		return 0
	}

	fmt.Printf("%s @ %s\n", st.Identity.ProjectSlug, st.ServerURL)
	fmt.Printf("  node %s  clock %d\n", st.Identity.NodeID, st.Clock)
	fmt.Printf("  auth: %s  realtime: %s\n", st.Auth, st.Realtime)
	if st.Queue.Depth == 0 {
		fmt.Println("  queue: empty")
	} else {
		fmt.Printf("  queue: %d pending (oldest %s ago)\n",
			st.Queue.Depth, st.Queue.OldestAge.Round(time.Second))
	}
	return 0
}
