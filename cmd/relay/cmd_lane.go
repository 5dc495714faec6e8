package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/relaydev/relay/pkg/event"
)

func (a *app) cmdLane(args []string) int {
	flags := flag.NewFlagSet("lane", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "relay: lane: workflow status required")
		return 1
	}

	status := event.Status(flags.Arg(0))
	lane, err := event.CollapseLane(status)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: lane: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"status": status, "lane": lane})
	} else {
		fmt.Printf("%s -> %s\n", status, lane)
	}
	return 0
}
