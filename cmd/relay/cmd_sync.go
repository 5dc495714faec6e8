package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/relaydev/relay/pkg/batch"
	"github.com/relaydev/relay/pkg/creds"
)

func (a *app) cmdSync(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "relay: sync: subcommand required (now, status, diagnose)")
		return 1
	}
	switch args[0] {
	case "now":
		return a.cmdSyncNow(args[1:])
	case "status":
		return a.cmdSyncStatus(args[1:])
	case "diagnose":
		return a.cmdSyncDiagnose(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "relay: sync: unknown subcommand %q\n", args[0])
		return 1
	}
}

func (a *app) cmdSyncNow(args []string) int {
	flags := flag.NewFlagSet("sync now", flag.ContinueOnError)
	maxBatch := flags.Int("max", 0, "cap events per batch (default: server limit)")
	dryRun := flags.Bool("dry-run", false, "inspect the queue without sending")
	reportPath := flags.String("report", "", "write a per-event diagnostic dump to FILE")
	verbose := flags.Bool("verbose", false, "print per-event outcomes")
	timeout := flags.Duration("timeout", 60*time.Second, "overall deadline")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report, err := a.rt.SyncNow(ctx, batch.Options{
		MaxBatch:   *maxBatch,
		DryRun:     *dryRun,
		ReportPath: *reportPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: sync: %v\n", err)
		if errors.Is(err, creds.ErrLoggedOut) || errors.Is(err, creds.ErrRefreshExpired) {
			fmt.Fprintln(os.Stderr, "Run 'relay auth login' to continue syncing.")
		}
		return 1
	}

	if *jsonOut {
		printJSON(report)
	} else {
		fmt.Println(report.Summary())
		if *verbose {
			for _, item := range report.Items {
				line := fmt.Sprintf("  %s  %s  %s", item.EventID, item.Status, item.EventType)
				if item.Reason != "" {
					line += " (" + item.Reason + ")"
				}
				fmt.Println(line)
			}
		}
		if report.ReportWriteError != "" {
			fmt.Fprintf(os.Stderr, "relay: sync: report file: %s\n", report.ReportWriteError)
		}
	}
	return 0
}

func (a *app) cmdSyncStatus(args []string) int {
	flags := flag.NewFlagSet("sync status", flag.ContinueOnError)
	check := flags.Bool("check", false, "exit 2 when events are pending")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	st, err := a.rt.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: sync status: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(st.Queue)
	} else {
		fmt.Printf("queue: %d pending\n", st.Queue.Depth)
		if st.Queue.Depth > 0 {
			fmt.Printf("  oldest: %s ago\n", st.Queue.OldestAge.Round(time.Second))
		}
		fmt.Printf("auth: %s\n", st.Auth)
		fmt.Printf("realtime: %s\n", st.Realtime)
	}

	if *check && st.Queue.Depth > 0 {
		return 2
	}
	return 0
}

func (a *app) cmdSyncDiagnose(args []string) int {
	flags := flag.NewFlagSet("sync diagnose", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	st, err := a.rt.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: sync diagnose: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(st)
		return 0
	}

	fmt.Printf("server: %s\n", st.ServerURL)
	fmt.Printf("project: %s (%s)\n", st.Identity.ProjectSlug, st.Identity.ProjectUUID)
	fmt.Printf("node: %s\n", st.Identity.NodeID)
	fmt.Printf("lamport clock: %d\n", st.Clock)
	fmt.Printf("auth: %s\n", st.Auth)
	fmt.Printf("realtime: %s\n", st.Realtime)
	fmt.Printf("queue: %d pending\n", st.Queue.Depth)
	if st.Queue.Depth > 0 {
		fmt.Printf("  oldest: %s ago\n", st.Queue.OldestAge.Round(time.Second))
		for _, tc := range st.Queue.TopEventTypes {
			fmt.Printf("  %5d  %s\n", tc.Count, tc.EventType)
		}
		if len(st.Queue.RetryHistogram) > 0 {
			fmt.Println("  retries:")
			for retries, n := range st.Queue.RetryHistogram {
				fmt.Printf("    %d event(s) retried %d time(s)\n", n, retries)
			}
		}
	}
	return 0
}
