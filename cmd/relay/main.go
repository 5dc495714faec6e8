// Command relay is the developer-workflow sync CLI — offline-first
// event capture with Lamport-ordered delivery to a relay server.
package main

import (
	"fmt"
	"os"
)

const version = "1.0.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run dispatches the command and returns the exit code. The engine is
// always stopped before the process exits so the realtime connection
// closes cleanly and in-flight queue work drains; os.Exit lives only in
// main, after the shutdown has run.
func run(args []string) int {
	if len(args) < 1 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "--help", "-h", "help":
		printUsage()
		return 0
	case "--version", "-v", "version":
		fmt.Println("relay", version)
		return 0
	}

	a := newApp()
	defer a.Close()

	switch args[0] {
	// Setup
	case "init":
		return a.cmdInit(args[1:])
	case "auth":
		return a.cmdAuth(args[1:])

	// Operations
	case "emit":
		return a.cmdEmit(args[1:])
	case "sync":
		return a.cmdSync(args[1:])
	case "status":
		return a.cmdStatus(args[1:])
	case "lane":
		return a.cmdLane(args[1:])

	default:
		fmt.Fprintf(os.Stderr, "relay: unknown command %q\n", args[0])
		fmt.Fprintln(os.Stderr, "Run 'relay --help' for usage.")
		return 1
	}
}

func printUsage() {
	fmt.Print(`relay — offline-first workflow event sync

Events are captured locally first (Lamport-ordered, durable SQLite
queue) and delivered to the server when connectivity allows. Every
command works offline.

Usage:
  relay <command> [flags]

Setup:
  init                       Ensure project identity (.relay/identity.toml)
  auth login                 Obtain and store server credentials
  auth logout                Discard stored credentials
  auth status                Show credential state

Commands:
  emit <type> [flags]        Capture an event into the local queue
  sync now [flags]           Drain the queue to the server once
  sync status [--check]      Queue depth and last-error summary
  sync diagnose              Full queue, auth, and connection report
  status                     Engine overview (identity, queue, clock)
  lane <status>              Map a workflow status to its board lane

Environment:
  RELAY_SERVER_URL   Server endpoint (overrides config file)
  RELAY_PASSWORD     Password for 'auth login' (else read from stdin)

All commands support --json for machine-readable output.

Exit codes:
  0  success
  1  error
  2  pending work (sync status --check with a non-empty queue)
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
