package main

import (
	"encoding/json"
	"os"

	"github.com/relaydev/relay/pkg/runtime"
)

// app holds shared state for all CLI subcommands.
type app struct {
	rt *runtime.Runtime
}

// newApp builds the engine facade. Nothing is opened here: the runtime
// starts lazily on the first command that needs it, so 'relay --help'
// and flag errors never touch the database.
func newApp() *app {
	return &app{
		rt: runtime.New(runtime.Config{
			ServerURL: envOr("RELAY_SERVER_URL", ""),
		}),
	}
}

// Close flushes and releases engine resources.
func (a *app) Close() { _ = a.rt.Stop() }

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
