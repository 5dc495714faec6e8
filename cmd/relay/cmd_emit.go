package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/relaydev/relay/pkg/event"
)

func (a *app) cmdEmit(args []string) int {
	flags := flag.NewFlagSet("emit", flag.ContinueOnError)
	aggregate := flags.String("aggregate", "", "aggregate id (e.g. work package id)")
	aggType := flags.String("aggregate-type", "work_package", "aggregate type")
	payload := flags.String("payload", "", "payload as JSON object ('-' reads stdin)")
	cause := flags.String("cause", "", "causing event id")
	correlation := flags.String("correlation", "", "correlation id grouping related events")
	tier := flags.String("tier", "", "data tier routing hint")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if flags.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "relay: emit: event type required")
		return 1
	}
	eventType := flags.Arg(0)
	if *aggregate == "" {
		fmt.Fprintln(os.Stderr, "relay: emit: --aggregate required")
		return 1
	}

	body, err := parsePayload(*payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: emit: %v\n", err)
		return 1
	}

	var opts []event.Option
	if *cause != "" {
		opts = append(opts, event.WithCausation(&event.Event{EventID: *cause}))
	}
	if *correlation != "" {
		opts = append(opts, event.WithCorrelationID(*correlation))
	}
	if *tier != "" {
		opts = append(opts, event.WithDataTier(*tier))
	}

	e, err := a.rt.Emit(eventType, *aggregate, *aggType, body, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: emit: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(e)
	} else {
		fmt.Printf("emitted %s ts=%d id=%s\n", e.EventType, e.LamportClock, e.EventID)
		if e.QueueOnly {
			fmt.Println("  queue-only: no project uuid, event will not leave this machine")
		}
	}
	return 0
}

// parsePayload decodes the --payload value into the event body. Empty
// means no payload; "-" reads a JSON object from stdin.
func parsePayload(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var src []byte
	if raw == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		src = b
	} else {
		src = []byte(raw)
	}
	var body map[string]any
	if err := json.Unmarshal(src, &body); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return body, nil
}
