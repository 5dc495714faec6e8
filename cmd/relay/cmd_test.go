package main

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/relaydev/relay/pkg/event"
)

// --- envOr tests ---

func TestEnvOr_EnvSet(t *testing.T) {
	t.Setenv("TEST_RELAY_ENV", "hello")
	if got := envOr("TEST_RELAY_ENV", "default"); got != "hello" {
		t.Fatalf("envOr with set env: got %q, want %q", got, "hello")
	}
}

func TestEnvOr_EnvUnset(t *testing.T) {
	if got := envOr("TEST_RELAY_UNSET_KEY_XYZ", "fallback"); got != "fallback" {
		t.Fatalf("envOr with unset env: got %q, want %q", got, "fallback")
	}
}

func TestEnvOr_EmptyEnv(t *testing.T) {
	t.Setenv("TEST_RELAY_EMPTY", "")
	if got := envOr("TEST_RELAY_EMPTY", "default"); got != "default" {
		t.Fatalf("envOr with empty env: got %q, want %q", got, "default")
	}
}

// --- parsePayload tests ---

func TestParsePayload_Empty(t *testing.T) {
	body, err := parsePayload("")
	if err != nil || body != nil {
		t.Fatalf("parsePayload(\"\"): got %v, err=%v", body, err)
	}
}

func TestParsePayload_Object(t *testing.T) {
	body, err := parsePayload(`{"status":"CLAIMED","note":"x"}`)
	if err != nil {
		t.Fatalf("parsePayload: %v", err)
	}
	if body["status"] != "CLAIMED" || body["note"] != "x" {
		t.Fatalf("parsePayload: got %v", body)
	}
}

func TestParsePayload_NotAnObject(t *testing.T) {
	if _, err := parsePayload(`[1,2,3]`); err == nil {
		t.Fatal("parsePayload should reject non-object JSON")
	}
	if _, err := parsePayload(`not json`); err == nil {
		t.Fatal("parsePayload should reject invalid JSON")
	}
}

// --- lane command tests ---

func newLaneApp(t *testing.T) *app {
	t.Helper()
	// cmdLane never starts the runtime, so a bare app suffices.
	return newApp()
}

func TestCmdLane_KnownStatus(t *testing.T) {
	a := newLaneApp(t)
	out := captureStdout(t, func() {
		if code := a.cmdLane([]string{string(event.StatusBlocked)}); code != 0 {
			t.Fatalf("lane BLOCKED: exit %d", code)
		}
	})
	if !strings.Contains(out, "BLOCKED -> doing") {
		t.Fatalf("lane BLOCKED: got %q", out)
	}
}

func TestCmdLane_UnknownStatus(t *testing.T) {
	a := newLaneApp(t)
	stderr := captureStderr(t, func() {
		if code := a.cmdLane([]string{"ARCHIVED"}); code != 1 {
			t.Fatalf("lane ARCHIVED: expected exit 1, got %d", code)
		}
	})
	if !strings.Contains(stderr, "unknown status") {
		t.Fatalf("lane ARCHIVED: got %q", stderr)
	}
}

func TestCmdLane_JSON(t *testing.T) {
	a := newLaneApp(t)
	out := captureStdout(t, func() {
		if code := a.cmdLane([]string{"--json", "DONE"}); code != 0 {
			t.Fatalf("lane --json DONE: exit %d", code)
		}
	})
	if !strings.Contains(out, `"lane": "done"`) {
		t.Fatalf("lane --json DONE: got %q", out)
	}
}

// --- run dispatch tests ---

// run must return its exit code rather than calling os.Exit itself:
// these tests regaining control after run proves the deferred engine
// shutdown in run executes before the process would exit.

func TestRun_VersionReturnsZero(t *testing.T) {
	out := captureStdout(t, func() {
		if code := run([]string{"--version"}); code != 0 {
			t.Fatalf("run --version: exit %d", code)
		}
	})
	if !strings.Contains(out, version) {
		t.Fatalf("run --version: got %q", out)
	}
}

func TestRun_UnknownCommandReturnsOne(t *testing.T) {
	stderr := captureStderr(t, func() {
		if code := run([]string{"frobnicate"}); code != 1 {
			t.Fatalf("run frobnicate: expected exit 1, got %d", code)
		}
	})
	if !strings.Contains(stderr, "unknown command") {
		t.Fatalf("run frobnicate: got %q", stderr)
	}
}

func TestRun_SubcommandExitCodePropagates(t *testing.T) {
	// lane dispatches through the full run path, including the
	// deferred app shutdown.
	out := captureStdout(t, func() {
		if code := run([]string{"lane", "DONE"}); code != 0 {
			t.Fatalf("run lane DONE: exit %d", code)
		}
	})
	if !strings.Contains(out, "DONE -> done") {
		t.Fatalf("run lane DONE: got %q", out)
	}
}

// --- Helpers ---

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	fn()

	w.Close()
	os.Stderr = old
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}
