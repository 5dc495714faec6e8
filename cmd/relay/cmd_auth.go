package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/relaydev/relay/pkg/creds"
)

func (a *app) cmdAuth(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "relay: auth: subcommand required (login, logout, status)")
		return 1
	}
	switch args[0] {
	case "login":
		return a.cmdAuthLogin(args[1:])
	case "logout":
		return a.cmdAuthLogout(args[1:])
	case "status":
		return a.cmdAuthStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "relay: auth: unknown subcommand %q\n", args[0])
		return 1
	}
}

func (a *app) cmdAuthLogin(args []string) int {
	flags := flag.NewFlagSet("auth login", flag.ContinueOnError)
	username := flags.String("username", "", "account username")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *username == "" {
		fmt.Fprintln(os.Stderr, "relay: auth login: --username required")
		return 1
	}

	password := os.Getenv("RELAY_PASSWORD")
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "relay: auth login: read password: %v\n", err)
			return 1
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		fmt.Fprintln(os.Stderr, "relay: auth login: empty password")
		return 1
	}

	cm, err := a.rt.Creds()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: auth login: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c, err := cm.Login(ctx, *username, password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: auth login: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"username":           c.Username,
			"server_url":         c.ServerURL,
			"access_expires_at":  c.AccessExpiresAt,
			"refresh_expires_at": c.RefreshExpiresAt,
		})
	} else {
		fmt.Printf("logged in as %s (%s)\n", c.Username, c.ServerURL)
		fmt.Printf("  session valid until %s\n", c.RefreshExpiresAt.Local().Format(time.RFC1123))
	}
	return 0
}

func (a *app) cmdAuthLogout(args []string) int {
	flags := flag.NewFlagSet("auth logout", flag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cm, err := a.rt.Creds()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: auth logout: %v\n", err)
		return 1
	}
	if err := cm.Logout(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: auth logout: %v\n", err)
		return 1
	}
	fmt.Println("logged out")
	return 0
}

func (a *app) cmdAuthStatus(args []string) int {
	flags := flag.NewFlagSet("auth status", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	cm, err := a.rt.Creds()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: auth status: %v\n", err)
		return 1
	}

	c, err := cm.Load()
	if errors.Is(err, creds.ErrLoggedOut) {
		if *jsonOut {
			printJSON(map[string]interface{}{"state": "logged-out"})
		} else {
			fmt.Println("logged out")
		}
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: auth status: %v\n", err)
		return 1
	}

	now := time.Now().UTC()
	state := "logged-in"
	if !c.RefreshValid(now) {
		state = "login-required"
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"state":              state,
			"username":           c.Username,
			"server_url":         c.ServerURL,
			"access_valid":       c.AccessValid(now),
			"refresh_expires_at": c.RefreshExpiresAt,
		})
	} else {
		fmt.Printf("%s as %s (%s)\n", state, c.Username, c.ServerURL)
		if c.AccessValid(now) {
			fmt.Printf("  access token valid until %s\n", c.AccessExpiresAt.Local().Format(time.RFC1123))
		} else {
			fmt.Println("  access token expired (refreshes on next sync)")
		}
	}
	return 0
}
