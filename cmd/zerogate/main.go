package main

// ---------------------------------------------------------------------------
// main.go — command dispatcher for the zerogate CLI
//
// This file is intentionally slim. Command implementations live in their own
// files (cmd_*.go); shared helpers are in helpers.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

var (
	version   = "0.3.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--version", "-V":
			printVersion(os.Stdout)
			os.Exit(0)
		case "--help", "-h", "help":
			printUsage(os.Stdout)
			os.Exit(0)
		}
	}

	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	switch subcmd {
	case "up":
		cmdUp(args)
	case "config":
		cmdConfig(args)
	case "version":
		printVersion(os.Stdout)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n\n", subcmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printVersion(w *os.File) {
	fmt.Fprintf(w, "zerogate %s (commit %s, built %s)\n", version, commit, buildDate)
}

func printUsage(w *os.File) {
	fmt.Fprint(w, `zerogate — adaptive access-control gateway

Usage:
  zerogate <command> [flags]

Commands:
  up       Start the gateway (API server, risk engine, threat monitor)
  config   Manage configuration (init, show)
  version  Print version information
  help     Show this help

Environment:
  ZEROGATE_CONFIG      Default config file path
  ZEROGATE_API_KEY     API key for the management endpoints
  ZEROGATE_JWT_SECRET  HMAC secret for verifying access tokens
`)
}
