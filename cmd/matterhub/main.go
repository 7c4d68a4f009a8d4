package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd/matterhub
var Version = "dev"

const usage = `matterhub - lifecycle manager for an external Matter controller

Usage:
  matterhub <command> [options]

Commands:
  run             Run the host: set up all entries and supervise them
  entries list    List config entries
  entries add     Add a config entry
  entries remove <entry-id>   Remove a config entry
  entries disable <entry-id>  Disable a config entry
  entries enable <entry-id>   Re-enable a config entry
  discover        Browse the local network for controller servers

Run 'matterhub <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "run":
		return runHost(args[2:], stdout, stderr)
	case "entries":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: matterhub entries <list|add|remove|disable|enable>")
			return 1
		}
		switch args[2] {
		case "list":
			return runEntriesList(args[3:], stdout, stderr)
		case "add":
			return runEntriesAdd(args[3:], stdout, stderr)
		case "remove":
			return runEntriesRemove(args[3:], stdout, stderr)
		case "disable":
			return runEntriesSetDisabled(args[3:], true, stdout, stderr)
		case "enable":
			return runEntriesSetDisabled(args[3:], false, stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown entries command: %s\n", args[2])
			return 1
		}
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "matterhub %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
