package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/openhome/matterhub/internal/host"
)

func runEntriesList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("entries list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	storePath := fs.String("state-store", "", "Path to entry database")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: matterhub entries list [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	env, err := buildEnv(*configPath, *storePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.close()

	entries := env.host.Entries()
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "No entries configured.")
		return 0
	}
	for _, entry := range entries {
		status := "enabled"
		if entry.DisabledBy != "" {
			status = "disabled by " + entry.DisabledBy
		}
		mode := entry.Data.URL
		if entry.Data.UseAddon {
			mode = "managed add-on"
		}
		fmt.Fprintf(stdout, "%s  %-20s %-20s %s\n", entry.ID, entry.Title, mode, status)
	}
	return 0
}

func runEntriesAdd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("entries add", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	storePath := fs.String("state-store", "", "Path to entry database")
	title := fs.String("title", "Matter", "Entry title")
	url := fs.String("url", "", "Controller websocket URL")
	useAddon := fs.Bool("use-addon", false, "Provision the controller as a managed add-on")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: matterhub entries add [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if *url == "" && !*useAddon {
		fmt.Fprintln(stderr, "Error: either --url or --use-addon is required")
		return 1
	}

	env, err := buildEnv(*configPath, *storePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.close()

	entry := &host.Entry{
		Title: *title,
		Data: host.EntryData{
			URL:                     *url,
			UseAddon:                *useAddon,
			IntegrationCreatedAddon: *useAddon,
		},
	}
	if err := env.host.AddEntry(entry); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Added entry %s\n", entry.ID)
	return 0
}

func runEntriesRemove(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("entries remove", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	storePath := fs.String("state-store", "", "Path to entry database")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: matterhub entries remove [options] <entry-id>\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Error: entry-id is required")
		return 1
	}

	env, err := buildEnv(*configPath, *storePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.close()

	// Removal runs the full cleanup: for an entry that installed the
	// add-on this stops, backs up, and uninstalls it.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()
	if err := env.host.RemoveEntry(ctx, fs.Arg(0)); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Removed entry %s\n", fs.Arg(0))
	return 0
}

func runEntriesSetDisabled(args []string, disable bool, stdout, stderr io.Writer) int {
	name := "entries enable"
	if disable {
		name = "entries disable"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	storePath := fs.String("state-store", "", "Path to entry database")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: matterhub %s [options] <entry-id>\n\nOptions:\n", name)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Error: entry-id is required")
		return 1
	}

	env, err := buildEnv(*configPath, *storePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.close()

	disabledBy := ""
	verb := "Enabled"
	if disable {
		disabledBy = host.DisabledByUser
		verb = "Disabled"
	}

	// The entry is not loaded in this process, so disabling only flips the
	// persisted flag; a running daemon applies it at its next reload.
	if err := env.host.SetDisabledBy(context.Background(), fs.Arg(0), disabledBy); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s entry %s\n", verb, fs.Arg(0))
	return 0
}
