package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/openhome/matterhub/internal/discovery"
)

func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(stderr)
	timeout := fs.Duration("timeout", 5*time.Second, "How long to browse for controllers")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: matterhub discover [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	servers, err := discovery.Discover(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(servers) == 0 {
		fmt.Fprintln(stdout, "No controller servers found.")
		return 0
	}
	for _, srv := range servers {
		schema := srv.SchemaVersion
		if schema == "" {
			schema = "?"
		}
		fmt.Fprintf(stdout, "%-24s %s (schema %s)\n", srv.Name, srv.URL(), schema)
	}
	return 0
}
