package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/openhome/matterhub/internal/config"
	"github.com/openhome/matterhub/internal/diagnostics"
	"github.com/openhome/matterhub/internal/discovery"
	"github.com/openhome/matterhub/internal/host"
	"github.com/openhome/matterhub/internal/lifecycle"
	"github.com/openhome/matterhub/internal/supervisor"
)

// hostEnv is the wired-up application: the entry registry plus the
// integration behind it. Built by buildEnv, shared by the run and
// entries commands so offline entry operations (remove with add-on
// cleanup) go through the same code path as the daemon.
type hostEnv struct {
	cfg   *config.Config
	store *host.Store
	integ *lifecycle.Integration
	host  *host.Host
}

func (e *hostEnv) close() {
	if e.store != nil {
		e.store.Close()
	}
}

func buildEnv(configPath, storePath string) (*hostEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if storePath == "" {
		storePath = cfg.StateStore
	}
	if storePath == "" {
		storePath, err = config.DefaultStorePath()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(storePath), 0700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	store, err := host.OpenStore(storePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	integ := lifecycle.NewIntegration(lifecycle.IntegrationConfig{
		Supervisor:         supervisor.NewHTTPClient(cfg.SupervisorAddr),
		ConnectTimeout:     cfg.ConnectTimeout(),
		ListenReadyTimeout: cfg.ListenReadyTimeout(),
	})
	h := host.New(integ, store, host.Options{})
	integ.SetReloader(h)

	if err := h.LoadEntries(); err != nil {
		store.Close()
		return nil, err
	}
	return &hostEnv{cfg: cfg, store: store, integ: integ, host: h}, nil
}

func runHost(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file (default: ~/.matterhub/config.toml)")
	storePath := fs.String("state-store", "", "Path to entry database (default: ~/.matterhub/matterhub.db)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: matterhub run [options]\n\nOptions:\n")
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

	ctx := context.Background()

	// First run without any persisted entry: create one from the config
	// file so `matterhub run` works out of the box.
	if len(env.host.Entries()) == 0 {
		url := env.cfg.URL
		if url == "" && env.cfg.MdnsDiscovery {
			url = discoverURL(ctx, stderr)
		}
		if url == "" && !env.cfg.UseAddon {
			fmt.Fprintln(stderr, "Error: no controller URL configured and discovery found none")
			return 1
		}
		if url == "" {
			url = config.DefaultURL
		}
		entry := &host.Entry{
			Title: "Matter",
			Data: host.EntryData{
				URL:      url,
				UseAddon: env.cfg.UseAddon,
				// The add-on install below is ours to clean up on removal.
				IntegrationCreatedAddon: env.cfg.UseAddon,
			},
		}
		if err := env.host.AddEntry(entry); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		log.Printf("main: created entry %s for %s", entry.ID, url)
	}

	for _, entry := range env.host.Entries() {
		if err := env.host.SetupEntry(ctx, entry.ID); err != nil {
			// Retryable failures are rescheduled by the host; permanent
			// ones are terminal for the entry but not for the process.
			log.Printf("main: initial setup of entry %s: %v", entry.ID, err)
		}
	}

	fmt.Fprintln(stdout, "matterhub running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("main: received %s, shutting down", sig)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	env.host.Stop(stopCtx)

	reportIssues(env.integ.Issues(), stdout)
	return 0
}

// discoverURL browses for a controller and returns the first hit's URL,
// or "" when nothing answered.
func discoverURL(ctx context.Context, stderr io.Writer) string {
	browseCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	servers, err := discovery.Discover(browseCtx)
	if err != nil {
		fmt.Fprintf(stderr, "Warning: discovery failed: %v\n", err)
		return ""
	}
	if len(servers) == 0 {
		return ""
	}
	log.Printf("main: discovered controller %s at %s", servers[0].Name, servers[0].URL())
	return servers[0].URL()
}

func reportIssues(issues *diagnostics.Registry, stdout io.Writer) {
	active := issues.Active()
	if len(active) == 0 {
		return
	}
	fmt.Fprintln(stdout, "Active issues:")
	for _, issue := range active {
		fmt.Fprintf(stdout, "  [%s] %s/%s\n", issue.Severity, issue.Domain, issue.Key)
	}
}
