package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func runWithArgs(args []string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunUsage(t *testing.T) {
	code, out, _ := runWithArgs([]string{"matterhub"})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out, "Usage:") {
		t.Fatalf("expected usage output, got %q", out)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, out, _ := runWithArgs([]string{"matterhub", "nope"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out, "Unknown command") {
		t.Fatalf("expected unknown command output, got %q", out)
	}
}

func TestRunEntriesMissingSubcommand(t *testing.T) {
	code, out, _ := runWithArgs([]string{"matterhub", "entries"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out, "Usage: matterhub entries") {
		t.Fatalf("expected entries usage, got %q", out)
	}
}

func TestRunHostHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runHost([]string{"--help"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Usage: matterhub run") {
		t.Fatalf("expected run usage, got %q", stderr.String())
	}
}

func TestEntriesAddRequiresURLOrAddon(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runEntriesAdd([]string{}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "--url or --use-addon") {
		t.Fatalf("expected flag requirement error, got %q", stderr.String())
	}
}

func TestEntriesRemoveMissingID(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runEntriesRemove([]string{}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "entry-id is required") {
		t.Fatalf("expected entry-id error, got %q", stderr.String())
	}
}

func TestEntriesAddListRemoveRoundTrip(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "matterhub.db")
	storeFlag := "--state-store=" + storePath

	var stdout, stderr bytes.Buffer
	code := runEntriesAdd([]string{storeFlag, "--url=ws://192.168.1.20:5580/ws"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("entries add = %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Added entry ") {
		t.Fatalf("unexpected add output: %q", stdout.String())
	}
	entryID := strings.TrimSpace(strings.TrimPrefix(stdout.String(), "Added entry "))

	stdout.Reset()
	stderr.Reset()
	if code := runEntriesList([]string{storeFlag}, &stdout, &stderr); code != 0 {
		t.Fatalf("entries list = %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), entryID) || !strings.Contains(stdout.String(), "ws://192.168.1.20:5580/ws") {
		t.Fatalf("list output missing entry: %q", stdout.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := runEntriesRemove([]string{storeFlag, entryID}, &stdout, &stderr); code != 0 {
		t.Fatalf("entries remove = %d, stderr: %s", code, stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := runEntriesList([]string{storeFlag}, &stdout, &stderr); code != 0 {
		t.Fatalf("entries list = %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "No entries configured") {
		t.Fatalf("expected empty list, got %q", stdout.String())
	}
}

func TestEntriesDisableEnable(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "matterhub.db")
	storeFlag := "--state-store=" + storePath

	var stdout, stderr bytes.Buffer
	if code := runEntriesAdd([]string{storeFlag, "--url=ws://localhost:5580/ws"}, &stdout, &stderr); code != 0 {
		t.Fatalf("entries add = %d, stderr: %s", code, stderr.String())
	}
	entryID := strings.TrimSpace(strings.TrimPrefix(stdout.String(), "Added entry "))

	stdout.Reset()
	if code := runEntriesSetDisabled([]string{storeFlag, entryID}, true, &stdout, &stderr); code != 0 {
		t.Fatalf("entries disable = %d, stderr: %s", code, stderr.String())
	}

	stdout.Reset()
	if code := runEntriesList([]string{storeFlag}, &stdout, &stderr); code != 0 {
		t.Fatalf("entries list = %d, stderr: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "disabled by user") {
		t.Fatalf("expected disabled entry, got %q", stdout.String())
	}
}

func TestRunVersion(t *testing.T) {
	code, out, _ := runWithArgs([]string{"matterhub", "version"})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out, "matterhub") {
		t.Fatalf("expected version output, got %q", out)
	}
}
