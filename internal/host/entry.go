// Package host implements the generic config-entry lifecycle framework.
//
// A config entry represents one configured integration instance. The host
// owns entry identity, persistence, and state, and drives the integration's
// setup/unload/remove hooks. Integrations report setup failures either as a
// NotReadyError (retry later, the host schedules a retry with backoff) or as
// any other error (permanent failure).
package host

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is a config entry's lifecycle state as seen by the host.
type State string

const (
	// StateNotLoaded: the entry exists but its integration is not set up.
	StateNotLoaded State = "not_loaded"

	// StateSetupInProgress: a setup attempt is currently running.
	StateSetupInProgress State = "setup_in_progress"

	// StateLoaded: setup succeeded; the integration is running.
	StateLoaded State = "loaded"

	// StateSetupRetry: setup failed with a retryable error; the host will
	// retry automatically.
	StateSetupRetry State = "setup_retry"

	// StateSetupError: setup failed permanently; no automatic retry.
	StateSetupError State = "setup_error"
)

// DisabledByUser marks an entry disabled by operator action.
const DisabledByUser = "user"

// EntryData is the persisted per-entry configuration.
type EntryData struct {
	// URL is the controller websocket URL for this entry.
	URL string `json:"url"`

	// UseAddon provisions the controller as a managed add-on.
	UseAddon bool `json:"use_addon"`

	// IntegrationCreatedAddon records that this entry caused the add-on
	// to be installed; entry removal then also removes the add-on.
	IntegrationCreatedAddon bool `json:"integration_created_addon"`
}

// Entry is one config entry. The host owns the struct; integrations receive
// it read-only during their hooks.
type Entry struct {
	// ID is the unique entry identifier (UUID).
	ID string

	// Title is the operator-facing entry name.
	Title string

	// Data is the persisted entry configuration.
	Data EntryData

	// DisabledBy is empty for enabled entries, or DisabledByUser.
	DisabledBy string

	// CreatedAt is when the entry was first added.
	CreatedAt time.Time
}

// Integration is the contract the host drives for each entry.
//
// SetupEntry brings the entry up. Returning a *NotReadyError puts the entry
// into StateSetupRetry with automatic retry; any other error is permanent.
// UnloadEntry tears the entry down; an error leaves the entry loaded.
// RemoveEntry is the removal hook, called when the entry is deleted; its
// errors are logged and swallowed so removal always completes.
type Integration interface {
	SetupEntry(ctx context.Context, entry *Entry) error
	UnloadEntry(ctx context.Context, entry *Entry) error
	RemoveEntry(ctx context.Context, entry *Entry) error
}

// Reloader lets an integration request an entry reload from outside a host
// call, e.g. when a background connection drops. The reload runs
// asynchronously; the caller must not hold the entry's lifecycle lock.
type Reloader interface {
	RequestReload(entryID string)
}

// NotReadyError signals a retryable setup failure: the dependency the entry
// needs (controller process, add-on, network) is expected to become
// available later.
type NotReadyError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *NotReadyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("not ready: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("not ready: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NotReadyError) Unwrap() error {
	return e.Err
}

// NotReady creates a NotReadyError with the given reason and optional cause.
func NotReady(reason string, err error) *NotReadyError {
	return &NotReadyError{Reason: reason, Err: err}
}

// IsNotReady reports whether err is (or wraps) a NotReadyError.
func IsNotReady(err error) bool {
	var nr *NotReadyError
	return errors.As(err, &nr)
}
