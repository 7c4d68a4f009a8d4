// Package errors provides standardized error codes for the matterhub host.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (controller, supervisor, addon, entry)
//   - error: The specific error type within that domain
//
// These codes are stable: the host maps them to config entry states and
// retry decisions, and operators can rely on them in logs and diagnostics.
// Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers; the lifecycle manager and host switch on
// them to decide between retry-later and permanent failure.
const (
	// Controller domain - control channel to the Matter controller process
	CodeControllerCannotConnect  = "controller.cannot_connect"  // Connection to the controller failed
	CodeControllerConnectTimeout = "controller.connect_timeout" // Connection attempt exceeded the connect timeout
	CodeControllerInvalidVersion = "controller.invalid_version" // Controller schema version incompatible with this client
	CodeControllerNotConnected   = "controller.not_connected"   // Operation requires an established connection
	CodeControllerListenFailed   = "controller.listen_failed"   // The listen loop terminated with an error
	CodeControllerNotReady       = "controller.not_ready"       // Initial sync did not complete before the ready timeout
	CodeControllerCommandFailed  = "controller.command_failed"  // The controller rejected a command
	CodeControllerNodeNotFound   = "controller.node_not_found"  // Requested node is not in the synchronized set

	// Supervisor domain - process supervisor API errors
	CodeSupervisorAPIFailed = "supervisor.api_failed" // A supervisor API call failed
	CodeSupervisorBadStatus = "supervisor.bad_status" // The supervisor returned a non-success HTTP status

	// Addon domain - managed add-on provisioning errors
	CodeAddonInfoFailed      = "addon.info_failed"      // Could not query add-on info
	CodeAddonInstallFailed   = "addon.install_failed"   // Add-on install failed
	CodeAddonStartFailed     = "addon.start_failed"     // Add-on start failed
	CodeAddonStopFailed      = "addon.stop_failed"      // Add-on stop failed
	CodeAddonUninstallFailed = "addon.uninstall_failed" // Add-on uninstall failed
	CodeAddonUpdateFailed    = "addon.update_failed"    // Add-on update failed
	CodeAddonBackupFailed    = "addon.backup_failed"    // Add-on backup failed
	CodeAddonInProgress      = "addon.in_progress"      // An install/start task for this add-on is already in flight

	// Entry domain - config entry registry errors
	CodeEntryNotFound      = "entry.not_found"      // Config entry ID does not exist
	CodeEntryInvalidState  = "entry.invalid_state"  // Operation not valid for the entry's current state
	CodeEntryUnloadFailed  = "entry.unload_failed"  // Integration unload reported failure
	CodeEntryStoreFailed   = "entry.store_failed"   // Entry persistence failed
	CodeEntrySetupFailed   = "entry.setup_failed"   // Setup failed permanently

	// Config domain - configuration file errors
	CodeConfigInvalid = "config.invalid" // Configuration file is invalid

	// General domain - catch-all errors
	CodeUnknown = "error.unknown" // Unknown error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "controller.cannot_connect")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is (or wraps) a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// CannotConnect creates a "controller.cannot_connect" error.
func CannotConnect(url string, cause error) *CodedError {
	return Wrap(CodeControllerCannotConnect, fmt.Sprintf("cannot connect to controller at %s", url), cause)
}

// InvalidVersion creates a "controller.invalid_version" error.
func InvalidVersion(serverVersion string) *CodedError {
	msg := fmt.Sprintf("controller schema version %s is not supported by this client", serverVersion)
	return New(CodeControllerInvalidVersion, msg)
}

// SupervisorAPIFailed creates a "supervisor.api_failed" error.
func SupervisorAPIFailed(operation string, cause error) *CodedError {
	return Wrap(CodeSupervisorAPIFailed, fmt.Sprintf("supervisor %s failed", operation), cause)
}

// EntryNotFound creates an "entry.not_found" error.
func EntryNotFound(entryID string) *CodedError {
	return New(CodeEntryNotFound, fmt.Sprintf("config entry %s not found", entryID))
}
