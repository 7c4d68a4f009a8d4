package host

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	apperrors "github.com/openhome/matterhub/internal/errors"
)

// Options tunes host behavior. The retry intervals exist so tests can either
// disable automatic retries (large initial interval) or make them immediate.
type Options struct {
	// RetryInitialInterval is the first delay before a setup retry.
	// Default: 5s.
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the exponential backoff between retries.
	// Default: 5m.
	RetryMaxInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 5 * time.Second
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 5 * time.Minute
	}
}

// entryRuntime is the host-internal state for one entry.
type entryRuntime struct {
	entry *Entry
	state State

	// opMu serializes lifecycle operations (setup/unload/reload/remove)
	// for this entry. This is the serialization the lifecycle manager
	// relies on: no two setup attempts run concurrently for one entry.
	opMu sync.Mutex

	// retry bookkeeping; guarded by the host mutex.
	retryBackoff *backoff.ExponentialBackOff
	retryTimer   *time.Timer
}

// Host is the config entry registry. It drives the Integration hooks and
// maps their outcomes to entry states.
type Host struct {
	integration Integration
	store       *Store // may be nil (no persistence, used by tests)
	opts        Options

	mu      sync.Mutex
	entries map[string]*entryRuntime
	stopped bool

	// wg tracks background work (requested reloads, retry attempts) so
	// Stop can wait for it.
	wg sync.WaitGroup
}

// Host implements Reloader.
var _ Reloader = (*Host)(nil)

// New creates a host for the given integration. store may be nil to run
// without persistence.
func New(integration Integration, store *Store, opts Options) *Host {
	opts.applyDefaults()
	return &Host{
		integration: integration,
		store:       store,
		opts:        opts,
		entries:     make(map[string]*entryRuntime),
	}
}

// AddEntry registers (and persists) a new entry in StateNotLoaded.
// An empty ID is filled with a fresh UUID.
func (h *Host) AddEntry(entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	h.mu.Lock()
	if _, ok := h.entries[entry.ID]; ok {
		h.mu.Unlock()
		return apperrors.New(apperrors.CodeEntryInvalidState, fmt.Sprintf("entry %s already exists", entry.ID))
	}
	h.entries[entry.ID] = &entryRuntime{entry: entry, state: StateNotLoaded}
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.SaveEntry(entry); err != nil {
			return apperrors.Wrap(apperrors.CodeEntryStoreFailed, "failed to persist entry", err)
		}
	}
	return nil
}

// LoadEntries populates the registry from the store. Existing in-memory
// entries are kept. Entries load as StateNotLoaded; call SetupEntry to
// bring them up.
func (h *Host) LoadEntries() error {
	if h.store == nil {
		return nil
	}
	entries, err := h.store.LoadEntries()
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, entry := range entries {
		if _, ok := h.entries[entry.ID]; !ok {
			h.entries[entry.ID] = &entryRuntime{entry: entry, state: StateNotLoaded}
		}
	}
	return nil
}

// Entries returns all registered entries.
func (h *Host) Entries() []*Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*Entry, 0, len(h.entries))
	for _, rt := range h.entries {
		out = append(out, rt.entry)
	}
	return out
}

// GetEntry returns an entry by ID, or nil.
func (h *Host) GetEntry(entryID string) *Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rt, ok := h.entries[entryID]; ok {
		return rt.entry
	}
	return nil
}

// EntryState returns the entry's current lifecycle state.
func (h *Host) EntryState(entryID string) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rt, ok := h.entries[entryID]; ok {
		return rt.state
	}
	return StateNotLoaded
}

func (h *Host) runtime(entryID string) (*entryRuntime, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rt, ok := h.entries[entryID]
	if !ok {
		return nil, apperrors.EntryNotFound(entryID)
	}
	return rt, nil
}

func (h *Host) setState(rt *entryRuntime, state State) {
	h.mu.Lock()
	rt.state = state
	h.mu.Unlock()
}

// SetupEntry runs one setup attempt for the entry.
//
// Outcome mapping:
//   - nil           → StateLoaded
//   - NotReadyError → StateSetupRetry, automatic retry scheduled
//   - other error   → StateSetupError, no retry
//
// Disabled entries and already-loaded entries are no-ops.
func (h *Host) SetupEntry(ctx context.Context, entryID string) error {
	rt, err := h.runtime(entryID)
	if err != nil {
		return err
	}

	rt.opMu.Lock()
	defer rt.opMu.Unlock()
	return h.setupLocked(ctx, rt)
}

// setupLocked runs a setup attempt with rt.opMu held.
func (h *Host) setupLocked(ctx context.Context, rt *entryRuntime) error {
	h.mu.Lock()
	if h.stopped || rt.state == StateLoaded || rt.entry.DisabledBy != "" {
		h.mu.Unlock()
		return nil
	}
	rt.state = StateSetupInProgress
	h.cancelRetryLocked(rt)
	h.mu.Unlock()

	err := h.integration.SetupEntry(ctx, rt.entry)
	switch {
	case err == nil:
		h.mu.Lock()
		rt.state = StateLoaded
		if rt.retryBackoff != nil {
			rt.retryBackoff.Reset()
		}
		h.mu.Unlock()
		log.Printf("host: entry %s loaded", rt.entry.ID)
		return nil

	case IsNotReady(err):
		log.Printf("host: entry %s not ready, will retry: %v", rt.entry.ID, err)
		h.mu.Lock()
		rt.state = StateSetupRetry
		h.scheduleRetryLocked(rt)
		h.mu.Unlock()
		return err

	default:
		log.Printf("host: entry %s setup failed permanently: %v", rt.entry.ID, err)
		h.setState(rt, StateSetupError)
		return err
	}
}

// scheduleRetryLocked arms the retry timer for an entry in StateSetupRetry.
// Caller holds h.mu.
func (h *Host) scheduleRetryLocked(rt *entryRuntime) {
	if h.stopped {
		return
	}
	if rt.retryBackoff == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = h.opts.RetryInitialInterval
		bo.MaxInterval = h.opts.RetryMaxInterval
		bo.MaxElapsedTime = 0 // retry forever
		bo.Reset()
		rt.retryBackoff = bo
	}

	delay := rt.retryBackoff.NextBackOff()
	entryID := rt.entry.ID
	h.wg.Add(1)
	rt.retryTimer = time.AfterFunc(delay, func() {
		defer h.wg.Done()

		h.mu.Lock()
		stopped := h.stopped
		h.mu.Unlock()
		if stopped {
			return
		}
		if err := h.SetupEntry(context.Background(), entryID); err != nil {
			// setupLocked already logged and rescheduled.
			_ = err
		}
	})
}

// cancelRetryLocked stops a pending retry timer. Caller holds h.mu.
// If the timer had not fired yet, the waitgroup slot reserved for its
// callback is released here.
func (h *Host) cancelRetryLocked(rt *entryRuntime) {
	if rt.retryTimer != nil {
		if rt.retryTimer.Stop() {
			h.wg.Done()
		}
		rt.retryTimer = nil
	}
}

// UnloadEntry tears the entry down.
//
// A loaded entry is unloaded through the integration; an unload error
// leaves the entry in StateLoaded (the unload is vetoed). An entry waiting
// on retry has its timer cancelled. Unloading an entry that is already
// NotLoaded is a no-op.
func (h *Host) UnloadEntry(ctx context.Context, entryID string) error {
	rt, err := h.runtime(entryID)
	if err != nil {
		return err
	}

	rt.opMu.Lock()
	defer rt.opMu.Unlock()
	return h.unloadLocked(ctx, rt)
}

// unloadLocked tears the entry down with rt.opMu held.
func (h *Host) unloadLocked(ctx context.Context, rt *entryRuntime) error {
	h.mu.Lock()
	state := rt.state
	h.cancelRetryLocked(rt)
	h.mu.Unlock()

	switch state {
	case StateLoaded:
		if err := h.integration.UnloadEntry(ctx, rt.entry); err != nil {
			log.Printf("host: failed to unload entry %s: %v", rt.entry.ID, err)
			return apperrors.Wrap(apperrors.CodeEntryUnloadFailed, "unload failed", err)
		}
		h.setState(rt, StateNotLoaded)
		log.Printf("host: entry %s unloaded", rt.entry.ID)
		return nil

	case StateSetupRetry, StateSetupError:
		h.setState(rt, StateNotLoaded)
		return nil

	default:
		return nil
	}
}

// ReloadEntry unloads (if needed) and sets the entry up again.
func (h *Host) ReloadEntry(ctx context.Context, entryID string) error {
	rt, err := h.runtime(entryID)
	if err != nil {
		return err
	}

	rt.opMu.Lock()
	defer rt.opMu.Unlock()

	if err := h.unloadLocked(ctx, rt); err != nil {
		return err
	}
	return h.setupLocked(ctx, rt)
}

// RequestReload schedules an asynchronous entry reload. Used by
// integrations reacting to background failures (e.g., the controller
// connection dropped); the reload serializes with any in-flight lifecycle
// operation on the entry.
func (h *Host) RequestReload(entryID string) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		if err := h.ReloadEntry(context.Background(), entryID); err != nil {
			log.Printf("host: reload of entry %s failed: %v", entryID, err)
		}
	}()
}

// SetDisabledBy disables or re-enables an entry.
//
// Disabling a loaded entry unloads it first; if the integration vetoes the
// unload (e.g., the managed add-on refuses to stop), the disable fails and
// the entry stays loaded. Re-enabling sets the entry up again.
func (h *Host) SetDisabledBy(ctx context.Context, entryID, disabledBy string) error {
	rt, err := h.runtime(entryID)
	if err != nil {
		return err
	}

	rt.opMu.Lock()
	defer rt.opMu.Unlock()

	h.mu.Lock()
	previous := rt.entry.DisabledBy
	rt.entry.DisabledBy = disabledBy
	h.mu.Unlock()

	if disabledBy != "" {
		if err := h.unloadLocked(ctx, rt); err != nil {
			// Vetoed: the entry stays loaded and enabled.
			h.mu.Lock()
			rt.entry.DisabledBy = previous
			h.mu.Unlock()
			return err
		}
	}

	if h.store != nil {
		if err := h.store.SaveEntry(rt.entry); err != nil {
			return apperrors.Wrap(apperrors.CodeEntryStoreFailed, "failed to persist entry", err)
		}
	}

	// Re-enable kicks off a setup attempt, but the disable flag change
	// stands regardless of its outcome; failures follow the normal
	// retry/permanent mapping.
	if disabledBy == "" {
		if err := h.setupLocked(ctx, rt); err != nil {
			log.Printf("host: setup after enabling entry %s: %v", entryID, err)
		}
	}
	return nil
}

// RemoveEntry deletes the entry.
//
// A loaded entry is unloaded first (failures logged, not fatal), then the
// integration's removal hook runs (failures logged, not fatal), then the
// entry is dropped from the registry and store. Removal always completes.
func (h *Host) RemoveEntry(ctx context.Context, entryID string) error {
	rt, err := h.runtime(entryID)
	if err != nil {
		return err
	}

	rt.opMu.Lock()
	defer rt.opMu.Unlock()

	if err := h.unloadLocked(ctx, rt); err != nil {
		log.Printf("host: unload during removal of entry %s failed: %v", entryID, err)
	}

	if err := h.integration.RemoveEntry(ctx, rt.entry); err != nil {
		log.Printf("host: removal hook for entry %s failed: %v", entryID, err)
	}

	h.mu.Lock()
	h.cancelRetryLocked(rt)
	delete(h.entries, entryID)
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.DeleteEntry(entryID); err != nil {
			return apperrors.Wrap(apperrors.CodeEntryStoreFailed, "failed to delete entry", err)
		}
	}
	log.Printf("host: entry %s removed", entryID)
	return nil
}

// Stop shuts the host down: cancels pending retries, unloads all loaded
// entries (disconnecting their clients), and waits for background work.
func (h *Host) Stop(ctx context.Context) {
	h.mu.Lock()
	h.stopped = true
	ids := make([]string, 0, len(h.entries))
	for id, rt := range h.entries {
		h.cancelRetryLocked(rt)
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		rt, err := h.runtime(id)
		if err != nil {
			continue
		}
		rt.opMu.Lock()
		if err := h.unloadLocked(ctx, rt); err != nil {
			log.Printf("host: unload of entry %s during stop failed: %v", id, err)
		}
		rt.opMu.Unlock()
	}

	h.wg.Wait()
	log.Printf("host: stopped")
}
