// Package lifecycle implements the Matter integration's lifecycle manager.
//
// One Manager exists per config entry. It owns the setup sequence
// (provision add-on → connect → listen → sync → running), supervises the
// long-lived listen task for the life of the entry, and defines the
// failure/retry policy: every fault, synchronous or asynchronous, funnels
// into either a retryable setup error or an entry reload.
//
// The manager receives all collaborators (controller client factory,
// add-on manager, diagnostics and entity registries) at construction so
// the state machine is testable in isolation.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/openhome/matterhub/internal/addon"
	"github.com/openhome/matterhub/internal/controller"
	"github.com/openhome/matterhub/internal/diagnostics"
	"github.com/openhome/matterhub/internal/entity"
	apperrors "github.com/openhome/matterhub/internal/errors"
	"github.com/openhome/matterhub/internal/host"
)

// Phase is the manager's position in the setup/run/teardown state machine.
type Phase string

const (
	// PhaseIdle: no setup attempt running, no connection held.
	PhaseIdle Phase = "idle"

	// PhaseProvisioningAddon: ensuring the managed add-on is installed,
	// up to date, and running.
	PhaseProvisioningAddon Phase = "provisioning_addon"

	// PhaseConnecting: establishing the control channel.
	PhaseConnecting Phase = "connecting"

	// PhaseAwaitingReady: listen task spawned, waiting for the initial
	// sync to complete.
	PhaseAwaitingReady Phase = "awaiting_ready"

	// PhaseRunning: setup complete; the listen task runs in the
	// background under supervision.
	PhaseRunning Phase = "running"

	// PhaseRetry: the last setup attempt failed retryably; the host
	// owns scheduling the next attempt.
	PhaseRetry Phase = "retry"

	// PhaseUnloading: host-initiated teardown in progress.
	PhaseUnloading Phase = "unloading"
)

// Options is the per-entry configuration the manager consumes.
type Options struct {
	// EntryID identifies the config entry this manager serves.
	EntryID string

	// URL is the controller websocket URL.
	URL string

	// UseAddon enables managed add-on provisioning before connecting.
	UseAddon bool

	// ConnectTimeout bounds one connect attempt. A zero value means the
	// attempt times out immediately (useful for tests); the caller is
	// responsible for supplying a sane production default.
	ConnectTimeout time.Duration

	// ListenReadyTimeout bounds the wait for the ready signal after the
	// listen task is spawned. Zero behaves like ConnectTimeout's zero.
	ListenReadyTimeout time.Duration
}

// Deps are the manager's injected collaborators.
type Deps struct {
	// NewClient creates a controller client for a URL. Each setup
	// attempt gets a fresh client.
	NewClient func(url string) controller.Client

	// Addons manages the controller add-on. May be nil when UseAddon is
	// false.
	Addons *addon.Manager

	// Issues receives the version-mismatch diagnostic.
	Issues *diagnostics.Registry

	// Entities receives the derived entity state.
	Entities *entity.Registry

	// OnListenFailure is invoked at most once per listen task when the
	// task terminates outside the setup path's supervision (i.e., after
	// the ready signal was consumed). The callback must not block; the
	// host's RequestReload satisfies this.
	OnListenFailure func(err error)
}

// Diagnostic issue identity for controller version mismatches.
const (
	IssueDomain         = "matter"
	IssueInvalidVersion = "invalid_controller_version"
)

// Manager is the lifecycle state machine for one config entry.
type Manager struct {
	opts Options
	deps Deps

	mu     sync.Mutex
	phase  Phase
	client controller.Client

	// Listen task state. listenDone is closed by the listen goroutine on
	// termination; listenErr carries the cause. setupWaiting marks that
	// the setup path is parked on the ready/termination race and owns
	// failure handling; failureHandled makes asynchronous handling
	// exactly-once per task.
	listenCancel   context.CancelFunc
	listenDone     chan struct{}
	listenErr      error
	setupWaiting   bool
	failureHandled bool
	unloaded       bool
}

// NewManager creates a manager for one config entry.
func NewManager(opts Options, deps Deps) *Manager {
	return &Manager{
		opts:  opts,
		deps:  deps,
		phase: PhaseIdle,
	}
}

// Phase returns the manager's current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

// Setup runs one setup attempt.
//
// The caller (host) guarantees attempts are serialized per entry. Every
// failure is returned as a *host.NotReadyError (retry later); Setup never
// panics an attempt into a hang: each blocking stage is bounded by a
// timeout or by ctx.
func (m *Manager) Setup(ctx context.Context) error {
	m.mu.Lock()
	m.unloaded = false
	m.mu.Unlock()

	if m.opts.UseAddon {
		m.setPhase(PhaseProvisioningAddon)
		if err := m.ensureAddonRunning(ctx); err != nil {
			m.setPhase(PhaseRetry)
			return err
		}
	}

	client, err := m.connect(ctx)
	if err != nil {
		m.setPhase(PhaseRetry)
		return err
	}

	if err := m.startListening(ctx, client); err != nil {
		m.setPhase(PhaseRetry)
		return err
	}

	// AWAITING_READY → RUNNING: fetch the synchronized node set and
	// derive entity state from it.
	nodes, err := client.GetNodes(ctx)
	if err != nil {
		m.teardownListen(context.Background())
		m.setPhase(PhaseRetry)
		return host.NotReady("failed to fetch initial node set", err)
	}
	m.deps.Entities.SetupNodes(m.opts.EntryID, nodes)

	// Last check before committing to RUNNING: a task that died during the
	// node fetch and has not been dispatched yet is this attempt's failure.
	m.mu.Lock()
	var ended bool
	if m.listenDone != nil {
		select {
		case <-m.listenDone:
			ended = !m.failureHandled
		default:
		}
	}
	if ended {
		m.failureHandled = true
	}
	listenErr := m.listenErr
	m.mu.Unlock()
	if ended {
		m.teardownListen(context.Background())
		m.setPhase(PhaseRetry)
		return host.NotReady("controller listen task ended during setup", listenErr)
	}

	m.setPhase(PhaseRunning)
	log.Printf("lifecycle: entry %s running with %d node(s)", m.opts.EntryID, len(nodes))
	return nil
}

// ensureAddonRunning implements the PROVISIONING_ADDON stage.
//
// The add-on install/start tasks are deliberately scheduled on a background
// context and not awaited: the setup attempt reports not-ready immediately
// and a later attempt observes the outcome. Concurrent attempts join the
// in-flight task through the shared add-on manager rather than duplicating
// it.
func (m *Manager) ensureAddonRunning(ctx context.Context) error {
	addons := m.deps.Addons

	if addons.OperationInProgress() {
		return host.NotReady(fmt.Sprintf("add-on %s operation already in progress", addons.Slug()),
			apperrors.New(apperrors.CodeAddonInProgress, "install or start task in flight"))
	}

	info, err := addons.Info(ctx)
	if err != nil {
		return host.NotReady("failed to get add-on info", err)
	}

	if !info.Installed {
		addons.ScheduleInstallAndStart()
		return host.NotReady(fmt.Sprintf("add-on %s not installed, install scheduled", addons.Slug()), nil)
	}

	if !info.Running {
		addons.ScheduleStart()
		return host.NotReady(fmt.Sprintf("add-on %s not running, start scheduled", addons.Slug()), nil)
	}

	// Update policy: whenever the supervisor reports an update, take it,
	// backed by a partial backup of the current version. The update runs
	// at most once per setup attempt by construction (single call site).
	if info.UpdateAvailable {
		if err := addons.UpdateWithBackup(ctx, info.Version); err != nil {
			return host.NotReady("failed to update add-on", err)
		}
	}
	return nil
}

// connect implements the CONNECTING stage.
func (m *Manager) connect(ctx context.Context) (controller.Client, error) {
	m.setPhase(PhaseConnecting)

	client := m.deps.NewClient(m.opts.URL)

	connectCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	err := client.Connect(connectCtx)
	cancel()

	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeControllerInvalidVersion) {
			// Version mismatches are surfaced to the operator as a
			// persistent issue on top of the normal retry cycle.
			m.deps.Issues.Raise(IssueDomain, IssueInvalidVersion, diagnostics.SeverityError, IssueInvalidVersion)
			return nil, host.NotReady("controller version incompatible", err)
		}
		return nil, host.NotReady("failed to connect to controller", err)
	}

	// A successful connect resolves any earlier version mismatch.
	m.deps.Issues.Clear(IssueDomain, IssueInvalidVersion)

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return client, nil
}

// startListening implements the AWAITING_READY stage: spawn the listen
// task with a fresh one-shot ready signal and race {ready, termination,
// timeout, cancellation}. The ready signal is never waited on twice; a
// task that terminates before signaling is a failure, not a hang.
func (m *Manager) startListening(ctx context.Context, client controller.Client) error {
	listenCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.phase = PhaseAwaitingReady
	m.listenCancel = cancel
	m.listenDone = done
	m.listenErr = nil
	m.setupWaiting = true
	m.failureHandled = false
	m.mu.Unlock()

	ready := make(chan struct{})
	go m.runListen(listenCtx, client, ready, done)

	timer := time.NewTimer(m.opts.ListenReadyTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		// The task may have terminated right after signaling ready, in
		// which case the termination was suppressed on our behalf while
		// setupWaiting was set. Check before handing the task over to
		// background supervision; a dead task must fail the attempt, not
		// sit unmonitored behind a loaded entry.
		m.mu.Lock()
		m.setupWaiting = false
		var ended bool
		select {
		case <-done:
			ended = true
		default:
		}
		err := m.listenErr
		m.mu.Unlock()
		if ended {
			m.teardownListen(context.Background())
			return host.NotReady("controller listen task ended after ready", err)
		}
		return nil

	case <-done:
		// Terminated before signaling ready.
		m.mu.Lock()
		m.setupWaiting = false
		err := m.listenErr
		m.mu.Unlock()
		m.teardownListen(context.Background())
		return host.NotReady("controller listen task ended before ready", err)

	case <-timer.C:
		m.teardownListen(context.Background())
		return host.NotReady("controller not ready within timeout", nil)

	case <-ctx.Done():
		// Setup cancelled (e.g., fast entry removal). The listen task
		// must not be orphaned: cancel and await it.
		m.teardownListen(context.Background())
		return host.NotReady("setup cancelled", ctx.Err())
	}
}

// runListen executes the listen task and dispatches its termination.
//
// Termination is always a fault; there is no expected end. Exactly one
// party processes it: the setup path if it is still parked on the race,
// otherwise this goroutine via OnListenFailure — unless the manager is
// unloading, in which case termination is the expected result of
// cancellation and is swallowed.
func (m *Manager) runListen(ctx context.Context, client controller.Client, ready chan<- struct{}, done chan struct{}) {
	err := client.StartListening(ctx, ready)

	m.mu.Lock()
	m.listenErr = err
	close(done)
	suppress := m.setupWaiting || m.unloaded || m.phase == PhaseUnloading || m.failureHandled
	if !suppress {
		m.failureHandled = true
	}
	m.mu.Unlock()

	if suppress {
		return
	}

	log.Printf("lifecycle: entry %s listen task ended, scheduling reload: %v", m.opts.EntryID, err)
	if m.deps.OnListenFailure != nil {
		m.deps.OnListenFailure(err)
	}
}

// teardownListen cancels the listen task (if any), awaits its termination,
// and disconnects the client. Safe to call when no task is running. The
// setupWaiting flag must already be cleared; from here on the termination
// is ours.
func (m *Manager) teardownListen(ctx context.Context) {
	m.mu.Lock()
	m.setupWaiting = false
	m.failureHandled = true
	cancel := m.listenCancel
	done := m.listenDone
	client := m.client
	m.listenCancel = nil
	m.listenDone = nil
	m.client = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if client != nil {
		if err := client.Disconnect(ctx); err != nil {
			log.Printf("lifecycle: entry %s disconnect failed: %v", m.opts.EntryID, err)
		}
	}
}

// Unload tears the manager down: cancels and awaits the listen task,
// disconnects the client, and marks the entry's entities unavailable.
// Idempotent — unloading an already-torn-down manager is a no-op.
//
// When the entry was disabled by the user and uses the managed add-on, the
// add-on is stopped as well; a stop failure is returned to the host, which
// vetoes the disable (the entry stays loaded). A vetoed unload does not
// latch: retrying it re-attempts the add-on stop.
func (m *Manager) Unload(ctx context.Context, disabledByUser bool) error {
	m.mu.Lock()
	if m.unloaded {
		m.mu.Unlock()
		return nil
	}
	m.phase = PhaseUnloading
	m.mu.Unlock()

	m.teardownListen(ctx)
	m.deps.Entities.MarkUnavailable(m.opts.EntryID)
	m.setPhase(PhaseIdle)

	// The stop is part of the unload obligation on user disable: the
	// unloaded latch is only set once it succeeds, so a vetoed disable
	// can be retried and the stop is re-attempted rather than skipped.
	if disabledByUser && m.opts.UseAddon && m.deps.Addons != nil {
		if err := m.deps.Addons.Stop(ctx); err != nil {
			log.Printf("lifecycle: entry %s failed to stop add-on on disable: %v", m.opts.EntryID, err)
			return err
		}
	}

	m.mu.Lock()
	m.unloaded = true
	m.mu.Unlock()

	log.Printf("lifecycle: entry %s unloaded", m.opts.EntryID)
	return nil
}
