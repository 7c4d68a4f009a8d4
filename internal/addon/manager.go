// Package addon orchestrates provisioning of a supervisor-managed add-on.
//
// A Manager wraps the supervisor client for one add-on slug and owns the
// long-running install/start tasks for it. Managers are shared process-wide
// through a Registry keyed by slug: config entries that use the same add-on
// get the same Manager, so concurrent setup attempts observe (and join) an
// in-flight operation instead of duplicating it.
package addon

import (
	"context"
	"fmt"
	"log"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	apperrors "github.com/openhome/matterhub/internal/errors"
	"github.com/openhome/matterhub/internal/supervisor"
)

// Task is a deduplicated background add-on operation.
// The zero of the done channel doubles as the join point: concurrent
// observers Wait on the same Task instead of scheduling a new operation.
type Task struct {
	// Name describes the operation, for logging ("install+start", "start").
	Name string

	done chan struct{}
	err  error
}

func newTask(name string) *Task {
	return &Task{Name: name, done: make(chan struct{})}
}

// finish records the outcome and releases all waiters. Called exactly once.
func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// Done reports whether the task has completed.
func (t *Task) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task completes or ctx is cancelled, returning the
// task's outcome.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager owns the provisioning operations for one add-on slug.
type Manager struct {
	slug string
	sup  supervisor.Client

	mu          sync.Mutex
	installTask *Task
	startTask   *Task
}

// NewManager creates a manager for the given slug. Prefer Registry.Get so
// that managers are shared per slug; NewManager directly is for tests.
func NewManager(sup supervisor.Client, slug string) *Manager {
	return &Manager{slug: slug, sup: sup}
}

// Slug returns the add-on slug this manager owns.
func (m *Manager) Slug() string {
	return m.slug
}

// Info queries the add-on's current state.
func (m *Manager) Info(ctx context.Context) (*supervisor.AddonInfo, error) {
	info, err := m.sup.Info(ctx, m.slug)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeAddonInfoFailed,
			fmt.Sprintf("failed to get info for add-on %s", m.slug), err)
	}
	return info, nil
}

// OperationInProgress reports whether an install or start task is currently
// in flight for this add-on.
func (m *Manager) OperationInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (m.installTask != nil && !m.installTask.Done()) ||
		(m.startTask != nil && !m.startTask.Done())
}

// ScheduleInstallAndStart schedules a background install-then-start of the
// add-on and returns the task. If an install task is already in flight, the
// existing task is returned and no new operation is started.
//
// The task runs on a background context: it belongs to the add-on, not to
// the setup attempt that happened to trigger it. A setup attempt that is
// cancelled or retried leaves the task running; the next attempt joins it.
func (m *Manager) ScheduleInstallAndStart() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.installTask != nil && !m.installTask.Done() {
		return m.installTask
	}

	task := newTask("install+start")
	m.installTask = task
	go func() {
		task.finish(m.runInstallAndStart(context.Background()))
	}()
	return task
}

func (m *Manager) runInstallAndStart(ctx context.Context) error {
	log.Printf("addon: installing add-on %s", m.slug)
	if err := m.sup.Install(ctx, m.slug); err != nil {
		log.Printf("addon: failed to install add-on %s: %v", m.slug, err)
		return apperrors.Wrap(apperrors.CodeAddonInstallFailed,
			fmt.Sprintf("failed to install add-on %s", m.slug), err)
	}

	log.Printf("addon: starting add-on %s", m.slug)
	if err := m.sup.Start(ctx, m.slug); err != nil {
		log.Printf("addon: failed to start add-on %s: %v", m.slug, err)
		return apperrors.Wrap(apperrors.CodeAddonStartFailed,
			fmt.Sprintf("failed to start add-on %s", m.slug), err)
	}
	return nil
}

// ScheduleStart schedules a background start of an already-installed add-on
// and returns the task. Deduplicated like ScheduleInstallAndStart.
func (m *Manager) ScheduleStart() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startTask != nil && !m.startTask.Done() {
		return m.startTask
	}

	task := newTask("start")
	m.startTask = task
	go func() {
		log.Printf("addon: starting add-on %s", m.slug)
		err := m.sup.Start(context.Background(), m.slug)
		if err != nil {
			log.Printf("addon: failed to start add-on %s: %v", m.slug, err)
			err = apperrors.Wrap(apperrors.CodeAddonStartFailed,
				fmt.Sprintf("failed to start add-on %s", m.slug), err)
		}
		task.finish(err)
	}()
	return task
}

// UpdateWithBackup updates the add-on to the latest version, creating a
// partial backup of the current version first.
//
// A backup failure is logged and skips the update without failing the
// caller: running the current version is still viable. An update failure is
// returned as addon.update_failed; the caller treats it as fatal to the
// current setup attempt.
func (m *Manager) UpdateWithBackup(ctx context.Context, currentVersion string) error {
	if err := m.CreateBackup(ctx, currentVersion); err != nil {
		log.Printf("addon: failed to create a backup of add-on %s, skipping update: %v", m.slug, err)
		return nil
	}

	log.Printf("addon: updating add-on %s", m.slug)
	if err := m.sup.Update(ctx, m.slug); err != nil {
		return apperrors.Wrap(apperrors.CodeAddonUpdateFailed,
			fmt.Sprintf("failed to update add-on %s", m.slug), err)
	}
	return nil
}

// CreateBackup creates a partial backup of this add-on, named after the
// slug and the given version (e.g., "addon_core_matter_server_1.0.0").
func (m *Manager) CreateBackup(ctx context.Context, version string) error {
	name := fmt.Sprintf("addon_%s_%s", m.slug, version)
	log.Printf("addon: creating backup %s", name)
	if err := m.sup.CreateBackup(ctx, name, []string{m.slug}, true); err != nil {
		return apperrors.Wrap(apperrors.CodeAddonBackupFailed,
			fmt.Sprintf("failed to create a backup of add-on %s", m.slug), err)
	}
	return nil
}

// Stop stops the add-on's process.
func (m *Manager) Stop(ctx context.Context) error {
	log.Printf("addon: stopping add-on %s", m.slug)
	if err := m.sup.Stop(ctx, m.slug); err != nil {
		return apperrors.Wrap(apperrors.CodeAddonStopFailed,
			fmt.Sprintf("failed to stop add-on %s", m.slug), err)
	}
	return nil
}

// Uninstall removes the add-on.
func (m *Manager) Uninstall(ctx context.Context) error {
	log.Printf("addon: uninstalling add-on %s", m.slug)
	if err := m.sup.Uninstall(ctx, m.slug); err != nil {
		return apperrors.Wrap(apperrors.CodeAddonUninstallFailed,
			fmt.Sprintf("failed to uninstall add-on %s", m.slug), err)
	}
	return nil
}

// Registry shares Managers process-wide, one per add-on slug.
// This is the only mutable state shared across config entries: it is what
// guarantees the at-most-one-in-flight-operation-per-slug invariant when
// multiple entries (or retries) provision the same add-on concurrently.
type Registry struct {
	managers cmap.ConcurrentMap[string, *Manager]
}

// NewRegistry creates an empty manager registry.
func NewRegistry() *Registry {
	return &Registry{managers: cmap.New[*Manager]()}
}

// Get returns the shared Manager for the slug, creating it on first use.
func (r *Registry) Get(sup supervisor.Client, slug string) *Manager {
	if mgr, ok := r.managers.Get(slug); ok {
		return mgr
	}
	// SetIfAbsent loses the race gracefully: whoever stored first wins and
	// everyone gets the same instance.
	r.managers.SetIfAbsent(slug, NewManager(sup, slug))
	mgr, _ := r.managers.Get(slug)
	return mgr
}
