package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/openhome/matterhub/internal/addon"
	"github.com/openhome/matterhub/internal/controller"
	"github.com/openhome/matterhub/internal/diagnostics"
	"github.com/openhome/matterhub/internal/entity"
	"github.com/openhome/matterhub/internal/host"
	"github.com/openhome/matterhub/internal/supervisor"
)

// AddonSlug is the supervisor slug of the managed controller add-on.
const AddonSlug = "core_matter_server"

// Integration adapts the lifecycle manager to the host's config-entry
// hooks. It owns one Manager per loaded entry plus the shared registries
// (add-on managers, diagnostics, entities) that span entries.
type Integration struct {
	sup       supervisor.Client
	addons    *addon.Registry
	issues    *diagnostics.Registry
	entities  *entity.Registry
	newClient func(url string) controller.Client

	connectTimeout     time.Duration
	listenReadyTimeout time.Duration

	mu       sync.Mutex
	managers map[string]*Manager
	reloader host.Reloader
}

// IntegrationConfig carries the construction parameters for Integration.
type IntegrationConfig struct {
	Supervisor supervisor.Client

	// NewClient creates controller clients; defaults to the websocket
	// client when nil.
	NewClient func(url string) controller.Client

	ConnectTimeout     time.Duration
	ListenReadyTimeout time.Duration
}

// NewIntegration creates the Matter integration.
func NewIntegration(cfg IntegrationConfig) *Integration {
	newClient := cfg.NewClient
	if newClient == nil {
		newClient = func(url string) controller.Client {
			return controller.NewWSClient(url)
		}
	}
	return &Integration{
		sup:                cfg.Supervisor,
		addons:             addon.NewRegistry(),
		issues:             diagnostics.NewRegistry(),
		entities:           entity.NewRegistry(),
		newClient:          newClient,
		connectTimeout:     cfg.ConnectTimeout,
		listenReadyTimeout: cfg.ListenReadyTimeout,
		managers:           make(map[string]*Manager),
	}
}

// SetReloader wires the host's reload entry point. Must be called before
// the first SetupEntry; listen failures are dropped (logged) until then.
func (i *Integration) SetReloader(r host.Reloader) {
	i.mu.Lock()
	i.reloader = r
	i.mu.Unlock()
}

// Issues exposes the diagnostics registry.
func (i *Integration) Issues() *diagnostics.Registry {
	return i.issues
}

// Entities exposes the entity registry.
func (i *Integration) Entities() *entity.Registry {
	return i.entities
}

// ManagerFor returns the entry's manager, or nil when the entry has never
// been set up. Exposed for status display.
func (i *Integration) ManagerFor(entryID string) *Manager {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.managers[entryID]
}

// managerFor returns the entry's manager, creating it on first setup.
func (i *Integration) managerFor(entry *host.Entry) *Manager {
	i.mu.Lock()
	defer i.mu.Unlock()

	if mgr, ok := i.managers[entry.ID]; ok {
		return mgr
	}

	var addons *addon.Manager
	if entry.Data.UseAddon {
		addons = i.addons.Get(i.sup, AddonSlug)
	}

	entryID := entry.ID
	mgr := NewManager(Options{
		EntryID:            entryID,
		URL:                entry.Data.URL,
		UseAddon:           entry.Data.UseAddon,
		ConnectTimeout:     i.connectTimeout,
		ListenReadyTimeout: i.listenReadyTimeout,
	}, Deps{
		NewClient: i.newClient,
		Addons:    addons,
		Issues:    i.issues,
		Entities:  i.entities,
		OnListenFailure: func(err error) {
			i.mu.Lock()
			reloader := i.reloader
			i.mu.Unlock()
			if reloader == nil {
				log.Printf("lifecycle: entry %s listen failed with no reloader wired: %v", entryID, err)
				return
			}
			reloader.RequestReload(entryID)
		},
	})
	i.managers[entry.ID] = mgr
	return mgr
}

// SetupEntry implements host.Integration.
func (i *Integration) SetupEntry(ctx context.Context, entry *host.Entry) error {
	return i.managerFor(entry).Setup(ctx)
}

// UnloadEntry implements host.Integration. A returned error vetoes the
// unload (the host keeps the entry loaded); the manager only reports one
// for a failed add-on stop on user disable.
func (i *Integration) UnloadEntry(ctx context.Context, entry *host.Entry) error {
	i.mu.Lock()
	mgr := i.managers[entry.ID]
	i.mu.Unlock()
	if mgr == nil {
		return nil
	}
	return mgr.Unload(ctx, entry.DisabledBy == host.DisabledByUser)
}

// RemoveEntry implements host.Integration: the removal hook for entry
// deletion. When this entry caused the add-on install, the add-on is
// stopped, backed up, and uninstalled. Each step's failure is logged and
// short-circuits the remaining steps, but never the removal itself — the
// host deletes the entry regardless.
func (i *Integration) RemoveEntry(ctx context.Context, entry *host.Entry) error {
	i.mu.Lock()
	delete(i.managers, entry.ID)
	i.mu.Unlock()
	i.entities.Remove(entry.ID)

	if !entry.Data.IntegrationCreatedAddon {
		return nil
	}
	addons := i.addons.Get(i.sup, AddonSlug)

	if err := addons.Stop(ctx); err != nil {
		log.Printf("lifecycle: failed to stop add-on %s on entry removal: %v", AddonSlug, err)
		return nil
	}

	info, err := addons.Info(ctx)
	if err != nil {
		log.Printf("lifecycle: failed to get add-on %s info on entry removal: %v", AddonSlug, err)
		return nil
	}
	if err := addons.CreateBackup(ctx, info.Version); err != nil {
		log.Printf("lifecycle: failed to back up add-on %s on entry removal: %v", AddonSlug, err)
		return nil
	}

	if err := addons.Uninstall(ctx); err != nil {
		log.Printf("lifecycle: failed to uninstall add-on %s on entry removal: %v", AddonSlug, err)
	}
	return nil
}
