// Package entity derives host-side entities from the controller's
// synchronized node set.
//
// Each functional endpoint on a node becomes one entity. Entities track a
// coarse state ("on"/"off"/unknown) plus availability: while the owning
// config entry is loaded, availability mirrors the node's reachability;
// when the entry is unloaded every entity it produced reports unavailable.
package entity

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openhome/matterhub/internal/controller"
)

// StateUnavailable is reported by entities whose config entry is unloaded
// or whose node is unreachable.
const StateUnavailable = "unavailable"

// Entity is one derived entity.
type Entity struct {
	// ID is the stable entity identifier, e.g. "light.mock_onoff_light".
	ID string

	// EntryID is the config entry that produced this entity.
	EntryID string

	// NodeID and EndpointID locate the source endpoint on the fabric.
	NodeID     uint64
	EndpointID int

	// State is the current state string ("on", "off", "unknown", or
	// StateUnavailable).
	State string
}

// Registry holds the derived entities. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	entities map[string]*Entity
}

// NewRegistry creates an empty entity registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*Entity)}
}

// SetupNodes (re)builds the entities for a config entry from its node set.
// Existing entities for the entry are replaced.
func (r *Registry) SetupNodes(entryID string, nodes []*controller.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entities {
		if e.EntryID == entryID {
			delete(r.entities, id)
		}
	}

	for _, node := range nodes {
		for _, ep := range node.Endpoints {
			// Endpoint 0 is the administrative root endpoint; it has no
			// entity representation.
			if ep.EndpointID == 0 {
				continue
			}
			e := buildEntity(entryID, node, ep)
			r.entities[e.ID] = e
		}
	}
}

// buildEntity maps one endpoint to an entity.
func buildEntity(entryID string, node *controller.Node, ep controller.Endpoint) *Entity {
	state := "unknown"
	if !node.Available {
		state = StateUnavailable
	} else if on, ok := ep.Attributes["OnOff/OnOff"].(bool); ok {
		if on {
			state = "on"
		} else {
			state = "off"
		}
	}

	return &Entity{
		ID:         entityID(node, ep),
		EntryID:    entryID,
		NodeID:     node.NodeID,
		EndpointID: ep.EndpointID,
		State:      state,
	}
}

// entityID derives a stable identifier from the node name and endpoint.
// "Mock OnOff Light" endpoint 1 becomes "light.mock_onoff_light".
func entityID(node *controller.Node, ep controller.Endpoint) string {
	name := node.Name
	if name == "" {
		name = fmt.Sprintf("node_%d", node.NodeID)
	}
	slug := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))

	domain := "sensor"
	if strings.Contains(strings.ToLower(ep.DeviceType), "light") {
		domain = "light"
	}

	id := fmt.Sprintf("%s.%s", domain, slug)
	if ep.EndpointID > 1 {
		id = fmt.Sprintf("%s_%d", id, ep.EndpointID)
	}
	return id
}

// MarkUnavailable sets every entity of the given entry to unavailable.
// Called when the entry is unloaded; the entities stay visible so that
// operators see them as unavailable rather than vanished.
func (r *Registry) MarkUnavailable(entryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entities {
		if e.EntryID == entryID {
			e.State = StateUnavailable
		}
	}
}

// Remove deletes every entity of the given entry. Called on entry removal.
func (r *Registry) Remove(entryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entities {
		if e.EntryID == entryID {
			delete(r.entities, id)
		}
	}
}

// Get returns the entity with the given ID, or nil.
func (r *Registry) Get(id string) *Entity {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entities[id]
	if !ok {
		return nil
	}
	// Return a copy so callers cannot mutate registry state.
	copied := *e
	return &copied
}

// ForEntry returns all entities of a config entry, sorted by ID.
func (r *Registry) ForEntry(entryID string) []*Entity {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Entity
	for _, e := range r.entities {
		if e.EntryID == entryID {
			copied := *e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
