//go:build integration
// +build integration

// End-to-end test: a real websocket controller fake plus a fake supervisor
// API, with the full host → lifecycle → controller stack wired in-process.
// Run with: go test -tags integration .
package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openhome/matterhub/internal/controller"
	"github.com/openhome/matterhub/internal/entity"
	"github.com/openhome/matterhub/internal/host"
	"github.com/openhome/matterhub/internal/lifecycle"
	"github.com/openhome/matterhub/internal/supervisor"
)

// controllerServer fakes the Matter controller websocket endpoint.
type controllerServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	accepted int
}

func newControllerServer(t *testing.T) *controllerServer {
	t.Helper()
	cs := &controllerServer{}
	cs.srv = httptest.NewServer(http.HandlerFunc(cs.handle))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *controllerServer) url() string {
	return "ws" + strings.TrimPrefix(cs.srv.URL, "http")
}

func (cs *controllerServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cs.mu.Lock()
	cs.conns = append(cs.conns, conn)
	cs.accepted++
	cs.mu.Unlock()

	conn.WriteJSON(controller.ServerInfo{
		FabricID:                  1,
		SchemaVersion:             controller.SchemaVersion,
		MinSupportedSchemaVersion: 1,
		SDKVersion:                "2024.7.2",
	})

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg["command"] == "start_listening" {
			dump, _ := json.Marshal([]*controller.Node{{
				NodeID:    5,
				Name:      "Mock OnOff Light",
				Available: true,
				Endpoints: []controller.Endpoint{
					{EndpointID: 0, DeviceType: "RootNode"},
					{EndpointID: 1, DeviceType: "OnOffLight", Attributes: map[string]any{"OnOff/OnOff": true}},
				},
			}})
			conn.WriteJSON(map[string]any{
				"message_id": msg["message_id"],
				"result":     json.RawMessage(dump),
			})
		}
	}
}

// dropConnections closes every accepted websocket, simulating a controller
// crash. The server keeps accepting new connections.
func (cs *controllerServer) dropConnections() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, conn := range cs.conns {
		conn.Close()
	}
	cs.conns = nil
}

func newSupervisorServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/info") {
			json.NewEncoder(w).Encode(map[string]any{
				"result": "ok",
				"data": map[string]any{
					"slug": lifecycle.AddonSlug, "version": "1.0.0",
					"installed": true, "running": true,
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitForState(t *testing.T, h *host.Host, entryID string, want host.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.EntryState(entryID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("entry state = %s, want %s", h.EntryState(entryID), want)
}

func TestFullStack_SetupRunReloadStop(t *testing.T) {
	cs := newControllerServer(t)
	supSrv := newSupervisorServer(t)

	store, err := host.OpenStore(filepath.Join(t.TempDir(), "matterhub.db"))
	if err != nil {
		t.Fatalf("OpenStore() = %v", err)
	}
	defer store.Close()

	integ := lifecycle.NewIntegration(lifecycle.IntegrationConfig{
		Supervisor:         supervisor.NewHTTPClient(supSrv.URL),
		ConnectTimeout:     5 * time.Second,
		ListenReadyTimeout: 5 * time.Second,
	})
	h := host.New(integ, store, host.Options{
		RetryInitialInterval: 20 * time.Millisecond,
	})
	integ.SetReloader(h)

	entry := &host.Entry{
		Title: "Matter",
		Data:  host.EntryData{URL: cs.url(), UseAddon: true},
	}
	if err := h.AddEntry(entry); err != nil {
		t.Fatalf("AddEntry() = %v", err)
	}

	if err := h.SetupEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("SetupEntry() = %v", err)
	}
	waitForState(t, h, entry.ID, host.StateLoaded)

	if e := integ.Entities().Get("light.mock_onoff_light"); e == nil || e.State != "on" {
		t.Fatalf("entity = %+v, want light on", e)
	}

	// Controller crash: the listen loop ends and the integration reloads
	// the entry, reconnecting to the (still listening) server.
	cs.dropConnections()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cs.mu.Lock()
		reconnected := cs.accepted >= 2
		cs.mu.Unlock()
		if reconnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitForState(t, h, entry.ID, host.StateLoaded)

	// Persisted across the store.
	entries, err := store.LoadEntries()
	if err != nil || len(entries) != 1 {
		t.Fatalf("LoadEntries() = %v, %d entries", err, len(entries))
	}

	h.Stop(context.Background())
	if e := integ.Entities().Get("light.mock_onoff_light"); e == nil || e.State != entity.StateUnavailable {
		t.Fatalf("entity = %+v, want unavailable after stop", e)
	}
}
