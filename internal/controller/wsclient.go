package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/openhome/matterhub/internal/errors"
)

// writeTimeout bounds a single websocket write. Writes that take longer
// indicate a dead or badly congested connection.
const writeTimeout = 10 * time.Second

// message is the envelope for frames exchanged with the controller.
// Commands carry MessageID+Command, results echo the MessageID, and
// server-initiated events carry Event+Data.
type message struct {
	MessageID string          `json:"message_id,omitempty"`
	Command   string          `json:"command,omitempty"`
	Args      map[string]any  `json:"args,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event names sent by the controller during the listen loop.
const (
	eventNodeAdded   = "node_added"
	eventNodeUpdated = "node_updated"
	eventNodeRemoved = "node_removed"
)

// WSClient is the websocket implementation of Client.
//
// One WSClient corresponds to one logical connection attempt cycle: the
// lifecycle manager creates it at setup, drives Connect → StartListening,
// and Disconnects it on teardown. The node cache is populated by the
// initial dump in StartListening and kept current by events.
type WSClient struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	info      *ServerInfo

	// nodes is the synchronized node set, keyed by node ID.
	// Populated by the initial dump and updated by events.
	nodes  map[uint64]*Node
	synced bool

	// writeMu serializes writes to the websocket. Gorilla connections
	// support one concurrent writer only.
	writeMu sync.Mutex
}

// assert interface compliance at compile time.
var _ Client = (*WSClient)(nil)

// NewWSClient creates a client for the controller at the given websocket URL.
// No connection is made until Connect is called.
func NewWSClient(url string) *WSClient {
	return &WSClient{
		url:   url,
		nodes: make(map[uint64]*Node),
	}
}

// Connect dials the controller and performs the version handshake.
// The server sends its ServerInfo as the first frame; if its supported
// schema version range does not include ours, the connection is closed and
// a controller.invalid_version error is returned.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return apperrors.New(apperrors.CodeControllerCannotConnect, "already connected")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return apperrors.CannotConnect(c.url, err)
	}

	// The handshake frame must arrive promptly; the caller's context
	// deadline does not cover reads, so set one explicitly.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(writeTimeout))
	}

	var info ServerInfo
	if err := conn.ReadJSON(&info); err != nil {
		conn.Close()
		return apperrors.CannotConnect(c.url, fmt.Errorf("read server info: %w", err))
	}
	conn.SetReadDeadline(time.Time{})

	if !info.Supports(SchemaVersion) {
		conn.Close()
		return apperrors.InvalidVersion(fmt.Sprintf("%d (min %d)", info.SchemaVersion, info.MinSupportedSchemaVersion))
	}

	log.Printf("controller: connected to %s (schema %d, sdk %s)", c.url, info.SchemaVersion, info.SDKVersion)

	c.conn = conn
	c.connected = true
	c.info = &info
	return nil
}

// StartListening requests the full node dump and runs the receive loop.
//
// The ready channel is closed exactly once, after the initial dump has been
// applied to the node cache. The loop then processes node events until the
// connection closes, an error occurs, or ctx is cancelled. The return value
// is the terminating error; a clean close returns nil, but callers treat
// any return as a fault (the loop is never expected to end).
func (c *WSClient) StartListening(ctx context.Context, ready chan<- struct{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return apperrors.New(apperrors.CodeControllerNotConnected, "not connected")
	}

	// Cancel support: gorilla reads can only be interrupted by closing
	// the connection, so watch the context in a helper goroutine.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	if err := c.writeJSON(conn, message{
		MessageID: "start-listening",
		Command:   "start_listening",
	}); err != nil {
		return apperrors.Wrap(apperrors.CodeControllerListenFailed, "send start_listening", err)
	}

	readyOnce := sync.Once{}

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperrors.Wrap(apperrors.CodeControllerListenFailed, "listen loop ended", err)
		}

		switch {
		case msg.MessageID == "start-listening":
			if msg.ErrorCode != "" {
				return apperrors.New(apperrors.CodeControllerCommandFailed,
					fmt.Sprintf("start_listening rejected: %s", msg.ErrorCode))
			}
			var dump []*Node
			if err := json.Unmarshal(msg.Result, &dump); err != nil {
				return apperrors.Wrap(apperrors.CodeControllerListenFailed, "decode node dump", err)
			}
			c.applyDump(dump)
			readyOnce.Do(func() { close(ready) })

		case msg.Event != "":
			c.applyEvent(&msg)
		}
	}
}

// applyDump replaces the node cache with the initial full dump.
func (c *WSClient) applyDump(dump []*Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = make(map[uint64]*Node, len(dump))
	for _, node := range dump {
		c.nodes[node.NodeID] = node
	}
	c.synced = true
	log.Printf("controller: initial sync complete, %d node(s)", len(dump))
}

// applyEvent updates the node cache from a server event.
// Unknown events are ignored; the schema allows the server to add event
// types without breaking older clients.
func (c *WSClient) applyEvent(msg *message) {
	switch msg.Event {
	case eventNodeAdded, eventNodeUpdated:
		var node Node
		if err := json.Unmarshal(msg.Data, &node); err != nil {
			log.Printf("controller: failed to decode %s event: %v", msg.Event, err)
			return
		}
		c.mu.Lock()
		c.nodes[node.NodeID] = &node
		c.mu.Unlock()

	case eventNodeRemoved:
		var nodeID uint64
		if err := json.Unmarshal(msg.Data, &nodeID); err != nil {
			log.Printf("controller: failed to decode node_removed event: %v", err)
			return
		}
		c.mu.Lock()
		delete(c.nodes, nodeID)
		c.mu.Unlock()
	}
}

// GetNodes returns the synchronized node set.
// Only valid after the initial sync has completed.
func (c *WSClient) GetNodes(ctx context.Context) ([]*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.synced {
		return nil, apperrors.New(apperrors.CodeControllerNotReady, "initial sync not complete")
	}

	nodes := make([]*Node, 0, len(c.nodes))
	for _, node := range c.nodes {
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// GetNode returns a single node by ID from the synchronized set.
func (c *WSClient) GetNode(ctx context.Context, nodeID uint64) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.synced {
		return nil, apperrors.New(apperrors.CodeControllerNotReady, "initial sync not complete")
	}
	node, ok := c.nodes[nodeID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeControllerNodeNotFound, fmt.Sprintf("node %d not found", nodeID))
	}
	return node, nil
}

// Disconnect closes the control channel. Safe to call repeatedly and
// safe to call on a client that never connected.
func (c *WSClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	c.synced = false

	// Best-effort close frame; the server may already be gone.
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.conn = nil
	log.Printf("controller: disconnected from %s", c.url)
	return err
}

// Connected reports whether the control channel is established.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ServerInfo returns the handshake info from the current connection, or nil
// if not connected yet.
func (c *WSClient) ServerInfo() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// writeJSON marshals and writes one frame, holding the write lock.
func (c *WSClient) writeJSON(conn *websocket.Conn, msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}
