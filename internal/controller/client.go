// Package controller provides the client for the Matter controller process.
//
// The controller is a separate long-running process (either operator-managed
// or provisioned as a supervisor add-on) that owns the actual Matter fabric.
// This package defines the narrow client contract the lifecycle manager
// depends on, plus a websocket implementation of it. The manager only ever
// sees the Client interface, so tests inject fakes.
package controller

import (
	"context"
)

// SchemaVersion is the wire schema version this client implements.
// The server advertises its own schema version range during the connect
// handshake; if this version falls outside that range the connection is
// rejected with a controller.invalid_version error.
const SchemaVersion = 4

// Client is the control channel to the Matter controller process.
//
// Lifetime contract:
//   - Connect establishes the channel and performs the version handshake.
//   - StartListening runs the long-lived receive loop. It signals ready
//     exactly once after the initial node sync completes, then blocks until
//     the channel closes, the context is cancelled, or an error occurs.
//     Termination for any reason is treated as a fault by the caller.
//   - GetNodes/GetNode serve the synchronized node set. They are only valid
//     once ready has been signaled.
//   - Disconnect tears the channel down. It is idempotent.
type Client interface {
	// Connect establishes the control channel.
	// Returns a controller.invalid_version coded error if the server's
	// schema version range does not include this client's, or a
	// controller.cannot_connect coded error for any other failure.
	Connect(ctx context.Context) error

	// StartListening requests the initial node dump and runs the receive
	// loop. The ready channel is closed exactly once, after the initial
	// sync has been applied. The method returns when the loop ends.
	StartListening(ctx context.Context, ready chan<- struct{}) error

	// GetNodes returns the synchronized node set.
	GetNodes(ctx context.Context) ([]*Node, error)

	// GetNode returns a single node by ID.
	GetNode(ctx context.Context, nodeID uint64) (*Node, error)

	// Disconnect closes the control channel. Safe to call repeatedly.
	Disconnect(ctx context.Context) error

	// Connected reports whether the control channel is established.
	Connected() bool
}

// Node is a device on the Matter fabric, as synchronized from the
// controller. Attributes are kept as raw decoded JSON values; the entity
// layer interprets the ones it knows about.
type Node struct {
	// NodeID is the fabric-unique node identifier.
	NodeID uint64 `json:"node_id"`

	// Name is the node's human-readable name, if the controller knows one.
	Name string `json:"name,omitempty"`

	// Available reports whether the controller currently considers the
	// node reachable.
	Available bool `json:"available"`

	// Endpoints are the node's application endpoints. Endpoint 0 is the
	// root/administrative endpoint; functional endpoints start at 1.
	Endpoints []Endpoint `json:"endpoints"`
}

// Endpoint is one application endpoint on a node.
type Endpoint struct {
	// EndpointID identifies the endpoint within its node.
	EndpointID int `json:"endpoint_id"`

	// DeviceType is the Matter device type name (e.g., "OnOffLight").
	DeviceType string `json:"device_type"`

	// Attributes holds the endpoint's attribute values keyed by
	// "cluster/attribute" path.
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ServerInfo is the controller's handshake message, sent as the first frame
// after the websocket is established.
type ServerInfo struct {
	FabricID                  uint64 `json:"fabric_id"`
	CompressedFabricID        uint64 `json:"compressed_fabric_id"`
	SchemaVersion             int    `json:"schema_version"`
	MinSupportedSchemaVersion int    `json:"min_supported_schema_version"`
	SDKVersion                string `json:"sdk_version"`
}

// Supports reports whether the server accepts a client speaking the given
// schema version. The server supports every version between its minimum
// supported version and its current version, inclusive.
func (s *ServerInfo) Supports(clientVersion int) bool {
	return clientVersion >= s.MinSupportedSchemaVersion && clientVersion <= s.SchemaVersion
}
