// Package events carries ConnectServer lifecycle notifications between
// the catalog, the network layer, the console and telemetry.
package events

import "time"

// EventType names a notification published on the Bus.
type EventType string

const (
	// Catalog liveness edges
	EventGameServerOnline  EventType = "gameserver_online"
	EventGameServerOffline EventType = "gameserver_offline"
	EventJoinServerOnline  EventType = "joinserver_online"
	EventJoinServerOffline EventType = "joinserver_offline"
	EventCatalogReloaded   EventType = "catalog_reloaded"

	// Client sessions
	EventClientConnected    EventType = "client_connected"
	EventClientDisconnected EventType = "client_disconnected"
	EventClientRejected     EventType = "client_rejected"

	// Process
	EventShutdown EventType = "shutdown"
)

// Event is one notification. Payload holds one of the *Payload types below.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// GameServerPayload accompanies GameServer online/offline edges.
type GameServerPayload struct {
	ServerCode uint16 `json:"server_code"`
	ServerName string `json:"server_name"`
	UserTotal  uint8  `json:"user_total"`
	UserCount  uint16 `json:"user_count"`
}

// JoinServerPayload accompanies JoinServer online/offline edges.
type JoinServerPayload struct {
	QueueSize uint32 `json:"queue_size"`
}

// ClientPayload accompanies client session events.
type ClientPayload struct {
	Slot    int    `json:"slot"`
	IP      string `json:"ip"`
	Clients int    `json:"clients"`
}

// CatalogPayload accompanies EventCatalogReloaded.
type CatalogPayload struct {
	Servers int    `json:"servers"`
	Source  string `json:"source"`
}

// ShutdownPayload accompanies EventShutdown.
type ShutdownPayload struct {
	Reason string `json:"reason"`
}
