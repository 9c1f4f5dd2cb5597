package syncengine

import "github.com/bhandras/delight/hub/internal/store"

// EventType names a SyncEvent.
type EventType string

const (
	EventSessionAdded    EventType = "session-added"
	EventSessionUpdated  EventType = "session-updated"
	EventSessionRemoved  EventType = "session-removed"
	EventMessageReceived EventType = "message-received"
	EventMachineUpdated  EventType = "machine-updated"
)

// SyncEvent is emitted after every accepted mutation.
type SyncEvent struct {
	Type      EventType      `json:"type"`
	Namespace string         `json:"namespace"`
	SessionID string         `json:"sessionId,omitempty"`
	MachineID string         `json:"machineId,omitempty"`
	Message   *store.Message `json:"message,omitempty"`
}

// Listener receives SyncEvents. It is called synchronously on the goroutine
// that applied the mutation and must not block.
type Listener func(SyncEvent)

// AccessReason explains a failed ResolveSessionAccess.
type AccessReason string

const (
	AccessNamespaceMissing AccessReason = "namespace-missing"
	AccessDenied           AccessReason = "access-denied"
	AccessNotFound         AccessReason = "not-found"
)

// AccessResult is the outcome of ResolveSessionAccess.
type AccessResult struct {
	OK      bool
	Session store.Session
	Reason  AccessReason
}
