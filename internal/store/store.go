package store

import (
	"context"
	"encoding/json"
	"errors"
)

const (
	// DefaultMessagePageSize is the page size used when a caller does not
	// ask for one.
	DefaultMessagePageSize = 200
	// MaxMessagePageSize is the hard cap on a message page.
	MaxMessagePageSize = 200
)

var (
	// ErrNotFound is returned when an entity does not exist (or is not
	// visible from the caller's namespace).
	ErrNotFound = errors.New("not found")

	// ErrNamespaceConflict is returned when creating an entity whose id
	// already exists under a different namespace.
	ErrNamespaceConflict = errors.New("entity exists in another namespace")

	// ErrInvalidArgument is returned for missing ids, namespaces, etc.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Store is the versioned persistence contract consumed by the sync engine.
// Every row carries an optimistic-concurrency version; updates are
// compare-and-swap and report mismatches as typed results rather than
// errors.
type Store interface {
	// GetOrCreateSession returns the session tagged tag in namespace,
	// creating it if needed. An empty tag always creates a new session.
	GetOrCreateSession(ctx context.Context, tag string, metadata json.RawMessage, agentState *AgentState, namespace string) (Session, bool, error)
	GetSession(ctx context.Context, id string) (Session, error)
	GetSessionByNamespace(ctx context.Context, id, namespace string) (Session, error)
	ListSessions(ctx context.Context, namespace string) ([]Session, error)
	UpdateSessionMetadata(ctx context.Context, id string, metadata json.RawMessage, expectedVersion int64, namespace string) (UpdateResult[json.RawMessage], error)
	UpdateSessionAgentState(ctx context.Context, id string, agentState *AgentState, expectedVersion int64, namespace string) (UpdateResult[*AgentState], error)
	SetSessionActive(ctx context.Context, id, namespace string, active, thinking bool, atMs int64) (Session, error)
	DeleteSession(ctx context.Context, id, namespace string) error

	// GetOrCreateMachine fails with ErrNamespaceConflict when id exists in
	// another namespace.
	GetOrCreateMachine(ctx context.Context, id string, metadata, daemonState json.RawMessage, namespace string) (Machine, bool, error)
	GetMachine(ctx context.Context, id string) (Machine, error)
	GetMachineByNamespace(ctx context.Context, id, namespace string) (Machine, error)
	ListMachines(ctx context.Context, namespace string) ([]Machine, error)
	UpdateMachineMetadata(ctx context.Context, id string, metadata json.RawMessage, expectedVersion int64, namespace string) (UpdateResult[json.RawMessage], error)
	UpdateMachineDaemonState(ctx context.Context, id string, daemonState json.RawMessage, expectedVersion int64, namespace string) (UpdateResult[json.RawMessage], error)
	SetMachineActive(ctx context.Context, id, namespace string, active bool, atMs int64) (Machine, error)
	// DeleteMachine removes the machine and every session whose metadata
	// names it, returning the removed session ids.
	DeleteMachine(ctx context.Context, id, namespace string) ([]string, error)
	// ListMachineSessionIDs returns the sessions DeleteMachine would
	// currently cascade to.
	ListMachineSessionIDs(ctx context.Context, id, namespace string) ([]string, error)

	// AddMessage is idempotent per (sessionID, localID): a replay returns
	// the original message and false.
	AddMessage(ctx context.Context, sessionID string, content json.RawMessage, localID *string) (Message, bool, error)
	// GetMessages returns the newest page older than beforeSeq (all when
	// nil) in ascending seq order.
	GetMessages(ctx context.Context, sessionID string, limit int, beforeSeq *int64) ([]Message, error)
	// GetMessagesAfter returns messages with seq > afterSeq ascending.
	GetMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error)
	// MergeSessionMessages appends every message of fromID to toID,
	// renumbering after toID's max seq. All-or-nothing.
	MergeSessionMessages(ctx context.Context, fromID, toID string) (int, error)

	GetOrCreateUser(ctx context.Context, id, namespace, name string) (User, bool, error)
	GetUser(ctx context.Context, id, namespace string) (User, error)
	ListUsers(ctx context.Context, namespace string) ([]User, error)
	DeleteUser(ctx context.Context, id, namespace string) error

	AddPushSubscription(ctx context.Context, sub PushSubscription) (PushSubscription, error)
	ListPushSubscriptions(ctx context.Context, namespace string) ([]PushSubscription, error)
	RemovePushSubscription(ctx context.Context, namespace, endpoint string) error

	// DeleteNamespace removes every entity of a namespace, returning the
	// removed session ids.
	DeleteNamespace(ctx context.Context, namespace string) ([]string, error)
}

// ClampLimit applies the default and cap to a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessagePageSize
	}
	if limit > MaxMessagePageSize {
		return MaxMessagePageSize
	}
	return limit
}
